package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "qwen3:4b" {
			t.Errorf("model = %q", req.Model)
		}
		if req.Stream {
			t.Error("stream should be false")
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		if req.Options == nil || req.Options.Temperature != 0.7 {
			t.Errorf("options = %+v", req.Options)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":             "qwen3:4b",
			"created_at":        "2026-08-25T10:00:00.000Z",
			"message":           map[string]any{"role": "assistant", "content": "hello back"},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        4,
		})
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL, discardLogger())
	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}, &Options{Temperature: 0.7})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "hello back" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if !resp.Done {
		t.Error("done should be true")
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("tokens = %d/%d, want 12/4", resp.InputTokens, resp.OutputTokens)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestOllamaChat_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL, discardLogger())
	_, err := c.Chat(context.Background(), "missing:model", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "API error 404") {
		t.Errorf("error = %v, want API error 404", err)
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("error should carry the body, got %v", err)
	}
}

func TestOllamaPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		w.Write([]byte(`{"models":[]}`))
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL, discardLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestOllamaPing_Down(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL, discardLogger())
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected error from failing backend")
	}
}

func TestOllamaListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[{"name":"qwen3:4b"},{"name":"mistral:7b"}]}`))
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL, discardLogger())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 || models[0] != "qwen3:4b" || models[1] != "mistral:7b" {
		t.Errorf("models = %v", models)
	}
}

func TestNewOllamaClient_DefaultBaseURL(t *testing.T) {
	c := NewOllamaClient("", discardLogger())
	if c.baseURL != "http://localhost:11434" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
}
