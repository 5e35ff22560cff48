package admin

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/llm"
	"github.com/fenwick/atrium/internal/settings"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFreeTextAnswers(t *testing.T) {
	h := newHarness(t)
	if _, err := h.set.Set(settings.KeyAgencyMode, settings.AgencyOff); err != nil {
		t.Fatalf("set agency: %v", err)
	}
	due := time.Now().AddDate(0, 0, 1).Format("2006-01-02")
	if _, err := h.tasks.Create("water plants", due); err != nil {
		t.Fatalf("create task: %v", err)
	}
	h.chat.replies = []string{"All quiet this week."}

	conn, env := h.command(t, map[string]any{"text": "how does my week look?"})
	reply := conn.await(t)
	if reply.ReplyTo != env.ID {
		t.Fatalf("reply_to = %q, want %q", reply.ReplyTo, env.ID)
	}
	content := contentOf(t, reply, ContentText)
	if text, _ := content["text"].(string); text != "All quiet this week." {
		t.Errorf("answer = %q", text)
	}
	if format, _ := content["format"].(string); format != "markdown" {
		t.Errorf("format = %q, want markdown", format)
	}

	req := h.chat.request(t, 0)
	if req.Command != "reflect" {
		t.Errorf("command = %q, want reflect", req.Command)
	}
	if req.Prompt != "how does my week look?" {
		t.Errorf("prompt = %q, want the raw input", req.Prompt)
	}
	if !strings.Contains(req.System, "Atrium") {
		t.Errorf("system prompt missing the default persona:\n%s", req.System)
	}
	if !strings.Contains(req.System, noProfile) {
		t.Errorf("system prompt missing the profile placeholder:\n%s", req.System)
	}
	if !strings.Contains(req.System, "water plants") {
		t.Errorf("system prompt missing the open task:\n%s", req.System)
	}
	if got := h.chat.priority(t, 0); got != llm.PriorityAdmin {
		t.Errorf("priority = %d, want %d", got, llm.PriorityAdmin)
	}
	conn.quiet(t)
}

func TestFreeTextReadsPersonaAndProfile(t *testing.T) {
	h := newHarness(t)
	if _, err := h.set.Set(settings.KeyAgencyMode, settings.AgencyOff); err != nil {
		t.Fatalf("set agency: %v", err)
	}
	writeFile(t, h.layout.Persona(), "You are Aster, keeper of the atrium.")
	writeFile(t, h.layout.Profile(), "Prefers short answers.")
	h.chat.replies = []string{"ok"}

	h.send(t, map[string]any{"text": "hello there"})

	sys := h.chat.request(t, 0).System
	if !strings.HasPrefix(sys, "You are Aster") {
		t.Errorf("system should open with the persona file:\n%s", sys)
	}
	if !strings.Contains(sys, "Prefers short answers.") {
		t.Errorf("system missing the profile:\n%s", sys)
	}
}

func TestFreeTextLLMFailure(t *testing.T) {
	h := newHarness(t)
	h.chat.err = errors.New("model offline")

	reply := h.send(t, map[string]any{"text": "summarise my day"})
	if msg := errMsgOf(t, reply); msg != "LLM request failed" {
		t.Errorf("error = %q, want %q", msg, "LLM request failed")
	}
}

func TestAgencyCreatesExtractedItems(t *testing.T) {
	h := newHarness(t)
	h.chat.replies = []string{
		"Noted, I'll keep both on the list.",
		"```json\n{\"tasks\": [{\"title\": \"renew passport\", \"due_date\": \"2027-05-01\"}], " +
			"\"events\": [{\"title\": \"dentist\", \"start_time\": \"2027-04-20T09:00\"}]}\n```",
	}

	conn, env := h.command(t, map[string]any{"text": "remind me to renew my passport and book the dentist"})
	contentOf(t, conn.await(t), ContentText)

	second := conn.await(t)
	if second.ReplyTo != env.ID {
		t.Errorf("summary reply_to = %q, want %q", second.ReplyTo, env.ID)
	}
	text, _ := contentOf(t, second, ContentText)["text"].(string)
	want := "Created 1 task and 1 event:\n" +
		"- Task 1: renew passport (due 2027-05-01)\n" +
		"- Event 1: dentist (2027-04-20T09:00)"
	if text != want {
		t.Errorf("summary = %q, want %q", text, want)
	}

	req := h.chat.request(t, 1)
	if req.Command != "extract" {
		t.Errorf("second command = %q, want extract", req.Command)
	}
	if !strings.Contains(req.Prompt, "renew my passport") {
		t.Errorf("extraction prompt missing the input:\n%s", req.Prompt)
	}

	task, err := h.tasks.Get(1)
	if err != nil || task.Title != "renew passport" || task.DueDate != "2027-05-01" {
		t.Errorf("task not stored: %v %+v", err, task)
	}
	ev, err := h.cal.Get(1)
	if err != nil || ev.Title != "dentist" || ev.StartTime != "2027-04-20T09:00" {
		t.Errorf("event not stored: %v %+v", err, ev)
	}
}

func TestAgencyOffSkipsExtraction(t *testing.T) {
	h := newHarness(t)
	if _, err := h.set.Set(settings.KeyAgencyMode, settings.AgencyOff); err != nil {
		t.Fatalf("set agency: %v", err)
	}
	h.chat.replies = []string{"Sure."}

	conn, _ := h.command(t, map[string]any{"text": "remind me to call mum"})
	conn.await(t)
	conn.quiet(t)

	if got := h.chat.calls(); got != 1 {
		t.Errorf("chat calls = %d, want 1", got)
	}
}

func TestExtractionEmptyStaysQuiet(t *testing.T) {
	h := newHarness(t)
	h.chat.replies = []string{"Nothing to do.", `{"tasks": [], "events": []}`}

	conn, _ := h.command(t, map[string]any{"text": "just saying hi"})
	conn.await(t)
	conn.quiet(t)

	if got := h.chat.calls(); got != 2 {
		t.Errorf("chat calls = %d, want 2", got)
	}
}

func TestExtractionRejectsBadItems(t *testing.T) {
	h := newHarness(t)
	// Empty titles are skipped, unparseable start times rejected by the
	// store. Nothing is created, so no summary goes out.
	h.chat.replies = []string{
		"Hmm.",
		`{"tasks": [{"title": ""}], "events": [{"title": "vague", "start_time": "sometime"}]}`,
	}

	conn, _ := h.command(t, map[string]any{"text": "do something at some point"})
	conn.await(t)
	conn.quiet(t)

	events, err := h.cal.List()
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("stored %d events, want 0", len(events))
	}
}

func TestExtractionDropsNonISODueDate(t *testing.T) {
	h := newHarness(t)
	h.chat.replies = []string{
		"Will do.",
		`{"tasks": [{"title": "pay rent", "due_date": "next friday"}], "events": []}`,
	}

	conn, _ := h.command(t, map[string]any{"text": "remind me to pay rent next friday"})
	conn.await(t)

	second := conn.await(t)
	text, _ := contentOf(t, second, ContentText)["text"].(string)
	if want := "Created 1 task:\n- Task 1: pay rent"; text != want {
		t.Errorf("summary = %q, want %q", text, want)
	}
	task, err := h.tasks.Get(1)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.DueDate != "" {
		t.Errorf("due date = %q, want empty after dropping a non-ISO date", task.DueDate)
	}
}

func TestParseExtraction(t *testing.T) {
	logger := discardLogger()
	tests := []struct {
		name string
		raw  string
		want extraction
	}{
		{
			name: "plain json",
			raw:  `{"tasks": [{"title": "a"}], "events": []}`,
			want: extraction{Tasks: []extractedTask{{Title: "a"}}, Events: []extractedEvent{}},
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"tasks\": [], \"events\": []}\n```",
			want: extraction{Tasks: []extractedTask{}, Events: []extractedEvent{}},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"tasks": [{"title": "a"},], "events": []}`,
			want: extraction{Tasks: []extractedTask{{Title: "a"}}, Events: []extractedEvent{}},
		},
		{
			name: "prose yields empty",
			raw:  "no actionable items found",
			want: extraction{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseExtraction(tt.raw, logger)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseExtraction(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", "{}", "{}"},
		{"bare fence", "```\n{}\n```", "{}"},
		{"language tag", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"single line", "```{}```", "{}"},
		{"surrounding whitespace", "  ```json\n{}\n```  ", "{}"},
		{"prose untouched", "here: {}", "here: {}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.in); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildContextEmpty(t *testing.T) {
	h := newHarness(t)

	got := h.agent.buildContext()
	want := "Open tasks (next 7 days):\n(none)\n\nUpcoming events (next 3 days):\n(none)"
	if got != want {
		t.Errorf("context = %q, want %q", got, want)
	}
}

func TestBuildContextWindows(t *testing.T) {
	h := newHarness(t)
	if _, err := h.tasks.Create("near task", time.Now().AddDate(0, 0, 2).Format("2006-01-02")); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := h.tasks.Create("far task", time.Now().AddDate(0, 0, 40).Format("2006-01-02")); err != nil {
		t.Fatalf("create task: %v", err)
	}
	ev := &calendar.Event{
		Title:     "near event",
		StartTime: time.Now().AddDate(0, 0, 1).Format("2006-01-02T15:04"),
	}
	if err := h.cal.Create(ev); err != nil {
		t.Fatalf("create event: %v", err)
	}

	got := h.agent.buildContext()
	if !strings.Contains(got, "near task") {
		t.Errorf("context missing the near task:\n%s", got)
	}
	if strings.Contains(got, "far task") {
		t.Errorf("context should not list a task outside the window:\n%s", got)
	}
	if !strings.Contains(got, "near event") {
		t.Errorf("context missing the near event:\n%s", got)
	}
	if strings.HasSuffix(got, "\n") {
		t.Error("context should not end with a newline")
	}
}
