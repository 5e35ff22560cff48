// Package llm provides the inference client and the priority queue
// that schedules all model calls in the core.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are model parameters for a single call.
type Options struct {
	Temperature float64 `json:"temperature"`
}

// ChatResponse is the reply to a chat call.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage and timing, when the backend reports them.
	InputTokens   int
	OutputTokens  int
	TotalDuration time.Duration
}
