package service

import (
	"context"
	"fmt"

	"github.com/fenwick/atrium/internal/llm"
)

// llmActions expose the shared inference queue. Requests from
// connected agents enter at agent priority, so interactive admin work
// is always served first.
func (d *Dispatcher) llmActions() map[string]handler {
	return map[string]handler{
		"chat": d.llmChat,
	}
}

func (d *Dispatcher) llmChat(ctx context.Context, c *call) (any, error) {
	prompt := strParam(c.params, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	req := llm.Request{
		Prompt:  prompt,
		System:  strParam(c.params, "system"),
		Model:   strParam(c.params, "model"),
		Command: strParam(c.params, "command"),
	}
	if t, ok := floatParam(c.params, "temperature"); ok {
		req.Temperature = &t
	}

	content, err := d.queue.Chat(ctx, llm.PriorityAgent, req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": content}, nil
}
