package llm

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Priorities for queued requests. Lower runs first.
const (
	PriorityAdmin = 0
	PriorityAgent = 1
)

// ModelResolver supplies model overrides from runtime settings. It is
// consulted for requests that do not name a model explicitly.
type ModelResolver interface {
	GetModel(command string) string
}

// Request describes one chat call.
type Request struct {
	Prompt  string
	System  string
	Model   string // explicit override; empty means resolve via settings
	Command string // names the per-command model setting to consult

	// Temperature overrides the configured default when non-nil.
	Temperature *float64
}

// Result carries the reply or error for a completed request.
type Result struct {
	Content string
	Err     error
}

type item struct {
	priority int
	seq      uint64
	req      Request
	done     chan Result
}

// QueueConfig holds the queue's tunables.
type QueueConfig struct {
	DefaultModel  string
	Temperature   float64
	MaxConcurrent int
}

// Queue schedules chat calls. Items run FIFO within a priority level,
// admin before agent, with at most MaxConcurrent calls in flight.
type Queue struct {
	client       Client
	models       ModelResolver
	defaultModel string
	defaultTemp  float64
	logger       *slog.Logger

	sem  chan struct{}
	wake chan struct{}

	mu    sync.Mutex
	items itemHeap
	seq   uint64
}

// NewQueue creates a Queue. MaxConcurrent values below 1 are treated
// as 1. models may be nil when no settings store is wired in.
func NewQueue(client Client, models ModelResolver, cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:       client,
		models:       models,
		defaultModel: cfg.DefaultModel,
		defaultTemp:  cfg.Temperature,
		logger:       logger,
		sem:          make(chan struct{}, cfg.MaxConcurrent),
		wake:         make(chan struct{}, 1),
	}
}

// Submit enqueues a request and returns a channel that receives the
// single Result. An abandoned channel is harmless; the result is
// discarded.
func (q *Queue) Submit(priority int, req Request) <-chan Result {
	it := &item{priority: priority, req: req, done: make(chan Result, 1)}

	q.mu.Lock()
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	depth := q.items.Len()
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Debug("chat request queued", "priority", priority, "depth", depth)
	return it.done
}

// Chat submits a request and waits for the reply. Deadlines belong to
// the caller: a cancelled ctx stops the wait but not the queued item,
// whose result is then discarded.
func (q *Queue) Chat(ctx context.Context, priority int, req Request) (string, error) {
	done := q.Submit(priority, req)
	select {
	case res := <-done:
		return res.Content, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run consumes the queue until ctx is cancelled. Queued items are
// failed with ctx.Err() on exit so no waiter hangs.
func (q *Queue) Run(ctx context.Context) {
	for {
		// Take a slot before choosing an item, so the priority decision
		// happens as late as possible.
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			q.failQueued(ctx.Err())
			return
		}

		it := q.pop(ctx)
		if it == nil {
			<-q.sem
			q.failQueued(ctx.Err())
			return
		}

		go func() {
			defer func() { <-q.sem }()
			q.serve(ctx, it)
		}()
	}
}

// pop returns the highest-priority queued item, waiting for one to
// arrive. Returns nil when ctx is cancelled.
func (q *Queue) pop(ctx context.Context) *item {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			q.mu.Unlock()
			return it
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *Queue) serve(ctx context.Context, it *item) {
	model := q.resolveModel(it.req)
	temp := q.defaultTemp
	if it.req.Temperature != nil {
		temp = *it.req.Temperature
	}

	var messages []Message
	if it.req.System != "" {
		messages = append(messages, Message{Role: "system", Content: it.req.System})
	}
	messages = append(messages, Message{Role: "user", Content: it.req.Prompt})

	start := time.Now()
	resp, err := q.client.Chat(ctx, model, messages, &Options{Temperature: temp})
	if err != nil {
		q.logger.Error("chat request failed", "model", model, "priority", it.priority, "error", err)
		it.done <- Result{Err: err}
		return
	}

	q.logger.Debug("chat request served",
		"model", model,
		"priority", it.priority,
		"elapsed", time.Since(start).Truncate(time.Millisecond),
		"output_tokens", resp.OutputTokens,
	)
	it.done <- Result{Content: resp.Message.Content}
}

// resolveModel picks the model for a request: explicit argument, then
// the per-command setting, then the global setting, then the
// configured default.
func (q *Queue) resolveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if q.models != nil {
		if m := q.models.GetModel(req.Command); m != "" {
			return m
		}
	}
	return q.defaultModel
}

func (q *Queue) failQueued(err error) {
	q.mu.Lock()
	items := make([]*item, 0, q.items.Len())
	for q.items.Len() > 0 {
		items = append(items, heap.Pop(&q.items).(*item))
	}
	q.mu.Unlock()

	for _, it := range items {
		it.done <- Result{Err: err}
	}
}

// itemHeap orders items by (priority, seq): admin first, FIFO within a
// level.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
