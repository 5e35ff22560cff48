// Package service executes service.request envelopes against the
// core's stores and capabilities. Each request names a service and an
// action; the dispatcher looks up the handler, runs it on a worker
// pool, and answers on the requesting connection with a
// service.response {result} or service.error {error} reply.
//
// The storage service is namespaced: every action operates on the note
// tree belonging to the requesting agent, so two agents never share
// note state. All other services are global.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fenwick/atrium/internal/articles"
	"github.com/fenwick/atrium/internal/calendar"
	"github.com/fenwick/atrium/internal/fetch"
	"github.com/fenwick/atrium/internal/llm"
	"github.com/fenwick/atrium/internal/notes"
	"github.com/fenwick/atrium/internal/paths"
	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/settings"
	"github.com/fenwick/atrium/internal/tasks"
	"github.com/fenwick/atrium/internal/transport"
)

// handler executes one action. Handlers run on pool workers and may
// block on SQLite, the filesystem, or the LLM queue.
type handler func(ctx context.Context, c *call) (any, error)

// call carries one decoded request through a handler.
type call struct {
	// agentID is the requester, taken from the registry entry for the
	// envelope's connection. Storage actions are scoped by it.
	agentID string
	params  map[string]any
}

// Config wires the dispatcher to the core's stores and capabilities.
type Config struct {
	Tasks    *tasks.Store
	Events   *calendar.Store
	Articles *articles.Store
	Settings *settings.Store
	Queue    *llm.Queue
	Fetcher  *fetch.Fetcher
	Layout   *paths.Layout
	Logger   *slog.Logger

	// Pool runs handlers when set; the router shares it for local agent
	// invocations. Nil builds a private pool sized by Workers.
	Pool *Pool

	// Workers bounds concurrent blocking work; 0 picks the default.
	// Ignored when Pool is set.
	Workers int
}

// Dispatcher routes service.request envelopes to store calls.
type Dispatcher struct {
	logger   *slog.Logger
	tasks    *tasks.Store
	events   *calendar.Store
	articles *articles.Store
	settings *settings.Store
	queue    *llm.Queue
	fetcher  *fetch.Fetcher
	layout   *paths.Layout
	pool     *Pool

	services map[string]map[string]handler

	treeMu sync.Mutex
	trees  map[string]*notes.Tree
}

// New builds a dispatcher and starts its worker pool.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = NewPool(cfg.Workers, logger)
	}
	d := &Dispatcher{
		logger:   logger,
		tasks:    cfg.Tasks,
		events:   cfg.Events,
		articles: cfg.Articles,
		settings: cfg.Settings,
		queue:    cfg.Queue,
		fetcher:  cfg.Fetcher,
		layout:   cfg.Layout,
		pool:     pool,
		trees:    make(map[string]*notes.Tree),
	}
	d.services = map[string]map[string]handler{
		"tasks":    d.taskActions(),
		"events":   d.eventActions(),
		"articles": d.articleActions(),
		"storage":  d.storageActions(),
		"settings": d.settingsActions(),
		"llm":      d.llmActions(),
	}
	return d
}

// Dispatch schedules env's request on the worker pool and returns
// immediately; the reply is sent on conn when the handler finishes.
// agentID identifies the requester for storage scoping.
func (d *Dispatcher) Dispatch(ctx context.Context, env *protocol.Envelope, conn transport.Conn, agentID string) {
	if !d.pool.Submit(func() { d.serve(ctx, env, conn, agentID) }) {
		d.logger.Warn("service request after shutdown", "from", env.Sender, "id", env.ID)
	}
}

// Stop drains the worker pool. In-flight handlers finish and their
// replies are still sent.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
}

func (d *Dispatcher) serve(ctx context.Context, env *protocol.Envelope, conn transport.Conn, agentID string) {
	svc, _ := env.Payload["service"].(string)
	action, _ := env.Payload["action"].(string)
	params, _ := env.Payload["params"].(map[string]any)

	result, err := d.invoke(ctx, svc, action, &call{agentID: agentID, params: params})

	var reply *protocol.Envelope
	if err != nil {
		d.logger.Debug("service request failed",
			"service", svc, "action", action, "agent", agentID, "error", err)
		reply = protocol.NewReply(env, protocol.TypeServiceError, protocol.SenderCore,
			map[string]any{"error": err.Error()})
	} else {
		reply = protocol.NewReply(env, protocol.TypeServiceResponse, protocol.SenderCore,
			map[string]any{"result": result})
	}

	if serr := conn.Send(reply); serr != nil {
		d.logger.Warn("service reply send failed",
			"service", svc, "action", action, "agent", agentID, "error", serr)
	}
}

// invoke resolves and runs the handler for (svc, action).
func (d *Dispatcher) invoke(ctx context.Context, svc, action string, c *call) (any, error) {
	actions, ok := d.services[svc]
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", svc)
	}
	h, ok := actions[action]
	if !ok {
		return nil, fmt.Errorf("unknown %s action: %s", svc, action)
	}
	return h(ctx, c)
}

// tree returns the requesting agent's note tree, creating its
// directory on first use. Trees are cached for the process lifetime;
// they hold no open handles, only a validated root path.
func (d *Dispatcher) tree(agentID string) (*notes.Tree, error) {
	d.treeMu.Lock()
	defer d.treeMu.Unlock()
	if t, ok := d.trees[agentID]; ok {
		return t, nil
	}
	dir, err := d.layout.AgentDir(agentID)
	if err != nil {
		return nil, err
	}
	t, err := notes.NewTree(dir, d.logger)
	if err != nil {
		return nil, err
	}
	d.trees[agentID] = t
	return t, nil
}

// --- Parameter access ---
//
// Params arrive as decoded JSON, so numbers are float64 and lists are
// []any. The helpers tolerate native Go types too for in-process
// callers.

func strParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

// optStrParam distinguishes an absent key from an empty string. Update
// handlers treat nil as "leave unchanged".
func optStrParam(params map[string]any, key string) *string {
	if v, ok := params[key].(string); ok {
		return &v
	}
	return nil
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func intParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// idParam reads the record id every get/update/delete action needs.
func idParam(params map[string]any) (int64, bool) {
	switch v := params["id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

var errMissingID = fmt.Errorf("id is required")

func strsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// decodeParam converts a params value into a typed struct via a JSON
// round trip, which keeps handlers free of per-field assertions for
// entry and topic lists.
func decodeParam(params map[string]any, key string, dst any) error {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}
