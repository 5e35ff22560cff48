// Package registry tracks registered agents: identifier assignment,
// connection↔agent mapping, catalog queries, and command ownership.
// Each entry carries a Target saying how the agent is reached, over a
// connection or via an in-process handler. All state is
// process-lifetime only and never persisted.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwick/atrium/internal/bus"
	"github.com/fenwick/atrium/internal/transport"
)

// Entry is one registered agent.
type Entry struct {
	// AgentID is "<name>-<n>" with a per-name counter starting at 0.
	AgentID string
	// Name is the manifest name.
	Name string
	// Manifest is the parsed registration payload.
	Manifest *Manifest
	// Target is where envelopes for this agent go: Connected for
	// remote agents, InProcess for agents executed by the router.
	Target Target
	// Privileged marks the in-process default agent.
	Privileged bool
	// RegisteredAt is when the entry was created.
	RegisteredAt time.Time
}

// ConnState describes how the agent is attached, for status output.
func (e *Entry) ConnState() string {
	return e.Target.State()
}

// Registry is safe for concurrent use. Iteration orders (AllAgents,
// FindCommandOwner, BuildCatalog) follow registration order, so "first
// registration wins" ties are deterministic.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Entry
	byConn   map[transport.Conn]*Entry
	order    []string       // agent ids in registration order
	counters map[string]int // per-name id counters; never decrement

	lifecycle *bus.Bus
	logger    *slog.Logger
}

// New creates an empty registry. lifecycle may be nil; registration
// changes are then simply not published.
func New(lifecycle *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:      make(map[string]*Entry),
		byConn:    make(map[transport.Conn]*Entry),
		counters:  make(map[string]int),
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// Register creates an entry for the manifest and indexes it by id
// and, for Connected targets, by connection identity. A connection may
// hold at most one registration: re-registering on the same conn
// replaces the previous entry.
func (r *Registry) Register(target Target, manifest map[string]any, privileged bool) (*Entry, error) {
	m, err := ParseManifest(manifest)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()

	var replaced *Entry
	if c, ok := target.(Connected); ok {
		if prev, ok := r.byConn[c.Conn]; ok {
			replaced = r.removeLocked(prev)
		}
	}

	n := r.counters[m.Name]
	r.counters[m.Name] = n + 1

	entry := &Entry{
		AgentID:      fmt.Sprintf("%s-%d", m.Name, n),
		Name:         m.Name,
		Manifest:     m,
		Target:       target,
		Privileged:   privileged,
		RegisteredAt: time.Now(),
	}
	r.byID[entry.AgentID] = entry
	if c, ok := target.(Connected); ok {
		r.byConn[c.Conn] = entry
	}
	r.order = append(r.order, entry.AgentID)
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Warn("connection re-registered, replacing previous entry",
			"old_agent_id", replaced.AgentID, "new_agent_id", entry.AgentID)
		r.lifecycle.Publish(bus.Event{
			Kind: bus.KindUnregistered, AgentID: replaced.AgentID,
			Name: replaced.Name, Privileged: replaced.Privileged,
		})
	}

	r.logger.Info("agent registered",
		"agent_id", entry.AgentID, "commands", len(m.Commands), "transport", entry.ConnState())
	r.lifecycle.Publish(bus.Event{
		Kind: bus.KindRegistered, AgentID: entry.AgentID,
		Name: entry.Name, Privileged: entry.Privileged,
	})
	return entry, nil
}

// removeLocked drops an entry from every index. Counters are left
// alone so ids are never reused. Caller holds r.mu.
func (r *Registry) removeLocked(e *Entry) *Entry {
	delete(r.byID, e.AgentID)
	if c, ok := e.Target.(Connected); ok {
		delete(r.byConn, c.Conn)
	}
	for i, id := range r.order {
		if id == e.AgentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e
}

// Unregister removes an agent by id, returning the removed entry or
// nil when the id is unknown.
func (r *Registry) Unregister(agentID string) *Entry {
	r.mu.Lock()
	e, ok := r.byID[agentID]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("agent unregistered", "agent_id", e.AgentID)
	r.lifecycle.Publish(bus.Event{
		Kind: bus.KindUnregistered, AgentID: e.AgentID,
		Name: e.Name, Privileged: e.Privileged,
	})
	return e
}

// UnregisterByConn removes the agent registered on conn, if any.
func (r *Registry) UnregisterByConn(conn transport.Conn) *Entry {
	r.mu.Lock()
	e, ok := r.byConn[conn]
	if ok {
		r.removeLocked(e)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.logger.Info("agent unregistered", "agent_id", e.AgentID, "reason", "connection closed")
	r.lifecycle.Publish(bus.Event{
		Kind: bus.KindUnregistered, AgentID: e.AgentID,
		Name: e.Name, Privileged: e.Privileged,
	})
	return e
}

// GetByID returns the entry for agentID, or nil.
func (r *Registry) GetByID(agentID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[agentID]
}

// GetByConn returns the entry registered on conn, or nil.
func (r *Registry) GetByConn(conn transport.Conn) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[conn]
}

// GetByName returns the first entry whose manifest name matches, or
// nil. Used for @mention routing, where either the name or the id may
// be given.
func (r *Registry) GetByName(name string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if e := r.byID[id]; e != nil && e.Name == name {
			return e
		}
	}
	return nil
}

// AllAgents returns every entry in registration order.
func (r *Registry) AllAgents() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// DefaultAgent returns the first privileged entry, or nil. Commands
// with no explicit target land here.
func (r *Registry) DefaultAgent() *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if e := r.byID[id]; e != nil && e.Privileged {
			return e
		}
	}
	return nil
}

// FindCommandOwner returns the first registered agent whose manifest
// declares the command, or nil.
func (r *Registry) FindCommandOwner(command string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		e := r.byID[id]
		if e == nil {
			continue
		}
		for _, c := range e.Manifest.Commands {
			if c.Name == command {
				return e
			}
		}
	}
	return nil
}

// BuildCatalog produces the agent.catalog payload entries for the UI.
func (r *Registry) BuildCatalog() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	catalog := make([]map[string]any, 0, len(r.order))
	for _, id := range r.order {
		e := r.byID[id]
		if e == nil {
			continue
		}
		commands := make([]map[string]any, 0, len(e.Manifest.Commands))
		for _, c := range e.Manifest.Commands {
			entry := map[string]any{"name": c.Name}
			if c.Description != "" {
				entry["description"] = c.Description
			}
			if len(c.Args) > 0 {
				entry["args"] = c.Args
			}
			commands = append(commands, entry)
		}
		catalog = append(catalog, map[string]any{
			"agent_id":    e.AgentID,
			"name":        e.Name,
			"commands":    commands,
			"description": e.Manifest.Description,
			"panels":      e.Manifest.Panels,
		})
	}
	return catalog
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}
