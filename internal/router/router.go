// Package router dispatches envelopes between connected agents, the
// service dispatcher, and in-process agents. It is the single
// transport.Handler for both listeners: every envelope read off a
// connection lands in HandleEnvelope, which switches on the type tag.
//
// Commands are tracked in a pending map keyed by envelope id so the
// eventual response can be forwarded to the originating connection.
// Delivery follows the entry's registry.Target: Connected agents get
// the envelope on their connection; InProcess agents run on the shared
// worker pool and answer through a registry.EmitFunc that writes
// straight to the origin, bypassing the pending map so multi-part
// replies are possible.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/registry"
	"github.com/fenwick/atrium/internal/service"
	"github.com/fenwick/atrium/internal/transport"
)

// pendingCommand remembers where a command came from and where it
// went, so the response (or a disconnect error) finds its way back.
type pendingCommand struct {
	origin   transport.Conn
	originID string
	target   string
}

// Config wires the router's collaborators.
type Config struct {
	Registry *registry.Registry
	Services *service.Dispatcher

	// Pool runs in-process agent invocations. Shared with the service
	// dispatcher so one bound controls all blocking work.
	Pool *service.Pool

	// BaseContext governs local handler invocations; nil means
	// context.Background().
	BaseContext context.Context

	Logger *slog.Logger
}

// Router is the core's dispatch spine.
type Router struct {
	logger   *slog.Logger
	registry *registry.Registry
	services *service.Dispatcher
	pool     *service.Pool
	baseCtx  context.Context

	mu      sync.Mutex
	pending map[string]*pendingCommand
}

// New builds a router. The registry, service dispatcher, and pool must
// be non-nil; a nil logger falls back to slog.Default().
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Router{
		logger:   logger,
		registry: cfg.Registry,
		services: cfg.Services,
		pool:     cfg.Pool,
		baseCtx:  baseCtx,
		pending:  make(map[string]*pendingCommand),
	}
}

// BindLocal registers an in-process agent as privileged and returns
// its assigned agent id. manifest is the agent's registration payload.
func (r *Router) BindLocal(agent registry.Handler, manifest map[string]any) (string, error) {
	entry, err := r.registry.Register(registry.InProcess{Handler: agent}, manifest, true)
	if err != nil {
		return "", fmt.Errorf("bind local agent: %w", err)
	}
	return entry.AgentID, nil
}

// HandleEnvelope dispatches one envelope. Implements transport.Handler.
func (r *Router) HandleEnvelope(env *protocol.Envelope, conn transport.Conn) {
	switch env.Type {
	case protocol.TypeRegister:
		r.handleRegister(env, conn)
	case protocol.TypeDisconnect:
		r.handleDisconnect(conn)
	case protocol.TypeList:
		r.sendReply(conn, protocol.NewReply(env, protocol.TypeCatalog, protocol.SenderCore,
			map[string]any{"agents": r.registry.BuildCatalog()}))
	case protocol.TypeCommand:
		r.handleCommand(env, conn)
	case protocol.TypeResponse:
		r.handleResponse(env)
	case protocol.TypeResponseChunk, protocol.TypeResponseEnd:
		r.forwardStream(env)
	case protocol.TypeServiceRequest:
		r.services.Dispatch(r.baseCtx, env, conn, r.requesterID(env, conn))
	case protocol.TypeMessage:
		r.handleMessage(env, conn)
	case protocol.TypeBroadcast:
		r.handleBroadcast(env, conn)
	default:
		r.logger.Warn("unroutable envelope", "type", env.Type, "from", env.Sender)
		r.sendReply(conn, protocol.NewReply(env, protocol.TypeError, protocol.SenderCore,
			map[string]any{"error": "unknown message type: " + env.Type}))
	}
}

// HandleClosed reacts to a dropped connection: the agent registered on
// it (if any) is removed and its pending commands are purged.
// Implements transport.Handler.
func (r *Router) HandleClosed(conn transport.Conn) {
	if entry := r.registry.UnregisterByConn(conn); entry != nil {
		r.purge(entry.AgentID)
	}
	r.dropOrigin(conn)
}

func (r *Router) handleRegister(env *protocol.Envelope, conn transport.Conn) {
	entry, err := r.registry.Register(registry.Connected{Conn: conn}, env.Payload, false)
	if err != nil {
		r.sendReply(conn, protocol.NewReply(env, protocol.TypeError, protocol.SenderCore,
			map[string]any{"error": err.Error()}))
		return
	}
	r.sendReply(conn, protocol.NewReply(env, protocol.TypeReady, protocol.SenderCore,
		map[string]any{"agent_id": entry.AgentID}))
}

func (r *Router) handleDisconnect(conn transport.Conn) {
	if entry := r.registry.UnregisterByConn(conn); entry != nil {
		r.purge(entry.AgentID)
	}
}

// handleCommand resolves the target, records the pending entry, and
// delivers. An empty To falls back to the default (privileged) agent.
func (r *Router) handleCommand(env *protocol.Envelope, conn transport.Conn) {
	var target *registry.Entry
	if env.To == "" {
		target = r.registry.DefaultAgent()
	} else {
		target = r.registry.GetByID(env.To)
	}
	if target == nil {
		r.sendReply(conn, protocol.NewReply(env, protocol.TypeError, protocol.SenderCore,
			map[string]any{"error": "unknown agent: " + env.To}))
		return
	}

	cmd := env
	if cmd.To != target.AgentID {
		copied := *env
		copied.To = target.AgentID
		cmd = &copied
	}
	r.track(cmd.ID, &pendingCommand{origin: conn, originID: env.Sender, target: target.AgentID})
	r.deliver(cmd, conn, target)
}

// handleResponse closes out a pending command and forwards the reply
// to its origin. Responses that match nothing are logged and dropped.
func (r *Router) handleResponse(env *protocol.Envelope) {
	if env.ReplyTo == "" {
		r.logger.Debug("response without reply_to", "from", env.Sender, "id", env.ID)
		return
	}
	p := r.take(env.ReplyTo)
	if p == nil {
		r.logger.Debug("response for unknown command", "reply_to", env.ReplyTo, "from", env.Sender)
		return
	}
	if err := p.origin.Send(env); err != nil {
		r.logger.Warn("response forward failed",
			"origin", p.originID, "reply_to", env.ReplyTo, "error", err)
	}
}

// forwardStream relays response.chunk and response.end frames to the
// pending origin without resolving the pending entry; the final
// response still does that.
func (r *Router) forwardStream(env *protocol.Envelope) {
	p := r.lookup(env.ReplyTo)
	if p == nil {
		r.logger.Debug("stream frame for unknown command", "type", env.Type, "reply_to", env.ReplyTo)
		return
	}
	if err := p.origin.Send(env); err != nil {
		r.logger.Warn("stream forward failed",
			"origin", p.originID, "reply_to", env.ReplyTo, "error", err)
	}
}

func (r *Router) handleMessage(env *protocol.Envelope, conn transport.Conn) {
	target := r.registry.GetByID(env.To)
	if target == nil {
		r.sendReply(conn, protocol.NewReply(env, protocol.TypeError, protocol.SenderCore,
			map[string]any{"error": "unknown agent: " + env.To}))
		return
	}
	r.deliver(env, conn, target)
}

// handleBroadcast delivers env to every registered agent except the
// sender. AllAgents returns a snapshot, so delivery failures may
// unregister agents mid-loop without invalidating the iteration.
func (r *Router) handleBroadcast(env *protocol.Envelope, conn transport.Conn) {
	sender := r.registry.GetByConn(conn)
	for _, entry := range r.registry.AllAgents() {
		if sender != nil && entry.AgentID == sender.AgentID {
			continue
		}
		r.deliver(env, conn, entry)
	}
}

// Forward redirects a tracked command to another agent, preserving the
// envelope id so the origin's reply correlation survives. It returns
// an error when the target is unknown or the command is not tracked;
// a failed send is handled internally (the target is dropped and the
// origin receives the disconnect error directly).
func (r *Router) Forward(env *protocol.Envelope, targetID string) error {
	target := r.registry.GetByID(targetID)
	if target == nil {
		return fmt.Errorf("unknown agent: %s", targetID)
	}
	origin, ok := r.retarget(env.ID, targetID)
	if !ok {
		return fmt.Errorf("no pending command for envelope %s", env.ID)
	}
	forwarded := *env
	forwarded.To = targetID
	r.deliver(&forwarded, origin, target)
	return nil
}

// deliver routes env according to the target's attachment. A send
// failure drops the target: it is unregistered and its pending
// commands are answered with disconnect errors, including the one for
// env itself when tracked.
func (r *Router) deliver(env *protocol.Envelope, origin transport.Conn, target *registry.Entry) {
	switch tgt := target.Target.(type) {
	case registry.InProcess:
		r.invokeLocal(tgt.Handler, target.AgentID, env, origin)
	case registry.Connected:
		if err := tgt.Conn.Send(env); err != nil {
			r.logger.Warn("delivery failed",
				"target", target.AgentID, "type", env.Type, "error", err)
			r.dropAgent(target.AgentID)
		}
	default:
		r.logger.Error("entry has no delivery target", "agent", target.AgentID)
	}
}

// invokeLocal runs an in-process handler on the pool. The pending
// entry for env is cleared when the handler returns, unless the
// handler re-forwarded the command to another agent in the meantime.
func (r *Router) invokeLocal(agent registry.Handler, agentID string, env *protocol.Envelope, origin transport.Conn) {
	emit := func(reply *protocol.Envelope) error {
		if origin == nil {
			r.logger.Debug("local reply with no origin", "type", reply.Type, "agent", agentID)
			return nil
		}
		return origin.Send(reply)
	}
	ok := r.pool.Submit(func() {
		defer r.clearIfTarget(env.ID, agentID)
		agent.HandleEnvelope(r.baseCtx, env, emit)
	})
	if !ok {
		r.clearIfTarget(env.ID, agentID)
		r.logger.Warn("local dispatch after shutdown", "agent", agentID, "id", env.ID)
	}
}

// dropAgent removes a misbehaving agent and purges its pendings.
func (r *Router) dropAgent(agentID string) {
	r.registry.Unregister(agentID)
	r.purge(agentID)
}

// purge removes every pending command targeting agentID and answers
// each origin with an error reply correlated to the command envelope.
func (r *Router) purge(agentID string) {
	r.mu.Lock()
	var removed map[string]*pendingCommand
	for id, p := range r.pending {
		if p.target != agentID {
			continue
		}
		if removed == nil {
			removed = make(map[string]*pendingCommand)
		}
		removed[id] = p
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for id, p := range removed {
		if p.origin == nil {
			continue
		}
		errEnv := protocol.New(protocol.TypeError, protocol.SenderCore, p.originID,
			map[string]any{"error": "agent disconnected: " + agentID})
		errEnv.ReplyTo = id
		if err := p.origin.Send(errEnv); err != nil {
			r.logger.Debug("purge reply failed", "origin", p.originID, "error", err)
		}
	}
	if len(removed) > 0 {
		r.logger.Info("purged pending commands", "agent", agentID, "count", len(removed))
	}
}

// dropOrigin forgets pendings originated by a closed connection; their
// replies have nowhere to go.
func (r *Router) dropOrigin(conn transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.pending {
		if p.origin == conn {
			delete(r.pending, id)
		}
	}
}

// requesterID identifies the agent behind conn for service scoping.
// Connections without a registration fall back to the envelope sender.
func (r *Router) requesterID(env *protocol.Envelope, conn transport.Conn) string {
	if entry := r.registry.GetByConn(conn); entry != nil {
		return entry.AgentID
	}
	return env.Sender
}

func (r *Router) sendReply(conn transport.Conn, env *protocol.Envelope) {
	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		r.logger.Debug("reply send failed", "type", env.Type, "to", env.To, "error", err)
	}
}

func (r *Router) track(id string, p *pendingCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = p
}

// take removes and returns the pending entry for id, or nil.
func (r *Router) take(id string) *pendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[id]
	delete(r.pending, id)
	return p
}

// lookup returns the pending entry for id without removing it.
func (r *Router) lookup(id string) *pendingCommand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[id]
}

// clearIfTarget removes the pending entry for id only while it still
// points at target. A re-forwarded command keeps its entry alive until
// the downstream agent responds.
func (r *Router) clearIfTarget(id, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[id]; ok && p.target == target {
		delete(r.pending, id)
	}
}

// retarget points the pending entry for id at a new agent and returns
// the origin connection.
func (r *Router) retarget(id, targetID string) (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil, false
	}
	p.target = targetID
	return p.origin, true
}

// PendingCount reports the number of tracked commands.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
