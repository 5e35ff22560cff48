package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/registry"
	"github.com/fenwick/atrium/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn records sent envelopes on a buffered channel. Set failSend
// before use to simulate a dead connection.
type fakeConn struct {
	sent     chan *protocol.Envelope
	failSend bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan *protocol.Envelope, 16)}
}

func (c *fakeConn) Send(env *protocol.Envelope) error {
	if c.failSend {
		return errors.New("connection reset")
	}
	c.sent <- env
	return nil
}

func (c *fakeConn) Recv() (*protocol.Envelope, error) { return nil, io.EOF }
func (c *fakeConn) Close() error                      { return nil }
func (c *fakeConn) Transport() string                 { return "test" }

func (c *fakeConn) await(t *testing.T) *protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

// quiet asserts nothing arrives on the connection for a short window.
func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case env := <-c.sent:
		t.Fatalf("unexpected envelope: %s", env)
	case <-time.After(50 * time.Millisecond):
	}
}

// scriptedAgent adapts a closure to the registry.Handler interface.
type scriptedAgent struct {
	handle func(ctx context.Context, env *protocol.Envelope, emit registry.EmitFunc)
}

func (a *scriptedAgent) HandleEnvelope(ctx context.Context, env *protocol.Envelope, emit registry.EmitFunc) {
	a.handle(ctx, env, emit)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	logger := discardLogger()
	pool := service.NewPool(2, logger)
	t.Cleanup(pool.Stop)
	svc := service.New(service.Config{Logger: logger, Pool: pool})
	return New(Config{
		Registry: registry.New(nil, logger),
		Services: svc,
		Pool:     pool,
		Logger:   logger,
	})
}

func registrationPayload(name string, commands ...string) map[string]any {
	cmds := make([]any, 0, len(commands))
	for _, c := range commands {
		cmds = append(cmds, map[string]any{"name": c})
	}
	return map[string]any{"name": name, "commands": cmds}
}

// registerAgent runs the registration handshake over a fake connection
// and returns the connection and assigned id.
func registerAgent(t *testing.T, r *Router, name string) (*fakeConn, string) {
	t.Helper()
	conn := newFakeConn()
	env := protocol.New(protocol.TypeRegister, name, protocol.SenderCore, registrationPayload(name, "ping"))
	r.HandleEnvelope(env, conn)

	ready := conn.await(t)
	if ready.Type != protocol.TypeReady {
		t.Fatalf("registration reply type = %q, want %q", ready.Type, protocol.TypeReady)
	}
	if ready.ReplyTo != env.ID {
		t.Fatalf("ready reply_to = %q, want %q", ready.ReplyTo, env.ID)
	}
	id, _ := ready.Payload["agent_id"].(string)
	if id == "" {
		t.Fatal("ready payload missing agent_id")
	}
	return conn, id
}

// waitPending polls until the pending map reaches want entries.
func waitPending(t *testing.T, r *Router, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.PendingCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pending count = %d, want %d", r.PendingCount(), want)
}

func errText(t *testing.T, env *protocol.Envelope) string {
	t.Helper()
	s, _ := env.Payload["error"].(string)
	return s
}

func TestRegisterAssignsSequentialIDs(t *testing.T) {
	r := newTestRouter(t)

	_, first := registerAgent(t, r, "mist")
	_, second := registerAgent(t, r, "mist")

	if first != "mist-0" {
		t.Errorf("first id = %q, want %q", first, "mist-0")
	}
	if second != "mist-1" {
		t.Errorf("second id = %q, want %q", second, "mist-1")
	}
}

func TestRegisterRejectsMissingName(t *testing.T) {
	r := newTestRouter(t)
	conn := newFakeConn()

	env := protocol.New(protocol.TypeRegister, "mist", protocol.SenderCore, map[string]any{})
	r.HandleEnvelope(env, conn)

	reply := conn.await(t)
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeError)
	}
	if got := errText(t, reply); got != "manifest missing required field: name" {
		t.Errorf("error = %q, want %q", got, "manifest missing required field: name")
	}
}

func TestListReturnsCatalog(t *testing.T) {
	r := newTestRouter(t)
	registerAgent(t, r, "mist")

	ui := newFakeConn()
	env := protocol.New(protocol.TypeList, "ui", protocol.SenderCore, nil)
	r.HandleEnvelope(env, ui)

	reply := ui.await(t)
	if reply.Type != protocol.TypeCatalog {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeCatalog)
	}
	agents, ok := reply.Payload["agents"].([]map[string]any)
	if !ok {
		t.Fatalf("catalog payload agents has type %T", reply.Payload["agents"])
	}
	if len(agents) != 1 {
		t.Fatalf("catalog lists %d agents, want 1", len(agents))
	}
	if agents[0]["agent_id"] != "mist-0" {
		t.Errorf("catalog agent_id = %v, want %q", agents[0]["agent_id"], "mist-0")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)

	forwarded := remote.await(t)
	if forwarded.ID != cmd.ID {
		t.Errorf("forwarded id = %q, want %q", forwarded.ID, cmd.ID)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", r.PendingCount())
	}

	resp := protocol.NewReply(forwarded, protocol.TypeResponse, remoteID, map[string]any{"text": "pong"})
	r.HandleEnvelope(resp, remote)

	got := origin.await(t)
	if got.ReplyTo != cmd.ID {
		t.Errorf("response reply_to = %q, want %q", got.ReplyTo, cmd.ID)
	}
	if got.Payload["text"] != "pong" {
		t.Errorf("response text = %v, want %q", got.Payload["text"], "pong")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending count after response = %d, want 0", r.PendingCount())
	}
}

func TestCommandUnknownAgent(t *testing.T) {
	r := newTestRouter(t)
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", "ghost-9", map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)

	reply := origin.await(t)
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeError)
	}
	if got := errText(t, reply); got != "unknown agent: ghost-9" {
		t.Errorf("error = %q, want %q", got, "unknown agent: ghost-9")
	}
	if reply.ReplyTo != cmd.ID {
		t.Errorf("error reply_to = %q, want %q", reply.ReplyTo, cmd.ID)
	}
}

func TestCommandEmptyToReachesDefaultAgent(t *testing.T) {
	r := newTestRouter(t)
	agent := &scriptedAgent{handle: func(_ context.Context, env *protocol.Envelope, emit registry.EmitFunc) {
		emit(protocol.NewReply(env, protocol.TypeResponse, env.To, map[string]any{"text": "handled"}))
	}}
	if _, err := r.BindLocal(agent, registrationPayload("admin", "help")); err != nil {
		t.Fatalf("BindLocal: %v", err)
	}

	origin := newFakeConn()
	cmd := protocol.New(protocol.TypeCommand, "ui", "", map[string]any{"text": "help"})
	r.HandleEnvelope(cmd, origin)

	reply := origin.await(t)
	if reply.ReplyTo != cmd.ID {
		t.Errorf("reply_to = %q, want %q", reply.ReplyTo, cmd.ID)
	}
	if reply.Payload["text"] != "handled" {
		t.Errorf("text = %v, want %q", reply.Payload["text"], "handled")
	}
	waitPending(t, r, 0)
}

func TestLocalAgentEmitsMultipleReplies(t *testing.T) {
	r := newTestRouter(t)
	agent := &scriptedAgent{handle: func(_ context.Context, env *protocol.Envelope, emit registry.EmitFunc) {
		emit(protocol.NewReply(env, protocol.TypeResponse, env.To, map[string]any{"text": "first"}))
		emit(protocol.NewReply(env, protocol.TypeResponse, env.To, map[string]any{"text": "second"}))
	}}
	adminID, err := r.BindLocal(agent, registrationPayload("admin", "help"))
	if err != nil {
		t.Fatalf("BindLocal: %v", err)
	}

	origin := newFakeConn()
	cmd := protocol.New(protocol.TypeCommand, "ui", adminID, map[string]any{"text": "plan my week"})
	r.HandleEnvelope(cmd, origin)

	first := origin.await(t)
	second := origin.await(t)
	if first.Payload["text"] != "first" || second.Payload["text"] != "second" {
		t.Errorf("replies = %v, %v; want first, second", first.Payload["text"], second.Payload["text"])
	}
	waitPending(t, r, 0)
}

func TestResponseWithoutPendingIsDropped(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")

	resp := protocol.New(protocol.TypeResponse, remoteID, "ui", map[string]any{"text": "stale"})
	resp.ReplyTo = "no-such-command"
	r.HandleEnvelope(resp, remote)

	remote.quiet(t)
	if r.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", r.PendingCount())
	}
}

func TestStreamFramesForwardWithoutClearing(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)
	remote.await(t)

	chunk := protocol.New(protocol.TypeResponseChunk, remoteID, "ui", map[string]any{"delta": "po"})
	chunk.ReplyTo = cmd.ID
	r.HandleEnvelope(chunk, remote)

	if got := origin.await(t); got.Type != protocol.TypeResponseChunk {
		t.Errorf("forwarded type = %q, want %q", got.Type, protocol.TypeResponseChunk)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending count after chunk = %d, want 1", r.PendingCount())
	}

	final := protocol.New(protocol.TypeResponse, remoteID, "ui", map[string]any{"text": "pong"})
	final.ReplyTo = cmd.ID
	r.HandleEnvelope(final, remote)
	origin.await(t)
	if r.PendingCount() != 0 {
		t.Errorf("pending count after response = %d, want 0", r.PendingCount())
	}
}

func TestSendFailureDropsAgentAndAnswersOrigin(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	remote.failSend = true
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)

	reply := origin.await(t)
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeError)
	}
	if got, want := errText(t, reply), "agent disconnected: "+remoteID; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if reply.ReplyTo != cmd.ID {
		t.Errorf("error reply_to = %q, want %q", reply.ReplyTo, cmd.ID)
	}
	if r.registry.GetByID(remoteID) != nil {
		t.Error("agent still registered after send failure")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", r.PendingCount())
	}
}

func TestDisconnectPurgesPendingCommands(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)
	remote.await(t)

	bye := protocol.New(protocol.TypeDisconnect, remoteID, protocol.SenderCore, nil)
	r.HandleEnvelope(bye, remote)

	reply := origin.await(t)
	if got, want := errText(t, reply), "agent disconnected: "+remoteID; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if reply.ReplyTo != cmd.ID {
		t.Errorf("error reply_to = %q, want %q", reply.ReplyTo, cmd.ID)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", r.PendingCount())
	}
}

func TestHandleClosedPurgesPendingCommands(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)
	remote.await(t)

	r.HandleClosed(remote)

	reply := origin.await(t)
	if got, want := errText(t, reply), "agent disconnected: "+remoteID; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
	if r.registry.GetByID(remoteID) != nil {
		t.Error("agent still registered after close")
	}
}

func TestHandleClosedDropsPendingsFromThatOrigin(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")
	origin := newFakeConn()

	cmd := protocol.New(protocol.TypeCommand, "ui", remoteID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)
	remote.await(t)

	r.HandleClosed(origin)
	if r.PendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", r.PendingCount())
	}
}

func TestForwardRetargetsPending(t *testing.T) {
	r := newTestRouter(t)
	remote, remoteID := registerAgent(t, r, "mist")

	agent := &scriptedAgent{handle: func(_ context.Context, env *protocol.Envelope, _ registry.EmitFunc) {
		if err := r.Forward(env, remoteID); err != nil {
			t.Errorf("Forward: %v", err)
		}
	}}
	adminID, err := r.BindLocal(agent, registrationPayload("admin", "help"))
	if err != nil {
		t.Fatalf("BindLocal: %v", err)
	}

	origin := newFakeConn()
	cmd := protocol.New(protocol.TypeCommand, "ui", adminID, map[string]any{"command": "ping"})
	r.HandleEnvelope(cmd, origin)

	forwarded := remote.await(t)
	if forwarded.ID != cmd.ID {
		t.Errorf("forwarded id = %q, want %q", forwarded.ID, cmd.ID)
	}
	if forwarded.To != remoteID {
		t.Errorf("forwarded to = %q, want %q", forwarded.To, remoteID)
	}
	// The entry survives the local handler's return because it now
	// points at the downstream agent.
	if r.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", r.PendingCount())
	}

	resp := protocol.NewReply(forwarded, protocol.TypeResponse, remoteID, map[string]any{"text": "pong"})
	r.HandleEnvelope(resp, remote)

	got := origin.await(t)
	if got.ReplyTo != cmd.ID {
		t.Errorf("response reply_to = %q, want %q", got.ReplyTo, cmd.ID)
	}
	waitPending(t, r, 0)
}

func TestForwardUnknownTarget(t *testing.T) {
	r := newTestRouter(t)
	env := protocol.New(protocol.TypeCommand, "ui", "admin-0", map[string]any{"command": "@nobody"})
	if err := r.Forward(env, "nobody-0"); err == nil {
		t.Fatal("Forward to unknown agent succeeded")
	} else if got, want := err.Error(), "unknown agent: nobody-0"; got != want {
		t.Errorf("error = %q, want %q", got, want)
	}
}

func TestMessageForwardsPeerToPeer(t *testing.T) {
	r := newTestRouter(t)
	_, senderID := registerAgent(t, r, "mist")
	peer, peerID := registerAgent(t, r, "scout")

	msg := protocol.New(protocol.TypeMessage, senderID, peerID, map[string]any{"note": "hello"})
	r.HandleEnvelope(msg, newFakeConn())

	got := peer.await(t)
	if got.Payload["note"] != "hello" {
		t.Errorf("note = %v, want %q", got.Payload["note"], "hello")
	}
}

func TestMessageUnknownAgent(t *testing.T) {
	r := newTestRouter(t)
	conn := newFakeConn()

	msg := protocol.New(protocol.TypeMessage, "mist-0", "ghost-1", map[string]any{"note": "hi"})
	r.HandleEnvelope(msg, conn)

	reply := conn.await(t)
	if got := errText(t, reply); got != "unknown agent: ghost-1" {
		t.Errorf("error = %q, want %q", got, "unknown agent: ghost-1")
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	r := newTestRouter(t)
	sender, senderID := registerAgent(t, r, "mist")
	peer, _ := registerAgent(t, r, "scout")

	seen := make(chan *protocol.Envelope, 1)
	agent := &scriptedAgent{handle: func(_ context.Context, env *protocol.Envelope, _ registry.EmitFunc) {
		seen <- env
	}}
	if _, err := r.BindLocal(agent, registrationPayload("admin", "help")); err != nil {
		t.Fatalf("BindLocal: %v", err)
	}

	bc := protocol.New(protocol.TypeBroadcast, senderID, "", map[string]any{"note": "ahoy"})
	r.HandleEnvelope(bc, sender)

	if got := peer.await(t); got.Payload["note"] != "ahoy" {
		t.Errorf("peer note = %v, want %q", got.Payload["note"], "ahoy")
	}
	select {
	case env := <-seen:
		if env.Payload["note"] != "ahoy" {
			t.Errorf("local note = %v, want %q", env.Payload["note"], "ahoy")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local agent never saw the broadcast")
	}
	sender.quiet(t)
}

func TestServiceRequestRoutedToDispatcher(t *testing.T) {
	r := newTestRouter(t)
	conn, agentID := registerAgent(t, r, "mist")

	req := protocol.New(protocol.TypeServiceRequest, agentID, protocol.SenderCore,
		map[string]any{"service": "solitaire", "action": "deal"})
	r.HandleEnvelope(req, conn)

	reply := conn.await(t)
	if reply.Type != protocol.TypeServiceError {
		t.Fatalf("reply type = %q, want %q", reply.Type, protocol.TypeServiceError)
	}
	if got := errText(t, reply); got != "unknown service: solitaire" {
		t.Errorf("error = %q, want %q", got, "unknown service: solitaire")
	}
}

func TestUnknownTypeAnswersError(t *testing.T) {
	r := newTestRouter(t)
	conn := newFakeConn()

	env := protocol.New("carrier.pigeon", "ui", protocol.SenderCore, nil)
	r.HandleEnvelope(env, conn)

	reply := conn.await(t)
	if got := errText(t, reply); got != "unknown message type: carrier.pigeon" {
		t.Errorf("error = %q, want %q", got, "unknown message type: carrier.pigeon")
	}
}
