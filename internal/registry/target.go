package registry

import (
	"context"

	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/transport"
)

// EmitFunc sends one reply envelope to the connection that delivered
// the envelope being handled.
type EmitFunc func(env *protocol.Envelope) error

// Handler is an in-process agent's envelope handler. The router
// invokes it on a worker goroutine, so implementations may block; emit
// may be called any number of times per invocation.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *protocol.Envelope, emit EmitFunc)
}

// Target describes where envelopes for an agent are delivered: over a
// connection, or straight to an in-process handler. Every entry holds
// exactly one of the two variants; there is no unattached state.
type Target interface {
	// State names the attachment for status output.
	State() string
}

// Connected is an agent reachable over a transport connection.
type Connected struct {
	Conn transport.Conn
}

// State reports the connection's transport kind.
func (t Connected) State() string { return t.Conn.Transport() }

// InProcess is an agent executed inside the core process.
type InProcess struct {
	Handler Handler
}

// State reports the fixed in-process attachment.
func (InProcess) State() string { return "in-process" }
