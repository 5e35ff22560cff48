// Package client connects agents and UIs to the core. A Client owns
// one connection: a read loop demultiplexes inbound envelopes into
// reply futures (matched by reply_to) and a message channel for
// everything else, so callers can issue correlated requests while
// consuming unsolicited traffic.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fenwick/atrium/internal/protocol"
	"github.com/fenwick/atrium/internal/transport"
)

// DefaultRequestTimeout bounds Request when the caller passes no
// timeout of its own.
const DefaultRequestTimeout = 30 * time.Second

// messageBuffer is the depth of the unsolicited-message channel. A
// full channel drops envelopes rather than stalling the read loop.
const messageBuffer = 100

// Client is a connected protocol endpoint.
type Client struct {
	conn   transport.Conn
	logger *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Envelope

	messages chan *protocol.Envelope

	// readErr is written once by the read loop before closed is
	// closed; readers observe it only after <-closed.
	readErr error
	closed  chan struct{}

	idMu    sync.Mutex
	agentID string
}

// Dial connects to the core's Unix socket.
func Dial(socketPath string, logger *slog.Logger) (*Client, error) {
	conn, err := transport.DialUnix(socketPath)
	if err != nil {
		return nil, err
	}
	return New(conn, logger), nil
}

// DialWS connects to the core's WebSocket listener. rawURL accepts
// ws:// and wss:// schemes.
func DialWS(rawURL string, logger *slog.Logger) (*Client, error) {
	conn, err := transport.DialWS(rawURL)
	if err != nil {
		return nil, err
	}
	return New(conn, logger), nil
}

// New wraps an established connection and starts its read loop.
func New(conn transport.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan *protocol.Envelope),
		messages: make(chan *protocol.Envelope, messageBuffer),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Send writes one envelope without waiting for anything back.
func (c *Client) Send(env *protocol.Envelope) error {
	return c.conn.Send(env)
}

// Request sends env and waits for the envelope whose reply_to matches
// env's id. Unrelated traffic keeps flowing to Messages in the
// meantime. A timeout <= 0 uses DefaultRequestTimeout. Closing the
// client fails the wait.
func (c *Client) Request(ctx context.Context, env *protocol.Envelope, timeout time.Duration) (*protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	respCh := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.ID] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.conn.Send(env); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case reply := <-respCh:
		return reply, nil
	case <-c.closed:
		return nil, fmt.Errorf("connection closed: %w", c.readErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for reply to %s", env.ID)
	}
}

// Messages returns the channel of unsolicited envelopes: commands,
// broadcasts, peer messages, streaming frames, and replies nobody was
// waiting for. The channel closes when the connection dies.
func (c *Client) Messages() <-chan *protocol.Envelope {
	return c.messages
}

// Recv returns the next unsolicited envelope, blocking until one
// arrives, ctx is done, or the connection closes.
func (c *Client) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env, ok := <-c.messages:
		if !ok {
			return nil, fmt.Errorf("connection closed: %w", c.readErr)
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Register performs the registration handshake. manifest must carry at
// least a name; on success the assigned agent id is returned and
// remembered (see AgentID).
func (c *Client) Register(ctx context.Context, manifest map[string]any) (string, error) {
	name, _ := manifest["name"].(string)
	if name == "" {
		name = "unregistered"
	}
	env := protocol.New(protocol.TypeRegister, name, protocol.SenderCore, manifest)

	reply, err := c.Request(ctx, env, 0)
	if err != nil {
		return "", fmt.Errorf("register: %w", err)
	}
	if reply.Type == protocol.TypeError {
		reason, _ := reply.Payload["error"].(string)
		return "", fmt.Errorf("register: %s", reason)
	}
	if reply.Type != protocol.TypeReady {
		return "", fmt.Errorf("register: unexpected reply type %q", reply.Type)
	}
	id, _ := reply.Payload["agent_id"].(string)
	if id == "" {
		return "", errors.New("register: reply missing agent_id")
	}

	c.idMu.Lock()
	c.agentID = id
	c.idMu.Unlock()
	return id, nil
}

// AgentID returns the id assigned by the last successful Register, or
// an empty string.
func (c *Client) AgentID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.agentID
}

// Disconnect announces a clean departure and closes the connection.
func (c *Client) Disconnect() error {
	env := protocol.New(protocol.TypeDisconnect, c.AgentID(), protocol.SenderCore, nil)
	if err := c.conn.Send(env); err != nil {
		c.logger.Debug("disconnect announcement failed", "error", err)
	}
	return c.Close()
}

// Close tears the connection down. The read loop observes the closed
// connection, fails outstanding requests, and closes Messages.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		env, err := c.conn.Recv()
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				c.logger.Warn("dropping malformed frame", "reason", perr.Reason)
				continue
			}
			c.readErr = err
			close(c.closed)
			close(c.messages)
			c.conn.Close()
			return
		}
		c.dispatch(env)
	}
}

// dispatch resolves a waiting request or hands the envelope to the
// message channel. Streaming frames never resolve a request; the
// waiter wants the final response, so chunks flow to Messages.
func (c *Client) dispatch(env *protocol.Envelope) {
	if env.ReplyTo != "" && env.Type != protocol.TypeResponseChunk && env.Type != protocol.TypeResponseEnd {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
			return
		}
	}

	select {
	case c.messages <- env:
	default:
		c.logger.Warn("message channel full, dropping envelope", "type", env.Type, "from", env.Sender)
	}
}
