// Package transport accepts framed envelopes on a Unix-domain socket
// and a WebSocket listener and delivers each one, with its connection
// handle, to a single handler. Unix framing is one JSON object per
// newline-terminated line; WebSocket carries one envelope per message.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fenwick/atrium/internal/protocol"
)

// Transport kind names reported by Conn.Transport.
const (
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
)

// Conn is one client connection. Send may be called from any
// goroutine; writes are serialized internally. Recv must only be
// called by the connection's owning read loop.
type Conn interface {
	// Send encodes and writes one envelope.
	Send(env *protocol.Envelope) error
	// Recv reads the next envelope. A malformed frame returns
	// *protocol.Error and leaves the connection usable; any other
	// error is terminal.
	Recv() (*protocol.Envelope, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
	// Transport reports the transport kind for logs and status output.
	Transport() string
}

// lineConn frames envelopes as newline-terminated JSON lines over a
// stream connection.
type lineConn struct {
	nc      net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// newLineConn wraps a stream connection. The reader accepts lines up
// to protocol.MaxFrameSize.
func newLineConn(nc net.Conn) *lineConn {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize)
	return &lineConn{nc: nc, scanner: scanner}
}

// DialUnix connects to the core's Unix socket.
func DialUnix(socketPath string) (Conn, error) {
	nc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", socketPath, err)
	}
	return newLineConn(nc), nil
}

func (c *lineConn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *lineConn) Recv() (*protocol.Envelope, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, fmt.Errorf("frame exceeds %d bytes: %w", protocol.MaxFrameSize, err)
				}
				return nil, err
			}
			return nil, net.ErrClosed
		}
		line := c.scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue // blank line between frames
		}
		return protocol.Decode(trimSpace(line))
	}
}

func (c *lineConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *lineConn) Transport() string { return TransportUnix }

// trimSpace strips ASCII whitespace from both ends without allocating.
func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// wsConn frames envelopes as one JSON text message each.
type wsConn struct {
	ws *websocket.Conn

	// gorilla allows at most one concurrent writer; Send serializes.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(protocol.MaxFrameSize)
	return &wsConn{ws: ws}
}

// DialWS connects to the core's WebSocket listener. rawURL accepts
// ws:// and wss:// schemes.
func DialWS(rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	ws, _, err := dialer.Dial(rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", rawURL, err)
	}
	return newWSConn(ws), nil
}

func (c *wsConn) Send(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *wsConn) Recv() (*protocol.Envelope, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(trimSpace(data)) == 0 {
			continue
		}
		return protocol.Decode(trimSpace(data))
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) Transport() string { return TransportWebSocket }
