package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenwick/atrium/internal/protocol"
)

// Handler receives every decoded envelope along with its connection,
// and learns when a connection's read loop has ended.
type Handler interface {
	// HandleEnvelope processes one inbound envelope. Called from the
	// connection's read goroutine; implementations that block should
	// hand work off rather than stall the reader.
	HandleEnvelope(env *protocol.Envelope, conn Conn)

	// HandleClosed is called exactly once when conn's read loop exits,
	// whether by clean EOF, error, or server shutdown.
	HandleClosed(conn Conn)
}

// Config holds the listener endpoints.
type Config struct {
	// SocketPath is the Unix-domain socket location. Parent directories
	// are created; a stale socket file is removed on start and the file
	// is unlinked on stop.
	SocketPath string

	// WSHost and WSPort bind the WebSocket listener. WSPort 0 picks an
	// ephemeral port (useful in tests; see WSAddr).
	WSHost string
	WSPort int
}

// Server runs both listeners and pumps envelopes into the handler.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	unixLn   net.Listener
	httpSrv  *http.Server
	wsLn     net.Listener
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[Conn]struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewServer builds a server. Start must be called before clients can
// connect.
func NewServer(cfg Config, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// The core trusts its local clients; cross-origin checks
			// add nothing on a loopback listener.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[Conn]struct{}),
	}
}

// Start binds both listeners and begins accepting clients. A bind
// failure on either endpoint is returned and nothing is left running.
func (s *Server) Start() error {
	if err := s.startUnix(); err != nil {
		return err
	}
	if err := s.startWS(); err != nil {
		s.stopUnix()
		return err
	}
	return nil
}

func (s *Server) startUnix() error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create socket directory %s: %w", dir, err)
	}

	// A previous unclean shutdown leaves the socket file behind;
	// listening would fail with EADDRINUSE.
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.cfg.SocketPath, err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	s.unixLn = ln
	s.logger.Info("unix listener started", "path", s.cfg.SocketPath)

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) startWS() error {
	addr := net.JoinHostPort(s.cfg.WSHost, fmt.Sprintf("%d", s.cfg.WSPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen ws %s: %w", addr, err)
	}
	s.wsLn = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("websocket listener started", "addr", ln.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server failed", "error", err)
		}
	}()
	return nil
}

// WSAddr returns the bound WebSocket address (host:port). Valid after
// Start; empty before.
func (s *Server) WSAddr() string {
	if s.wsLn == nil {
		return ""
	}
	return s.wsLn.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("unix accept failed", "error", err)
			}
			return
		}
		conn := newLineConn(nc)
		s.track(conn)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(ws)
	s.track(conn)
	s.wg.Add(1)
	go s.serveConn(conn)
}

func (s *Server) track(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// serveConn reads frames until the connection dies. Malformed frames
// are answered with an error envelope addressed to "unknown" and
// reading continues; a bad line never drops the connection.
func (s *Server) serveConn(conn Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.untrack(conn)
		s.handler.HandleClosed(conn)
	}()

	for {
		env, err := conn.Recv()
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				s.logger.Debug("malformed frame", "transport", conn.Transport(), "reason", perr.Reason)
				reply := protocol.NewError(protocol.SenderCore, "unknown", perr.Reason)
				if serr := conn.Send(reply); serr != nil {
					s.logger.Warn("error reply send failed", "error", serr)
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) &&
				!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("connection read failed", "transport", conn.Transport(), "error", err)
			}
			return
		}

		s.dispatch(env, conn)
	}
}

// dispatch invokes the handler, containing any panic so one bad
// envelope cannot take the whole read loop down.
func (s *Server) dispatch(env *protocol.Envelope, conn Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "envelope", env.String(), "panic", r)
		}
	}()
	s.handler.HandleEnvelope(env, conn)
}

// Stop closes both listeners, drops every open connection, waits for
// the read loops to finish, and unlinks the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.stopUnix()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("websocket server shutdown", "error", err)
		}
	}

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("transport stopped")
	return nil
}

func (s *Server) stopUnix() {
	if s.unixLn != nil {
		s.unixLn.Close()
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("unlink socket", "path", s.cfg.SocketPath, "error", err)
	}
}
