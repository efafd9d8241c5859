package stream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler processes messages reassembled on a server connection.
// Returning an error closes that connection.
type Handler interface {
	HandleMessage(conn *Conn, message Message) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(conn *Conn, message Message) error

// HandleMessage calls f(conn, message).
func (f HandlerFunc) HandleMessage(conn *Conn, message Message) error {
	return f(conn, message)
}

// Server accepts TCP connections and runs each one as a framed Conn.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	conns       map[string]*Conn
	wg          sync.WaitGroup
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless overridden
// through ServerConnOptions, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server keeps accepting for up to this
// duration before closing the listener and its connections.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
// OnMessageOption is ignored here; messages go to the Handler passed to Serve.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "stream: listen on %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		conns:       make(map[string]*Conn),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and delivers their messages to handler.
// It blocks until the context is canceled, Close is called or accepting fails.
// On shutdown every live connection is closed and Serve waits for their
// read/write loops to finish before returning.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		tcpConn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.closeConns()
				s.wg.Wait()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			s.mu.Lock()
			s.shutdown = true
			s.mu.Unlock()
			s.closeConns()
			s.wg.Wait()
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", tcpConn.RemoteAddr())
		_ = tcpConn.SetNoDelay(true)

		s.wg.Add(1)
		go s.serveConn(ctx, tcpConn, handler)
	}
}

// serveConn runs one accepted connection until it ends.
func (s *Server) serveConn(ctx context.Context, tcpConn *net.TCPConn, handler Handler) {
	defer s.wg.Done()

	var conn *Conn
	opts := make([]Option, 0, len(s.connOpts)+2)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	opts = append(opts, OnMessageOption(func(message Message) error {
		return handler.HandleMessage(conn, message)
	}))

	conn, err := NewConn(tcpConn, opts...)
	if err != nil {
		s.logger.Error("connection setup failed", "remote_addr", tcpConn.RemoteAddr(), "error", err)
		_ = tcpConn.Close()
		return
	}

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	// Connections outlive ctx until shutdown closes them.
	_ = conn.Run(context.WithoutCancel(ctx))
}

func (s *Server) track(conn *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[conn.ID()] = conn
	return true
}

func (s *Server) untrack(conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID())
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// ConnCount returns the number of connections currently being served.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
// A running Serve closes the live connections and returns.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
