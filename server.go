package lspbridge

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Handler serves one accepted host connection. Handle should return when
// ctx is canceled.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server accepts host connections on a listener and hands each one to a
// Handler in its own goroutine.
type Server struct {
	listener        net.Listener
	logger          Logger
	shutdownTimeout time.Duration

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	handlers    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the serve context is canceled, the listener stays open for up to
// this duration before it is closed. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// New creates a server listening on network ("tcp", "unix", ...) and address.
func New(network, address string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s %s", network, address)
	}
	return NewWithListener(listener, opts...), nil
}

// NewWithListener creates a server on an existing listener.
func NewWithListener(listener net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Serve accepts connections until ctx is canceled or accepting fails, then
// waits for the running handlers to return. Handlers receive a context that
// is canceled when Serve begins shutting down.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("accepting hosts", "network", s.listener.Addr().Network(), "addr", s.listener.Addr())

	handlerCtx, cancelHandlers := context.WithCancel(ctx)
	defer func() {
		cancelHandlers()
		s.handlers.Wait()
	}()

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
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("stopped accepting hosts", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", errAttr(err))
			return err
		}

		s.logger.Debug("host connected", "remote_addr", conn.RemoteAddr())
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			handler.Handle(handlerCtx, conn)
		}()
	}
}

// Close stops the server by closing the listener, bypassing any remaining
// shutdown timeout. Blocked Accept calls return with an error.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

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

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}
