// Package server owns accepted sockets: the per-connection read loop, the
// registry of live connections, and the accept loop that feeds them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opencog/cogserver-net/internal/config"
	"github.com/opencog/cogserver-net/internal/logger"
	"github.com/opencog/cogserver-net/internal/metrics"
)

const acceptRetryDelay = 50 * time.Millisecond

const (
	tooManyLine = "Too many connections. Please try again later.\r\n"
	tooManyHTTP = "HTTP/1.1 503 Service Unavailable\r\n" +
		"Server: CogServer\r\n" +
		"Content-Type: text/plain\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"Too many connections. Please try again later.\r\n"
)

// Server accepts connections on any number of listeners and runs each one
// with a Handler built by its factory.
type Server struct {
	factory         HandlerFactory
	registry        *Registry
	limiter         *ConnLimiter
	metrics         *metrics.Metrics
	maxPayload      uint64
	shutdownTimeout time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records connection metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry shares a registry between servers, so one stats report
// covers both the telnet and the WebSocket listener.
func WithRegistry(r *Registry) Option {
	return func(s *Server) { s.registry = r }
}

func New(cfg *config.ServerConfig, factory HandlerFactory, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Server{
		factory:         factory,
		limiter:         NewConnLimiter(cfg.Connections),
		maxPayload:      cfg.WebSocket.MaxMessageSize,
		shutdownTimeout: cfg.Connections.ShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Limiter() *ConnLimiter { return s.limiter }

// Stats renders the live connection table.
func (s *Server) Stats() string { return s.registry.DisplayStats() }

// CloseAll shuts down every live connection. Their goroutines notice on
// the next read and tear themselves down.
func (s *Server) CloseAll() {
	for _, c := range s.registry.Conns() {
		c.Shutdown()
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, mode Mode) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, mode)
}

// Serve accepts connections from ln until ctx is cancelled, starting each
// in mode ModeLine or ModeHandshake. On the way out it closes ln, shuts
// down the connections it started and waits up to the shutdown timeout for
// them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, mode Mode) error {
	if mode == ModeFrame {
		ln.Close()
		return fmt.Errorf("cannot serve in %s mode", mode)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	logger.Info("Server listening", "address", ln.Addr().String(), "protocol", mode.protocol())

	var wg sync.WaitGroup
	var serveErr error
	for {
		sock, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = err
				break
			}
			logger.Error("Error accepting connection", "error", err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, sock, mode)
		}()
	}

	// Cancelling shuts down every connection started above.
	cancel()
	if err := s.wait(&wg); err != nil {
		return err
	}
	logger.Info("Server stopped", "address", ln.Addr().String(), "protocol", mode.protocol())
	return serveErr
}

func (s *Server) wait(wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.shutdownTimeout):
		logger.Warning("Shutdown timeout exceeded, connections still running",
			"remaining", s.registry.Len())
		return ErrShutdownTimeout
	}
}

func (s *Server) handle(ctx context.Context, sock net.Conn, mode Mode) {
	ip := hostOf(sock.RemoteAddr())

	if !s.limiter.TryAcquire(ip) {
		logger.Warning("Connection rejected - limit exceeded",
			"remote_addr", sock.RemoteAddr().String(),
			"ip", ip)
		s.metrics.ConnectionRejected(mode.protocol())
		msg := tooManyLine
		if mode == ModeHandshake {
			msg = tooManyHTTP
		}
		sock.Write([]byte(msg))
		sock.Close()
		return
	}
	defer s.limiter.Release(ip)

	c := newConn(sock, mode, s.factory, connOptions{
		registry:   s.registry,
		metrics:    s.metrics,
		maxPayload: s.maxPayload,
	})
	c.log.Debug("Client connected")
	c.Run(ctx)
	c.log.Debug("Client disconnected")
}
