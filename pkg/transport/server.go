package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Server wraps an http.Server around the API handler and manages the
// full lifecycle including startup and graceful shutdown.
type Server struct {
	httpServer  *http.Server
	handler     *Handler
	config      ServerConfig
	logger      *slog.Logger
	extraMW     []Middleware
	extraRoutes []route
}

// ServerConfig holds configuration for the transport server.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.config.Addr = addr }
}

// WithShutdownTimeout sets the graceful shutdown deadline.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.config.ShutdownTimeout = d }
}

// WithTimeouts sets the HTTP read and write timeouts. The write timeout
// bounds streamed runs, so it should comfortably exceed the longest
// expected execution.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) {
		s.config.ReadTimeout = read
		s.config.WriteTimeout = write
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.config.Logger = l; s.logger = l }
}

// WithMiddleware appends middleware applied outside the default chain
// of recovery, request ID, and logging. Extra routes mounted with
// WithRoute are wrapped as well.
func WithMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) { s.extraMW = append(s.extraMW, mw...) }
}

// WithRoute mounts an additional handler on the server mux, such as a
// metrics or MCP endpoint.
func WithRoute(pattern string, h http.Handler) ServerOption {
	return func(s *Server) { s.extraRoutes = append(s.extraRoutes, route{pattern, h}) }
}

type route struct {
	pattern string
	handler http.Handler
}

// NewServer creates a transport server around the handler. Default
// middleware (recovery, request ID, logging) is applied automatically.
func NewServer(handler *Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: handler,
		config:  DefaultServerConfig(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	for _, rt := range s.extraRoutes {
		mux.Handle(rt.pattern, rt.handler)
	}

	mw := []Middleware{
		Recovery(),
		RequestID(),
		Logging(s.logger),
	}
	mw = append(mw, s.extraMW...)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      Chain(mw...)(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s
}

// ListenAndServe starts the server and blocks until a shutdown signal
// (SIGINT or SIGTERM) is received, then shuts down gracefully within
// the configured timeout.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", s.config.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	return s.shutdown()
}

// ServeOn starts the server on the given listener and blocks until the
// server stops, either via Shutdown or a shutdown signal. Used for
// testing.
func (s *Server) ServeOn(ln net.Listener) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	return s.shutdown()
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down gracefully", slog.Duration("timeout", s.config.ShutdownTimeout))
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Shutdown gracefully shuts down the server with the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
