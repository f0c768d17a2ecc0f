package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/crudkit/crudkit/logging"
)

// ShutdownHook runs during graceful shutdown, before the HTTP server
// drains. Hooks close caches, databases and other owned resources.
type ShutdownHook func(ctx context.Context) error

// Server wraps http.Server with the hardened timeouts from Config and
// signal-driven graceful shutdown.
type Server struct {
	httpServer *http.Server
	config     Config
	logger     *zap.Logger
	listener   net.Listener

	mu           sync.Mutex
	hooks        []ShutdownHook
	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// New builds a server around handler.
func New(cfg Config, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler cannot be nil")
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		config:       cfg,
		logger:       logging.L(),
		shutdownDone: make(chan struct{}),
	}, nil
}

// OnShutdown registers a cleanup hook.
func (s *Server) OnShutdown(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Addr returns the bound address once listening, the configured address
// before that.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Listen binds the listener without serving yet, so callers can learn the
// effective port when the configured one is ":0".
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	return nil
}

// Serve blocks until the listener closes. http.ErrServerClosed is the
// normal end of a graceful shutdown and is not an error.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("server listening", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Run serves until SIGINT or SIGTERM arrives, then shuts down gracefully.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown runs the registered hooks and drains in-flight requests within
// the configured timeout. Safe to call more than once; later calls wait
// for the first to finish.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.mu.Lock()
		hooks := make([]ShutdownHook, len(s.hooks))
		copy(hooks, s.hooks)
		s.mu.Unlock()

		for _, hook := range hooks {
			if err := hook(ctx); err != nil {
				// A failing hook must not block the drain of in-flight
				// requests.
				s.logger.Warn("shutdown hook failed", zap.Error(err))
			}
		}

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("server: shutdown: %w", err)
		} else {
			s.logger.Info("server shut down cleanly")
		}
		close(s.shutdownDone)
	})

	<-s.shutdownDone
	return s.shutdownErr
}
