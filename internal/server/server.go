// Package server exposes the hub over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/streamhub/internal/backend"
	"github.com/adred-codev/streamhub/internal/config"
	"github.com/adred-codev/streamhub/internal/hub"
	"github.com/adred-codev/streamhub/internal/limits"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 5 * time.Second
)

// Server wires the hub, the subscriber engine, and the backend behind the
// HTTP surface.
type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	backend backend.Backend
	logger  zerolog.Logger
	host    string

	listener net.Listener
	httpSrv  *http.Server
	limiter  *limits.ConnectionRateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	wg           sync.WaitGroup // server goroutines
	connWg       sync.WaitGroup // live streaming connections
	activeConns  int64
	shuttingDown atomic.Bool
}

func New(cfg *config.Config, b backend.Backend, h *hub.Hub, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	host, _ := os.Hostname()
	return &Server{
		cfg:     cfg,
		hub:     h,
		backend: b,
		logger:  logger.With().Str("component", "server").Logger(),
		host:    host,
		ctx:     ctx,
		cancel:  cancel,
		limiter: limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPBurst:     cfg.ConnIPBurst,
			IPRate:      cfg.ConnIPRate,
			GlobalBurst: cfg.ConnGlobalBurst,
			GlobalRate:  cfg.ConnGlobalRate,
			Logger:      logger,
		}),
	}
}

// Handler builds the route table. Exposed separately so tests can mount it
// on an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleCreate)
	mux.HandleFunc("DELETE /upload/{id}", s.handleDelete)
	mux.HandleFunc("POST /upload/{id}", s.handleAppend)
	mux.HandleFunc("POST /close/{id}", s.handleClose)
	mux.HandleFunc("GET /stream/live", s.handleListLive)
	mux.HandleFunc("GET /stream/single/{id}", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.withServerHost(mux)
}

// withServerHost stamps every HTTP response with the serving hostname so
// clients behind a load balancer can tell instances apart.
func (s *Server) withServerHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Server-Host", s.host)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    0, // streaming uploads and long-lived sockets
		WriteTimeout:   0,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Str("backend", s.cfg.Backend).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting work, drains live streaming connections for the
// configured grace period, then cancels whatever remains.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	remaining := atomic.LoadInt64(&s.activeConns)
	s.logger.Info().
		Int64("active_connections", remaining).
		Dur("grace", s.cfg.ShutdownGrace).
		Msg("Draining streaming connections")

	drained := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info().Msg("All connections drained gracefully")
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn().
			Int64("remaining_connections", atomic.LoadInt64(&s.activeConns)).
			Msg("Grace period expired, cancelling remaining connections")
	}

	s.cancel()
	s.limiter.Stop()
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
