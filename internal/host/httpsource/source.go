// Package httpsource receives thread-start notifications over HTTP and serves
// the agent's health, status and metrics endpoints next to them.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yairfalse/threadprio/internal/host"
	"go.uber.org/zap"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 1 << 20
)

// Config configures the HTTP source
type Config struct {
	Addr         string
	Timeout      time.Duration
	MaxBodyBytes int64

	// Metrics is mounted at /metrics when set
	Metrics http.Handler
	// Status renders /v1/status when set
	Status func() interface{}
	// Health decides /healthz; nil error means healthy
	Health func() error

	Logger *zap.Logger
}

// Source is a host.Source backed by an HTTP server
type Source struct {
	config Config
	logger *zap.Logger

	mu        sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an HTTP source. Nothing listens until Run.
func New(config Config) *Source {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Source{
		config: config,
		logger: config.Logger.Named("http"),
		ready:  make(chan struct{}),
	}
}

// Name implements host.Source
func (s *Source) Name() string {
	return "http"
}

// Ready is closed once the first Run has bound its listener or failed to.
// Addr is nil after a failed bind.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address, nil before Run listens
func (s *Source) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is done, then shuts the server down gracefully
func (s *Source) Run(ctx context.Context, h host.Handler) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.markReady()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.markReady()

	server := &http.Server{
		Handler:      s.Router(h),
		ReadTimeout:  s.config.Timeout,
		WriteTimeout: s.config.Timeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP source listening", zap.String("addr", ln.Addr().String()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Source) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Router builds the route table delivering notifications to h
func (s *Source) Router(h host.Handler) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(s.config.Timeout))

	router.Get("/healthz", s.handleHealth)
	if s.config.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.config.Metrics)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(s.apiMiddleware)
		r.Get("/status", s.handleStatus)
		r.Post("/threads", func(w http.ResponseWriter, req *http.Request) {
			s.handleThread(w, req, h)
		})
		r.Post("/threads/batch", func(w http.ResponseWriter, req *http.Request) {
			s.handleBatch(w, req, h)
		})
	})
	return router
}

func (s *Source) apiMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Source) handleThread(w http.ResponseWriter, r *http.Request, h host.Handler) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	n, err := host.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h.ThreadStart(host.NotificationEnv, n.Thread())
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

func (s *Source) handleBatch(w http.ResponseWriter, r *http.Request, h host.Handler) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	batch, err := host.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for _, n := range batch {
		h.ThreadStart(host.NotificationEnv, n.Thread())
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(batch)})
}

func (s *Source) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return body, true
}

func (s *Source) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.config.Health != nil {
		if err := s.config.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Source) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.config.Status == nil {
		writeError(w, http.StatusNotFound, errors.New("status not available"))
		return
	}
	writeJSON(w, http.StatusOK, s.config.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
