// Package api exposes TriagePipe over HTTP: client management, synchronous triage, insights,
// risk assessments and check-ins, plus the inbound SMS webhook and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/flow"
	"github.com/BTreeMap/TriagePipe/internal/insight"
	"github.com/BTreeMap/TriagePipe/internal/messaging"
	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default listen address of the API server.
	DefaultAddr = ":8080"

	shutdownTimeout = 10 * time.Second
	requestTimeout  = 2 * time.Minute
)

// Opts holds optional configuration for the API server.
type Opts struct {
	JWTSecret      string
	Webhook        http.HandlerFunc
	MetricsHandler http.Handler
	Metrics        *metrics.TriageMetrics
	Clock          func() time.Time
}

// Option configures the API server.
type Option func(*Opts)

// WithJWTSecret protects /v1 routes with HMAC bearer tokens.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithTwilioWebhook mounts the inbound SMS webhook at /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.MetricsHandler = h }
}

// WithMetrics records insight generation.
func WithMetrics(m *metrics.TriageMetrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Server holds the collaborators behind the HTTP routes.
type Server struct {
	store    store.Store
	pipeline *flow.Pipeline
	handler  *messaging.TriageHandler
	insights *insight.Generator
	checkins *flow.CheckInWriter
	metrics  *metrics.TriageMetrics
	now      func() time.Time
	router   chi.Router
}

// NewServer wires the routes.
func NewServer(st store.Store, pipeline *flow.Pipeline, handler *messaging.TriageHandler, insights *insight.Generator, checkins *flow.CheckInWriter, opts ...Option) *Server {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		store:    st,
		pipeline: pipeline,
		handler:  handler,
		insights: insights,
		checkins: checkins,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}
	s.router = s.routes(cfg)
	return s
}

func (s *Server) routes(cfg Opts) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Webhook != nil {
		r.Post("/webhooks/twilio", cfg.Webhook)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(AdminJWT(cfg.JWTSecret))
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/messages/process", s.processHandler)
		r.Route("/clients", func(r chi.Router) {
			r.Post("/", s.createClientHandler)
			r.Get("/", s.listClientsHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getClientHandler)
				r.Get("/history", s.historyHandler)
				r.Post("/messages", s.inboundMessageHandler)
				r.Get("/decisions", s.decisionsHandler)
				r.Post("/insights", s.generateInsightsHandler)
				r.Get("/insights", s.listInsightsHandler)
				r.Post("/risk", s.riskHandler)
				r.Post("/checkin", s.checkInHandler)
			})
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
