// Package server exposes tenant actors over HTTP.
//
// GET /sync upgrades to a websocket carrying wire frames for one device of
// one vault. The /v1/vaults routes manage vault lifecycle and report stats
// as JSON. Every error a client sees is a wire.ErrorEnvelope, in an Error
// frame, a close reason, or an HTTP body.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/eventvault/internal/admission"
	"github.com/roach88/eventvault/internal/tenant"
)

// DefaultPullLimit caps one catch-up page.
const DefaultPullLimit = 500

// Config holds the server's access settings.
type Config struct {
	// Tokens maps bearer tokens to user ids.
	Tokens map[string]string

	// Tiers maps user ids to admission tiers. Users not listed use
	// admission.DefaultTier.
	Tiers map[string]string

	// PullLimit caps the entries returned for one Pull. Default DefaultPullLimit.
	PullLimit int

	// SweepInterval is how often idle tenant actors are stopped. Default 1m.
	SweepInterval time.Duration
}

// Server routes requests to tenant actors.
type Server struct {
	host   *tenant.Host
	gate   *admission.Gate
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	upgrader websocket.Upgrader
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracerProvider sets where connection spans go.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp.Tracer("github.com/roach88/eventvault/internal/server") }
}

// New builds a server over host. A nil gate admits everything.
func New(host *tenant.Host, gate *admission.Gate, cfg Config, opts ...Option) *Server {
	if gate == nil {
		gate = admission.NewGate(admission.NewMemory(nil),
			admission.WithConnectRule(admission.Rule{}),
			admission.WithTier(admission.DefaultTier, admission.Rule{}))
	}
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = DefaultPullLimit
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	s := &Server{
		host:   host,
		gate:   gate,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/roach88/eventvault/internal/server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/sync", s.handleSync)

	r.Route("/v1/vaults/{publicKey}", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.handleInfo)
		r.Post("/", s.handleCreate)
		r.Patch("/", s.handleUpdate)
		r.Delete("/", s.handleDestroy)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully and stops every tenant actor.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.host.Run(sweepCtx, s.cfg.SweepInterval)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("sync server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.host.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.host.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		s.logger.Info("sync server stopped")
		return nil
	}
	return err
}

// user resolves a bearer token.
func (s *Server) user(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	u, ok := s.cfg.Tokens[token]
	return u, ok
}

func (s *Server) tier(userID string) string {
	if t, ok := s.cfg.Tiers[userID]; ok {
		return t
	}
	return admission.DefaultTier
}
