package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codegate/internal/config"
	"codegate/internal/monitor"
	"codegate/internal/ratelimit"
	"codegate/internal/storage"
	"codegate/internal/token"
)

// Server wraps the HTTP server with its full middleware chain.
type Server struct {
	cfg      *config.Config
	httpSrv  *http.Server
	handlers *Handlers
	db       *storage.DB
	engineUp func() bool
	started  time.Time
}

// NewServer assembles the routing table and middleware chain. Security
// headers are applied ahead of everything else so every response, including
// rejections from the throttle and auth layers, carries them.
func NewServer(
	cfg *config.Config,
	handlers *Handlers,
	tokens *token.Service,
	limiter *ratelimit.Limiter,
	metrics *monitor.Metrics,
	db *storage.DB,
) *Server {
	s := &Server{
		cfg:      cfg,
		handlers: handlers,
		db:       db,
		started:  time.Now(),
	}
	s.engineUp = func() bool {
		ok, _, _ := handlers.engine.Healthy()
		return ok
	}

	auth := AuthMiddleware(tokens, metrics)
	authLimit := ClassLimitMiddleware(limiter, ratelimit.ClassAuth, metrics)
	execLimit := ClassLimitMiddleware(limiter, ratelimit.ClassExecute, metrics)
	generalLimit := ClassLimitMiddleware(limiter, ratelimit.ClassGeneral, metrics)

	mux := http.NewServeMux()

	// Login is rate limited by client IP since no principal exists yet.
	mux.Handle("POST /auth/login", authLimit(http.HandlerFunc(handlers.HandleLogin)))

	// Protected routes: auth first so the class limiter keys on the principal.
	mux.Handle("POST /auth/logout", auth(generalLimit(http.HandlerFunc(handlers.HandleLogout))))
	mux.Handle("POST /execute", auth(execLimit(http.HandlerFunc(handlers.HandleExecute))))
	mux.Handle("POST /execute/stream", auth(execLimit(http.HandlerFunc(handlers.HandleExecuteStream))))
	mux.Handle("GET /executions/{id}", auth(generalLimit(http.HandlerFunc(handlers.HandleGetExecution))))
	mux.Handle("GET /audit/events", auth(generalLimit(http.HandlerFunc(handlers.HandleAuditEvents))))

	// Operational endpoints stay reachable without a token.
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = GlobalThrottleMiddleware(cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = ContentTypeMiddleware(handler)
	handler = MetricsMiddleware(metrics)(handler)
	handler = AuditObserverMiddleware(handlers.auditor)(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = SecurityHeadersMiddleware(cfg.TLS.Enabled)(handler)
	handler = RecoveryMiddleware(handler)

	s.httpSrv = &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.TLS.Enabled {
		s.httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return s
}

// Start runs the server until it is shut down or fails.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpSrv.Addr).
		Bool("tls", s.cfg.TLS.Enabled).
		Msg("server listening")

	var err error
	if s.cfg.TLS.Enabled {
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		err = s.httpSrv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the assembled middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// handleHealth reports overall service health. A dead execution backend
// degrades the service to 503; a missing database does not, because the
// service runs in degraded mode without one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engineOK := s.engineUp()
	dbOK := s.db != nil && s.db.Healthy(r.Context())

	status := "ok"
	code := http.StatusOK
	if !engineOK {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	} else if s.db != nil && !dbOK {
		status = "degraded"
	}

	writeJSON(w, code, HealthResponse{
		Status:   status,
		Database: dbOK,
		Engine:   engineOK,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}
