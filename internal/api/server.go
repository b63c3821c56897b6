package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/geofailover/internal/failover"
	"github.com/FairForge/geofailover/internal/metrics"
	"github.com/FairForge/geofailover/internal/topology"
)

// Controller is the operator surface the server exposes
type Controller interface {
	GetStatus() metrics.Snapshot
	TriggerFailover(ctx context.Context, groupID, reason string) (failover.Attempt, error)
	Attempts(ctx context.Context, limit int) ([]failover.Attempt, error)
	ActivateSite(ctx context.Context, id string) (topology.Site, error)
	MetricsHandler() http.Handler
}

type Config struct {
	Listen string
	// JWTSecret enables bearer token checks on mutating routes
	JWTSecret string
	// TriggerRate and TriggerBurst bound manual failover requests per caller
	TriggerRate  float64
	TriggerBurst int
}

func DefaultConfig() Config {
	return Config{
		Listen:       ":8080",
		TriggerRate:  0.2,
		TriggerBurst: 2,
	}
}

type Server struct {
	config     Config
	controller Controller
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	limiter    *RateLimiter

	requestCount int64
	startTime    time.Time
}

func NewServer(config Config, controller Controller, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if config.Listen == "" {
		config.Listen = def.Listen
	}
	if config.TriggerRate <= 0 {
		config.TriggerRate = def.TriggerRate
	}
	if config.TriggerBurst <= 0 {
		config.TriggerBurst = def.TriggerBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:     config,
		controller: controller,
		logger:     logger.Named("api"),
		router:     chi.NewRouter(),
		limiter:    NewRateLimiter(config.TriggerRate, config.TriggerBurst),
		startTime:  time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// manual failovers are answered when the attempt finishes
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.controller.MetricsHandler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/failover/attempts", s.handleAttempts)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.With(RateLimitMiddleware(s.limiter)).Post("/failover/{groupID}", s.handleTriggerFailover)
			r.Post("/sites/{siteID}/activate", s.handleActivateSite)
		})
	})
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&s.requestCount, 1)
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("latency", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).Seconds(),
		"requests": atomic.LoadInt64(&s.requestCount),
	})
}

func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("listen", s.config.Listen))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
