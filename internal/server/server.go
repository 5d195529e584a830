// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/exitwatch/internal/circuitbreaker"
	"github.com/mbd888/exitwatch/internal/collector"
	"github.com/mbd888/exitwatch/internal/config"
	"github.com/mbd888/exitwatch/internal/events"
	"github.com/mbd888/exitwatch/internal/health"
	"github.com/mbd888/exitwatch/internal/logging"
	"github.com/mbd888/exitwatch/internal/metrics"
	"github.com/mbd888/exitwatch/internal/prediction"
	"github.com/mbd888/exitwatch/internal/profile"
	"github.com/mbd888/exitwatch/internal/ratelimit"
	"github.com/mbd888/exitwatch/internal/realtime"
	"github.com/mbd888/exitwatch/internal/relay"
	"github.com/mbd888/exitwatch/internal/risk"
	"github.com/mbd888/exitwatch/internal/security"
	"github.com/mbd888/exitwatch/internal/struggle"
	"github.com/mbd888/exitwatch/internal/traces"
	"github.com/mbd888/exitwatch/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	eventStore   events.Store
	profileStore profile.Store
	accumulator  *struggle.Accumulator
	predictor    *prediction.Client
	classifier   *risk.Classifier
	collector    *collector.Service
	relay        *relay.Relay
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownTr   func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPredictor sets a custom prediction client (for testing)
func WithPredictor(p *prediction.Client) Option {
	return func(s *Server) {
		s.predictor = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set predictor/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.eventStore = events.NewPostgresStore(db)
		s.profileStore = profile.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.eventStore = events.NewMemoryStore()
		s.profileStore = profile.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Risk classifier with configured thresholds
	classifier, err := risk.NewClassifier(risk.Thresholds{
		LowMax:  cfg.RiskLowMax,
		HighMin: cfg.RiskHighMin,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid risk thresholds: %w", err)
	}
	s.classifier = classifier

	// Prediction stack: cache over circuit breaker over the inference
	// endpoint, unless a test injected its own client
	if s.predictor == nil {
		breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker transition",
				"key", key, "from", from.String(), "to", to.String())
		})
		s.predictor = prediction.NewClient(
			cfg.PredictEndpoint,
			cfg.PredictTimeout,
			cfg.PredictCacheTTL,
			breaker,
			classifier,
		)
		if cfg.PredictEndpoint == "" {
			s.logger.Warn("no prediction endpoint configured, serving rule-based fallback only")
		} else {
			s.logger.Info("prediction endpoint configured", "endpoint", cfg.PredictEndpoint)
		}
	}

	// Struggle accumulator
	s.accumulator = struggle.New(cfg.StruggleWindow)

	// Downstream event relay
	s.relay = relay.New(cfg.RelayURL, cfg.RelaySecret, s.logger)
	if s.relay.Enabled() {
		s.logger.Info("event relay enabled", "url", cfg.RelayURL)
	}

	// Realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Collector ties the pipeline together
	s.collector = collector.NewService(
		s.eventStore,
		s.profileStore,
		s.accumulator,
		s.predictor,
		s.classifier,
		s.relay,
		s.realtimeHub,
		cfg.StruggleWindow,
		s.logger,
	)

	s.setupHealthChecks()

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := s.db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	s.healthReg.Register("prediction", func(ctx context.Context) health.Status {
		state := s.predictor.Breaker.State()
		if state == circuitbreaker.StateOpen {
			return health.Status{Name: "prediction", Healthy: false, Detail: "circuit open"}
		}
		return health.Status{Name: "prediction", Healthy: true, Detail: state.String()}
	})

	s.healthReg.Register("realtime", func(ctx context.Context) health.Status {
		// The hub is unhealthy only if it was never started; report stats as detail
		return health.Status{Name: "realtime", Healthy: true}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	rlCfg.BurstSize = s.cfg.RateLimitRPM / 10
	if rlCfg.BurstSize < 10 {
		rlCfg.BurstSize = 10
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Same live stream under the versioned prefix
	v1.GET("/live", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Event ingestion and per-user insights
	collectorHandler := collector.NewHandler(s.collector)
	collectorHandler.RegisterRoutes(v1)

	// User profiles (enrichment source for segmentation)
	profiles := v1.Group("/users/:id", validation.UserParamMiddleware())
	profiles.GET("/profile", s.getProfileHandler)
	profiles.PUT("/profile", s.putProfileHandler)

	// Operational stats for dashboards
	v1.GET("/stats", s.statsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Exitwatch",
		"description": "Behavioral event collection and exit-risk prediction",
		"version":     "0.1.0",
	})
}

// getProfileHandler handles GET /v1/users/:id/profile
func (s *Server) getProfileHandler(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	prof, err := s.profileStore.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No profile exists for this user",
			})
			return
		}
		logging.L(ctx).Error("profile lookup failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load profile",
		})
		return
	}

	c.JSON(http.StatusOK, prof)
}

// putProfileHandler handles PUT /v1/users/:id/profile
func (s *Server) putProfileHandler(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	var req struct {
		UserSegment string                  `json:"userSegment"`
		Metrics     profile.BehaviorMetrics `json:"behaviorMetrics"`
		RiskFactors []string                `json:"riskFactors"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a valid profile object",
		})
		return
	}

	prof := &profile.UserProfile{
		UserID:      userID,
		UserSegment: req.UserSegment,
		Metrics:     req.Metrics,
		RiskFactors: req.RiskFactors,
		UpdatedAt:   time.Now(),
	}
	if prof.UserSegment == "" {
		prof.UserSegment = profile.DeriveSegment(req.Metrics.TotalSessions)
	} else if verr := validation.Validate(
		validation.OneOf("userSegment", prof.UserSegment, events.UserSegments...),
	); len(verr) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": "Profile failed validation",
			"details": verr,
		})
		return
	}

	if err := s.profileStore.Put(ctx, prof); err != nil {
		logging.L(ctx).Error("profile save failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save profile",
		})
		return
	}

	c.JSON(http.StatusOK, prof)
}

// statsHandler returns operational counters for dashboards
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"struggleWindowsTracked": s.accumulator.Tracked(),
		"predictionCacheSize":    s.predictor.Len(),
		"predictionBreaker":      s.predictor.Breaker.State().String(),
		"relayEnabled":           s.relay.Enabled(),
		"realtime":               s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Distributed tracing (no-op when no OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTr = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start downstream relay worker
	go s.relay.Run(runCtx)

	// Start prediction cache janitor
	go s.predictor.StartJanitor(runCtx, time.Minute)

	// Periodic sweep of abandoned struggle windows
	go s.sweepLoop(runCtx)

	// Export connection pool stats when backed by Postgres
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// sweepLoop drops struggle windows with no recent activity
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StruggleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.accumulator.Sweep(); n > 0 {
				s.logger.Debug("swept stale struggle windows", "evicted", n)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, relay, sweepers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTr != nil {
		if err := s.shutdownTr(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
