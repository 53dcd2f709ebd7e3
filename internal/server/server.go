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
	"github.com/shopspring/decimal"

	"drillcore/internal/audit"
	"drillcore/internal/auth"
	"drillcore/internal/cashout"
	"drillcore/internal/config"
	"drillcore/internal/exchange"
	"drillcore/internal/gamecfg"
	"drillcore/internal/health"
	"drillcore/internal/logging"
	"drillcore/internal/metrics"
	"drillcore/internal/mining"
	"drillcore/internal/payments"
	"drillcore/internal/ratelimit"
	"drillcore/internal/security"
	"drillcore/internal/traces"
	"drillcore/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	provider     *gamecfg.Provider
	authMgr      *auth.Manager
	humanStore   auth.HumanStore
	miningSvc    *mining.Service
	cashoutSvc   *cashout.Service
	exchangeSvc  *exchange.Service
	executor     *exchange.Executor
	swapProvider exchange.SwapProvider
	auditLog     *audit.Log
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithSwapProvider sets a custom swap provider (for testing)
func WithSwapProvider(p exchange.SwapProvider) Option {
	return func(s *Server) {
		s.swapProvider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set logger/provider)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Tracing (no-op unless an OTLP endpoint is configured)
	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	// Economy configuration: compiled-in defaults, optionally layered with
	// a JSON document from disk. Replaceable at runtime via the admin API.
	snap := gamecfg.Default()
	if cfg.GameConfigPath != "" {
		snap, err = gamecfg.FromFile(cfg.GameConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load game config: %w", err)
		}
		s.logger.Info("game config loaded from file", "path", cfg.GameConfigPath)
	}
	s.provider, err = gamecfg.NewProvider(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to create config provider: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore   mining.LedgerStore
		machineStore  mining.MachineStore
		cashoutStore  cashout.Store
		exchangeStore exchange.Store
		auditStore    audit.Store
	)
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		pgLedgers := mining.NewPostgresLedgerStore(db)
		if err := pgLedgers.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		pgMachines := mining.NewPostgresMachineStore(db)
		if err := pgMachines.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate machine store", "error", err)
		}
		ledgerStore, machineStore = pgLedgers, pgMachines

		pgCashout := cashout.NewPostgresStore(db)
		if err := pgCashout.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate cashout store", "error", err)
		}
		cashoutStore = pgCashout

		pgExchange := exchange.NewPostgresStore(db)
		if err := pgExchange.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate exchange store", "error", err)
		}
		exchangeStore = pgExchange

		pgAudit := audit.NewPostgresStore(db)
		if err := pgAudit.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate audit store", "error", err)
		}
		auditStore = pgAudit

		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		humanStore := auth.NewPostgresHumanStore(db)
		if err := humanStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate verification store", "error", err)
		}
		s.humanStore = humanStore

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		ledgerStore = mining.NewMemoryLedgerStore()
		machineStore = mining.NewMemoryMachineStore()
		cashoutStore = cashout.NewMemoryStore()
		exchangeStore = exchange.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.humanStore = auth.NewMemoryHumanStore()
	}

	// Audit log (best effort, shared by cashout and exchange)
	s.auditLog = audit.NewLog(auditStore, nil)

	// Mining accrual engine
	s.miningSvc = mining.NewService(ledgerStore, machineStore, s.provider, nil, nil)
	s.logger.Info("mining engine enabled")

	// Payment verification: Stripe when a key is configured, otherwise a
	// static verifier that confirms the demo price
	var verifier cashout.PaymentVerifier
	if cfg.StripeAPIKey != "" {
		verifier = payments.NewStripeVerifier(cfg.StripeAPIKey)
		s.logger.Info("stripe payment verification enabled")
	} else {
		amount, err := decimal.NewFromString(cfg.DemoPurchasePrice)
		if err != nil {
			return nil, fmt.Errorf("invalid DEMO_PURCHASE_PRICE: %w", err)
		}
		verifier = payments.NewStaticVerifier(amount)
		s.logger.Info("static payment verification enabled (demo mode)", "amount", amount)
	}

	// Cashout settlement
	s.cashoutSvc = cashout.NewService(
		cashoutStore,
		&cashoutLedgerAdapter{s.miningSvc},
		s.provider,
		verifier,
		s.auditLog,
		nil,
	)
	s.logger.Info("cashout settlement enabled")

	// Auto-exchange with the simulated swap provider unless one was injected
	if s.swapProvider == nil {
		s.swapProvider = exchange.NewSimulatedProvider(decimal.RequireFromString("0.5"), nil)
	}
	s.exchangeSvc = exchange.NewService(
		exchangeStore,
		&exchangeLedgerAdapter{s.miningSvc},
		s.provider,
		s.swapProvider,
		s.auditLog,
		nil,
	)
	s.executor = exchange.NewExecutor(s.exchangeSvc, cfg.ExchangeInterval, s.logger)
	s.logger.Info("auto-exchange enabled", "interval", cfg.ExchangeInterval)

	s.logger.Info("API authentication enabled")

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
	limCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		limCfg.BurstSize = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(limCfg)
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
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

	// API info
	s.router.GET("/api", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	miningHandler := mining.NewHandler(s.miningSvc)
	cashoutHandler := cashout.NewHandler(s.cashoutSvc)
	exchangeHandler := exchange.NewHandler(s.exchangeSvc)
	auditHandler := audit.NewHandler(s.auditLog)
	configHandler := gamecfg.NewHandler(s.provider, s.auditLog, s.cfg.GameConfigPath)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.PlayerParamMiddleware())

	// ECONOMY SNAPSHOT (public, read-only)
	v1.GET("/economy", s.economyHandler)

	// REGISTRATION (public but returns API key)
	v1.POST("/players", authHandler.Register)

	// AUTH INFO (public)
	v1.GET("/auth/info", authHandler.Info)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.GET("/auth/me", authHandler.GetCurrentPlayer)
	}

	// PLAYER ROUTES (require API key AND ownership of :id)
	requireHuman := auth.RequireHuman(s.humanStore, "id")
	owned := v1.Group("")
	owned.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr), auth.RequireOwnership(s.authMgr, "id"))
	{
		miningHandler.RegisterProtectedRoutes(owned)
		cashoutHandler.RegisterProtectedRoutes(owned, requireHuman)
		exchangeHandler.RegisterProtectedRoutes(owned, requireHuman)
	}

	// ADMIN ROUTES (require the shared admin secret)
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	{
		cashoutHandler.RegisterAdminRoutes(admin)
		exchangeHandler.RegisterAdminRoutes(admin)
		auditHandler.RegisterAdminRoutes(admin)
		configHandler.RegisterAdminRoutes(admin)
		auth.NewHumanHandler(s.humanStore).RegisterAdminRoutes(admin)
	}
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

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// economyHandler exposes the live economy numbers so clients can price
// purchases and upgrades without a round trip per machine.
func (s *Server) economyHandler(c *gin.Context) {
	snap := s.provider.Current()
	c.JSON(http.StatusOK, gin.H{
		"version":     snap.Version,
		"machines":    snap.Machines,
		"minerals":    snap.Minerals,
		"progression": snap.Progression,
		"diamond":     snap.Diamond,
		"exchange":    snap.Exchange,
	})
}

func (s *Server) infoHandler(c *gin.Context) {
	snap := s.provider.Current()
	c.JSON(http.StatusOK, gin.H{
		"name":          "Drillcore",
		"description":   "Settlement engine for the idle mining economy",
		"version":       "0.1.0",
		"configVersion": snap.Version,
		"exchange":      snap.Exchange.Enabled,
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

	// Start the exchange executor
	go s.executor.Start(runCtx)

	// DB stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop the exchange executor
	if s.executor != nil {
		s.executor.Stop()
		s.logger.Info("exchange executor stopped")
	}

	// Stop the rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Warn("trace shutdown error", "error", err)
		}
	}

	// Close database
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
