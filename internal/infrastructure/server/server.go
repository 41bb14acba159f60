package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/GriffinCanCode/GlassRelay/backend/internal/api/http"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/api/middleware"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/api/ws"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/app"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/session"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/logging"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/catalog"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/permissions"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/store"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/transcription"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/providers/webhook"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router      *gin.Engine
	http        *http.Server
	registry    *session.Registry
	store       store.Store
	logger      *logging.Logger
	config      *config.Config
	metrics     *monitoring.Metrics
	stopMetrics chan struct{}
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	// Initialize logger
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing Glass Relay",
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.String("catalog", cfg.Catalog.Path),
	)

	// Initialize metrics first (needed by other components)
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(promRegistry)
	logger.Info("Performance monitoring initialized")

	appCfg, err := session.AppConfig(cfg)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		App:            appCfg,
		RestoreTimeout: cfg.Session.ConnectTimeout * 2,
		Metrics:        metrics,
		Logger:         logger.Named("session"),
	}

	// App catalog (optional)
	var apps *catalog.Catalog
	if cfg.Catalog.Path != "" {
		apps, err = catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		opts.Catalog = apps
		logger.Info("App catalog loaded", zap.Int("apps", apps.Len()))
	}

	// Stream permissions
	switch {
	case cfg.Permissions.PolicyPath != "":
		checker, err := permissions.FromFile(cfg.Permissions.PolicyPath, logger.Logger)
		if err != nil {
			return nil, err
		}
		opts.Permissions = checker
		logger.Info("Stream permissions loaded", zap.String("policy", cfg.Permissions.PolicyPath))
	case apps != nil:
		checker, err := permissions.FromCatalog(apps, logger.Logger)
		if err != nil {
			return nil, err
		}
		opts.Permissions = checker
		logger.Info("Stream permissions derived from catalog")
	default:
		opts.Permissions = permissions.AllowAll{}
	}

	// Running apps store
	running, err := store.New(cfg.Store, logger.Logger)
	if err != nil {
		return nil, err
	}
	opts.Store = running

	// Wake webhook needs the catalog to find each app's backend
	var breakers api.BreakerReporter
	if apps != nil {
		client := webhook.New(webhook.Config{
			Timeout:           cfg.Webhook.Timeout,
			Retries:           cfg.Webhook.Retries,
			RetryWait:         cfg.Webhook.RetryWait,
			MaxRetryWait:      cfg.Webhook.MaxRetryWait,
			RequestsPerSecond: cfg.Webhook.RequestsPerSecond,
			Secret:            cfg.Webhook.Secret,
			PublicURL:         cfg.Webhook.PublicURL,
			BreakerThreshold:  cfg.Webhook.BreakerThreshold,
			BreakerCooldown:   cfg.Webhook.BreakerCooldown,
		}, apps, metrics, logger.Logger)
		opts.Wakers = func(userID string) app.Waker { return client.ForUser(userID) }
		breakers = client
		logger.Info("Wake webhook enabled", zap.String("relay_url", cfg.Webhook.PublicURL))
	} else {
		logger.Warn("No app catalog configured, apps must dial in on their own")
	}

	if cfg.Transcribe.Enabled {
		opts.Provider = transcription.LogProvider{Log: logger.Named("transcription")}
		opts.ProviderTimeout = cfg.Transcribe.CallTimeout
	}

	registry := session.NewRegistry(opts)

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(logger.Logger))
	router.Use(monitoring.Middleware(metrics))
	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.Origins = cfg.Server.CORSOrigins
	router.Use(middleware.CORS(corsCfg))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	// Register routes
	api.NewHandlers(registry, breakers, metrics, logger.Logger).Register(router)

	wsCfg := ws.DefaultConfig()
	wsCfg.DeviceQueueSize = cfg.Session.SendQueueSize
	wsHandler := ws.NewHandler(registry, wsCfg, metrics, logger.Logger)
	router.GET("/app-ws", wsHandler.HandleApp)
	router.GET("/glasses-ws", wsHandler.HandleDevice)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))

	s := &Server{
		router:      router,
		registry:    registry,
		store:       running,
		logger:      logger,
		config:      cfg,
		metrics:     metrics,
		stopMetrics: make(chan struct{}),
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go metrics.Run(s.stopMetrics)

	logger.Info("Server initialized successfully")
	return s, nil
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the live user sessions
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, ends every user session and closes
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Hijacked WebSockets are not tracked by http.Server
	s.registry.Close()
	s.logger.Info("Closed user sessions")

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close store", zap.Error(err))
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	close(s.stopMetrics)

	// Sync logger before exit
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
