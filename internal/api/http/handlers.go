package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/session"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
)

const (
	serviceName = "Glass Relay"
	version     = "0.3.0"
)

// BreakerReporter reports the wake circuit breaker of every app
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	registry *session.Registry
	breakers BreakerReporter
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewHandlers creates a new handler set. breakers and metrics may be nil.
func NewHandlers(registry *session.Registry, breakers BreakerReporter, metrics *monitoring.Metrics, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		registry: registry,
		breakers: breakers,
		metrics:  metrics,
		log:      log.Named("http"),
	}
}

// Register mounts every REST route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/metrics/json", h.Metrics)

	users := r.Group("/users")
	users.GET("", h.ListUsers)
	users.DELETE("/:userId", h.RemoveUser)
	users.GET("/:userId/apps", h.ListApps)
	users.POST("/:userId/apps/:package/start", h.StartApp)
	users.POST("/:userId/apps/:package/stop", h.StopApp)
}

// Root handles the banner request
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": serviceName,
		"version": version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	body := gin.H{
		"status":   "healthy",
		"users":    h.registry.Len(),
		"breakers": h.breakerStates(),
	}
	if h.metrics != nil {
		body["metrics"] = h.metrics.Snapshot()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) breakerStates() map[string]string {
	if h.breakers == nil {
		return map[string]string{}
	}
	return h.breakers.BreakerStates()
}
