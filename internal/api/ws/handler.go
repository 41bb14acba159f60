package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/domain/session"
	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
)

// Handler serves the app and device WebSocket endpoints
type Handler struct {
	registry *session.Registry
	metrics  *monitoring.Metrics
	log      *zap.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket handler
func NewHandler(registry *session.Registry, cfg Config, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		metrics:  metrics,
		log:      log.Named("ws"),
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Apps and glasses are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) opened(kind string) {
	if h.metrics != nil {
		h.metrics.IncWSConnections(kind)
	}
}

func (h *Handler) closed(kind string) {
	if h.metrics != nil {
		h.metrics.DecWSConnections(kind)
	}
}

func (h *Handler) recordIn(msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage("in", msgType)
	}
}
