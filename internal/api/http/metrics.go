package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/GlassRelay/backend/internal/infrastructure/monitoring"
)

// MetricsSnapshot is the JSON view of the relay's metrics
type MetricsSnapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Summary   monitoring.Snapshot `json:"summary"`
	ErrorRate float64             `json:"errorRate"`
	Users     []string            `json:"users"`
	Breakers  map[string]string   `json:"breakers"`
	// OpenBreakers counts apps whose wake webhook is currently rejected
	OpenBreakers int `json:"openBreakers"`
}

// Metrics returns a JSON snapshot for dashboards. Prometheus scrapes /metrics.
func (h *Handlers) Metrics(c *gin.Context) {
	snapshot := MetricsSnapshot{
		Timestamp: time.Now(),
		Users:     h.registry.Users(),
		Breakers:  h.breakerStates(),
	}
	if h.metrics != nil {
		snapshot.Summary = h.metrics.Snapshot()
		if snapshot.Summary.TotalRequests > 0 {
			snapshot.ErrorRate = float64(snapshot.Summary.TotalErrors) / float64(snapshot.Summary.TotalRequests)
		}
	}
	for _, state := range snapshot.Breakers {
		if state == "open" {
			snapshot.OpenBreakers++
		}
	}
	c.JSON(http.StatusOK, snapshot)
}
