package http

import (
	"net/http"
	"time"

	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// RelayHandler serves the read-only REST surface next to the WebSocket
// endpoint: the live roster, relay stats and the health probe.
type RelayHandler struct {
	registry ports.Registry
	calls    ports.CallCoordinator
	health   *monitoring.HealthChecker

	connectionCount func() int
	startedAt       time.Time
}

func NewRelayHandler(registry ports.Registry, calls ports.CallCoordinator, health *monitoring.HealthChecker, connectionCount func() int) *RelayHandler {
	return &RelayHandler{
		registry:        registry,
		calls:           calls,
		health:          health,
		connectionCount: connectionCount,
		startedAt:       time.Now(),
	}
}

func (h *RelayHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/roster", h.GetRoster)
		api.GET("/stats", h.GetStats)
	}
}

func (h *RelayHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// GetRoster returns the identities currently online, in join order.
func (h *RelayHandler) GetRoster(c *gin.Context) {
	roster := h.registry.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"roster": roster,
		"count":  len(roster),
	})
}

func (h *RelayHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections":    h.connectionCount(),
		"identities":     len(h.registry.Snapshot()),
		"active_calls":   h.calls.ActiveCount(),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
