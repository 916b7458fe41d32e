package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/boothspool/internal/core"
)

type HealthResponse struct {
	core.HealthSnapshot
	Monitoring bool `json:"monitoring"`
}

type HealthHandler struct {
	monitor *core.HealthMonitor
}

func NewHealthHandler(monitor *core.HealthMonitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

func (h *HealthHandler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		HealthSnapshot: h.monitor.Snapshot(),
		Monitoring:     h.monitor.Running(),
	})
}

// RunCheck probes every printer now instead of waiting for the next tick.
func (h *HealthHandler) RunCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		HealthSnapshot: h.monitor.Check(c.Request.Context()),
		Monitoring:     h.monitor.Running(),
	})
}

func (h *HealthHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.GetHealth)
	r.POST("/health/check", h.RunCheck)
}
