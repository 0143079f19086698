package handlers

import (
	"context"
	"net/http"
	"time"

	"finadvisor-pipeline/internal/models"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 5 * time.Second

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	checks    map[string]HealthChecker
	startTime time.Time
}

func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks, startTime: time.Now()}
}

// Health reports 200 when every dependency answers and 503 otherwise.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := models.HealthStatus{
		Status:   "healthy",
		Services: make(map[string]string, len(h.checks)),
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
	}

	for name, checker := range h.checks {
		if err := checker.HealthCheck(ctx); err != nil {
			status.Services[name] = "unhealthy: " + err.Error()
			status.Status = "unhealthy"
			continue
		}
		status.Services[name] = "healthy"
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
