package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/franzego/pushcadence/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const version = "1.0.0"

type HealthReporter interface {
	Health(ctx context.Context) models.HealthStatus
}

type Connectivity interface {
	IsConnected() bool
}

type HealthHandler struct {
	engine HealthReporter
	queue  Connectivity
	redis  *redis.Client
}

// NewHealthHandler accepts a nil queue when pushes are not published to RabbitMQ.
func NewHealthHandler(engine HealthReporter, queue Connectivity, redis *redis.Client) *HealthHandler {
	return &HealthHandler{
		engine: engine,
		queue:  queue,
		redis:  redis,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	// Check RabbitMQ
	switch {
	case h.queue == nil:
		checks["rabbitmq"] = "disabled"
	case h.queue.IsConnected():
		checks["rabbitmq"] = "healthy"
	default:
		checks["rabbitmq"] = "unhealthy"
	}

	// Cadence filtering fails open, so a missing Redis only degrades.
	if h.redis != nil && h.redis.Ping(ctx).Err() == nil {
		checks["redis"] = "healthy"
	} else {
		checks["redis"] = "degraded"
	}

	engine := h.engine.Health(ctx)
	switch {
	case engine.StoreError != "":
		checks["scheduler"] = "unhealthy"
	case engine.Drift > 0:
		checks["scheduler"] = "degraded"
	default:
		checks["scheduler"] = "healthy"
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"scheduler": engine,
		"version":   version,
	})
}
