package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	redisadapter "finsight/internal/adapters/redis"
	"finsight/internal/session"
	"finsight/pkg/logger"
)

// Handler provides health check endpoints
type Handler struct {
	log         *logger.Logger
	redis       *redisadapter.Client
	store       *session.Store
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler. redis may be nil when the
// shared cache is disabled.
func New(log *logger.Logger, redis *redisadapter.Client, store *session.Store,
	serviceName, version string) *Handler {

	return &Handler{
		log:         log,
		redis:       redis,
		store:       store,
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"` // "healthy" or "unhealthy"
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Sessions  int                        `json:"sessions"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if service is running
// Used by Kubernetes liveness probe
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// HandleReadiness checks if service is ready to accept traffic
// Used by Kubernetes readiness probe
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]ComponentHealth)
	allHealthy := true

	if h.redis != nil {
		redisHealth := h.checkRedis(ctx)
		checks["redis"] = redisHealth
		if redisHealth.Status != "healthy" {
			allHealthy = false
		}
	}

	status := HealthStatus{
		Status:    "healthy",
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    humanize.RelTime(h.startTime, time.Now(), "", ""),
		Sessions:  h.store.Len(),
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if !allHealthy {
		status.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
		h.log.Warnf("Readiness check failed: %+v", checks)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(status)
}

// HandleHealth reports full health including dependency checks
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.HandleReadiness(w, r)
}

func (h *Handler) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()
	if err := h.redis.Health(ctx); err != nil {
		return ComponentHealth{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       "healthy",
		ResponseTime: time.Since(start).String(),
	}
}
