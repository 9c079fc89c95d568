// Package health exposes the Kubernetes liveness and readiness probes.
// Liveness is unconditional; readiness verifies the dependencies the session
// core needs: Redis (when enabled) and the social graph service.
package health

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/blitzlink/backend/internal/v1/bus"
	"github.com/blitzlink/backend/internal/v1/logging"
)

// SocialGraphChecker probes the social graph service.
type SocialGraphChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultSocialGraphChecker hits the service's own liveness endpoint.
type DefaultSocialGraphChecker struct {
	client *http.Client
}

// Check reports "healthy" when the social graph service answers its health
// endpoint with a 2xx.
func (c *DefaultSocialGraphChecker) Check(ctx context.Context, addr string) string {
	client := c.client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health/live", nil)
	if err != nil {
		return "unhealthy"
	}

	resp, err := client.Do(req)
	if err != nil {
		logging.Error(ctx, "Social graph health check failed", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Warn(ctx, "Social graph is not serving", zap.Int("status", resp.StatusCode))
		return "unhealthy"
	}
	return "healthy"
}

// Handler manages the health check endpoints.
type Handler struct {
	redisService  *bus.Service
	socialAddr    string
	socialEnabled bool
	socialChecker SocialGraphChecker
}

// NewHandler creates a health check handler. redisService may be nil in
// single-instance mode; the social graph probe is skipped when no address is
// configured.
func NewHandler(redisService *bus.Service) *Handler {
	socialAddr := os.Getenv("SOCIAL_GRAPH_ADDR")

	return &Handler{
		redisService:  redisService,
		socialAddr:    socialAddr,
		socialEnabled: socialAddr != "",
		socialChecker: &DefaultSocialGraphChecker{},
	}
}

// LivenessResponse is the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive;
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every critical
// dependency is healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.socialEnabled {
		socialStatus := h.checkSocialGraph(ctx)
		checks["social_graph"] = socialStatus
		if socialStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity with a ping. A nil service means
// single-instance mode and counts as healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkSocialGraph(ctx context.Context) string {
	if h.socialChecker == nil {
		return "unhealthy"
	}
	return h.socialChecker.Check(ctx, h.socialAddr)
}
