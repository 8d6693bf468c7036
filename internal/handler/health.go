package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/docchat/api/internal/model"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) bool

type HealthHandler struct {
	checks   map[string]HealthCheck
	critical map[string]bool
	timeout  time.Duration
}

// NewHealthHandler reports every check. A failing critical check turns the
// response into a 503 so load balancers stop routing to the instance.
func NewHealthHandler(checks map[string]HealthCheck, critical ...string) *HealthHandler {
	h := &HealthHandler{
		checks:   checks,
		critical: make(map[string]bool, len(critical)),
		timeout:  2 * time.Second,
	}
	for _, name := range critical {
		h.critical[name] = true
	}
	return h
}

// Health handles GET /health
// @Summary      Health check
// @Description  Report readiness of the status store, queue and external providers
// @Tags         System
// @Produce      json
// @Success      200 {object} model.HealthResponse
// @Failure      503 {object} model.HealthResponse
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	resp := model.HealthResponse{
		Status:    "ok",
		Services:  make(map[string]bool, len(h.checks)),
		Timestamp: time.Now().UTC(),
	}
	code := fiber.StatusOK
	for name, check := range h.checks {
		ok := check(ctx)
		resp.Services[name] = ok
		if ok {
			continue
		}
		if h.critical[name] {
			resp.Status = "unavailable"
			code = fiber.StatusServiceUnavailable
		} else if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	return c.Status(code).JSON(resp)
}
