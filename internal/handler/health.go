package handler

import (
	"context"
	"os/exec"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stemsplit/api/internal/admission"
	"github.com/stemsplit/api/internal/storage"
)

// Pinger is satisfied by *redis.Client
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// EngineChecker reports whether the separation service can be reached
type EngineChecker interface {
	IsConfigured() bool
	HealthCheck(ctx context.Context) error
}

type HealthHandler struct {
	store     *storage.Local
	admission *admission.Controller
	redis     Pinger
	engine    EngineChecker
	tools     map[string]string
}

func NewHealthHandler(store *storage.Local, adm *admission.Controller, redisClient Pinger, engine EngineChecker, tools map[string]string) *HealthHandler {
	return &HealthHandler{
		store:     store,
		admission: adm,
		redis:     redisClient,
		engine:    engine,
		tools:     tools,
	}
}

// Check handles GET /health. Only unwritable storage makes the service
// unhealthy; the other checks degrade it.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := fiber.StatusOK
	checks := fiber.Map{}

	if err := h.store.CheckWritable(); err != nil {
		checks["storage"] = err.Error()
		status = "unhealthy"
		code = fiber.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	degrade := func() {
		if status == "ok" {
			status = "degraded"
		}
	}

	if h.redis == nil {
		checks["redis"] = "disabled"
	} else if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		degrade()
	} else {
		checks["redis"] = "ok"
	}

	switch {
	case h.engine == nil || !h.engine.IsConfigured():
		checks["separator"] = "not configured"
		degrade()
	default:
		if err := h.engine.HealthCheck(ctx); err != nil {
			checks["separator"] = err.Error()
			degrade()
		} else {
			checks["separator"] = "ok"
		}
	}

	for name, path := range h.tools {
		if _, err := exec.LookPath(path); err != nil {
			checks[name] = "not found"
			degrade()
		} else {
			checks[name] = "ok"
		}
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"checks": checks,
		"jobs": fiber.Map{
			"running":  h.admission.InUse(),
			"capacity": h.admission.Capacity(),
		},
	})
}
