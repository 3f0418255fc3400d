package handlers

import (
	"time"

	"oscesim/internal/database"
	"oscesim/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	mongodb  *database.MongoDB // nil in memory-only mode
	sessions *services.SessionStore
	cases    *services.CaseCache
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(mongodb *database.MongoDB, sessions *services.SessionStore, cases *services.CaseCache) *HealthHandler {
	return &HealthHandler{mongodb: mongodb, sessions: sessions, cases: cases}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	mongoStatus := "disabled"
	if h.mongodb != nil {
		mongoStatus = "connected"
		if err := h.mongodb.Ping(c.Context()); err != nil {
			mongoStatus = "unreachable"
		}
	}

	return c.JSON(fiber.Map{
		"status":          "healthy",
		"mongodb":         mongoStatus,
		"cached_sessions": h.sessions.Len(),
		"cached_cases":    h.cases.Len(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}
