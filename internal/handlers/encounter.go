package handlers

import (
	"errors"
	"log"

	"oscesim/internal/models"
	"oscesim/internal/services"

	"github.com/gofiber/fiber/v2"
)

// EncounterHandler handles encounter-related HTTP requests
type EncounterHandler struct {
	encounters *services.EncounterService
}

// NewEncounterHandler creates a new encounter handler
func NewEncounterHandler(encounters *services.EncounterService) *EncounterHandler {
	return &EncounterHandler{encounters: encounters}
}

// userID pulls the learner identity from the request. The surrounding
// application authenticates; we only need a stable identifier.
func userID(c *fiber.Ctx) string {
	if id, ok := c.Locals("user_id").(string); ok && id != "" {
		return id
	}
	return c.Get("X-User-ID")
}

// serviceError maps service-layer errors onto HTTP status codes.
func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
	case errors.Is(err, services.ErrCaseNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Case not found"})
	case errors.Is(err, services.ErrInvalidStageTransition):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrSessionCompleted):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "Session is already completed"})
	default:
		log.Printf("❌ [ENCOUNTER-HANDLER] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}
}

// Start creates or resumes an encounter session
// POST /api/encounters
func (h *EncounterHandler) Start(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	var req struct {
		CaseID    string `json:"case_id"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.CaseID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Case ID is required"})
	}

	session, err := h.encounters.StartEncounter(c.Context(), uid, req.CaseID, req.SessionID)
	if err != nil {
		return serviceError(c, err)
	}

	log.Printf("🚀 [ENCOUNTER-HANDLER] Session %s started for case %s (user: %s)", session.ID, req.CaseID, uid)
	return c.Status(fiber.StatusCreated).JSON(session)
}

// Get returns the current session state
// GET /api/encounters/:id
func (h *EncounterHandler) Get(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	session, err := h.encounters.GetSession(c.Context(), c.Params("id"), uid)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(session)
}

// Utterance runs one learner utterance through the encounter pipeline
// POST /api/encounters/:id/utterances
func (h *EncounterHandler) Utterance(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	var req models.TurnRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Utterance == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Utterance is required"})
	}

	result, err := h.encounters.HandleUtterance(c.Context(), c.Params("id"), uid, req.Utterance)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(result)
}

// Action scores a structured action submission
// POST /api/encounters/:id/actions
func (h *EncounterHandler) Action(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	var req models.ActionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.Action == "" && req.Details == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Action is required"})
	}

	result, err := h.encounters.SubmitAction(c.Context(), c.Params("id"), uid, req)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(result)
}

// Stage advances or revisits a stage
// POST /api/encounters/:id/stage
func (h *EncounterHandler) Stage(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	var req struct {
		Stage models.Stage `json:"stage,omitempty"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	session, err := h.encounters.RequestStage(c.Context(), c.Params("id"), uid, req.Stage)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(session)
}

// Complete finishes the encounter and returns the pass/fail summary
// POST /api/encounters/:id/complete
func (h *EncounterHandler) Complete(c *fiber.Ctx) error {
	uid := userID(c)
	if uid == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "User identity required"})
	}

	summary, err := h.encounters.Complete(c.Context(), c.Params("id"), uid)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(summary)
}
