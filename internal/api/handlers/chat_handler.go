package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/engine"
	"github.com/audit-agent/backend/pkg/logger"
)

type ChatHandler struct {
	engine       *engine.Engine
	historyLimit int
}

func NewChatHandler(eng *engine.Engine, historyLimit int) *ChatHandler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &ChatHandler{engine: eng, historyLimit: historyLimit}
}

func (h *ChatHandler) HandleChat(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Message == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message is required",
		})
	}
	if req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	turn, err := h.engine.ProcessTurn(c.Context(), engine.TurnRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
	})
	if err != nil {
		logger.Error("Failed to process turn", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}

	return c.JSON(fiber.Map{
		"turn_id":     turn.TurnID,
		"session_id":  turn.SessionID,
		"answer_text": turn.Response.AnswerText,
		"rows":        turn.Response.Rows,
		"total_count": turn.Response.TotalCount,
		"aggregation": turn.Response.Aggregation,
		"truncated":   turn.Response.Truncated,
		"filters":     turn.Filters,
		"source":      turn.Source,
		"latency_ms":  turn.LatencyMS,
	})
}

// HandleExport re-runs the session's active filters without the display cap.
func (h *ChatHandler) HandleExport(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
	}

	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	resp, err := h.engine.Export(c.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, engine.ErrNoActiveFilters) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session has no filters to export",
			})
		}
		logger.Error("Failed to export results", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to export results",
		})
	}

	return c.JSON(fiber.Map{
		"rows":        resp.Rows,
		"total_count": resp.TotalCount,
		"aggregation": resp.Aggregation,
	})
}

func (h *ChatHandler) GetHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}

	messages, err := h.engine.History(c.Context(), sessionID, h.historyLimit)
	if err != nil {
		logger.Error("Failed to load history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load history",
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"messages":   messages,
	})
}
