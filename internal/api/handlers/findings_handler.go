package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/ingestion"
	"github.com/audit-agent/backend/pkg/logger"
)

// FindingCounter is the read surface for the stats endpoint.
type FindingCounter interface {
	CountFindings(ctx context.Context) (int, error)
}

// TurnInvalidator clears cached turn responses; nil skips invalidation.
type TurnInvalidator interface {
	InvalidateTurns(ctx context.Context) error
}

type FindingsHandler struct {
	importer    *ingestion.Importer
	counter     FindingCounter
	invalidator TurnInvalidator
}

func NewFindingsHandler(importer *ingestion.Importer, counter FindingCounter, invalidator TurnInvalidator) *FindingsHandler {
	return &FindingsHandler{importer: importer, counter: counter, invalidator: invalidator}
}

func (h *FindingsHandler) ImportFindings(c *fiber.Ctx) error {
	var req struct {
		Findings []ingestion.FindingInput `json:"findings"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse import payload", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid import payload",
		})
	}

	if len(req.Findings) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "findings is required",
		})
	}

	report, err := h.importer.Import(c.Context(), req.Findings)
	if err != nil {
		logger.Error("Bulk import failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":    "Import failed",
			"imported": report.Imported,
		})
	}

	// Cached turn responses describe the data before this import.
	if h.invalidator != nil {
		if err := h.invalidator.InvalidateTurns(c.Context()); err != nil {
			logger.Warn("Failed to invalidate turn cache after import", zap.Error(err))
		}
	}

	return c.JSON(report)
}

func (h *FindingsHandler) GetStats(c *fiber.Ctx) error {
	count, err := h.counter.CountFindings(c.Context())
	if err != nil {
		logger.Error("Failed to count findings", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load stats",
		})
	}

	return c.JSON(fiber.Map{
		"total_findings": count,
	})
}
