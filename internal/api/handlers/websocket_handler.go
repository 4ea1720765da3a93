package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/internal/engine"
	"github.com/audit-agent/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine *engine.Engine
}

func NewWebSocketHandler(eng *engine.Engine) *WebSocketHandler {
	return &WebSocketHandler{
		engine: eng,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type      string `json:"type"`
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Error("Failed to read WebSocket message", zap.Error(err))
			break
		}

		if msg.Type != "chat" {
			continue
		}
		if msg.SessionID == "" || msg.Message == "" {
			h.sendError(c, "session_id and message are required")
			continue
		}

		logger.Info("Processing WebSocket turn",
			zap.String("session_id", msg.SessionID),
			zap.String("message", msg.Message),
		)

		err = h.streamResponse(c, msg.SessionID, msg.Message)
		if err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process message")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, sessionID, message string) error {
	ctx := context.Background()

	h.sendChunk(c, "status", "Resolving filters...")

	turn, err := h.engine.ProcessTurn(ctx, engine.TurnRequest{
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		return err
	}

	words := splitIntoWords(turn.Response.AnswerText)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}

		err := h.sendChunk(c, "chunk", chunk)
		if err != nil {
			return err
		}
	}

	return h.sendComplete(c, turn)
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	msg := map[string]interface{}{
		"type":    msgType,
		"content": content,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, turn *engine.TurnResponse) error {
	msg := map[string]interface{}{
		"type":        "complete",
		"turn_id":     turn.TurnID,
		"rows":        turn.Response.Rows,
		"total_count": turn.Response.TotalCount,
		"aggregation": turn.Response.Aggregation,
		"truncated":   turn.Response.Truncated,
		"filters":     turn.Filters,
		"latency_ms":  turn.LatencyMS,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
