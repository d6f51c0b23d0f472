package handler

import (
	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/internal/pkg/serverutils"
	internalWS "ambient-scribe-be/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ProgressHandler streams the render progress of a note to the capture UI.
type ProgressHandler struct {
	hub    *internalWS.Hub
	logger logger.ILogger
}

func NewProgressHandler(hub *internalWS.Hub, log logger.ILogger) *ProgressHandler {
	return &ProgressHandler{
		hub:    hub,
		logger: log,
	}
}

// ServeWs upgrades GET /:patient/:note/progress. Browsers cannot set headers
// on a websocket handshake, so the token may come as the "token" query param.
func (h *ProgressHandler) ServeWs(c *fiber.Ctx) error {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		authHeader := c.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		}
	}
	if tokenStr == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(serverutils.ErrorResponse(fiber.StatusUnauthorized, "Missing token (Query 'token' or Header 'Authorization')"))
	}

	staffId, err := serverutils.ParseStaffToken(tokenStr)
	if err != nil {
		h.logger.Warn("ProgressHandler", "Invalid Token in WS Handshake", map[string]interface{}{"error": err.Error()})
		return c.Status(fiber.StatusUnauthorized).JSON(serverutils.ErrorResponse(fiber.StatusUnauthorized, "Invalid token"))
	}

	noteUUID := c.Params("note")
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.logger.Info("ProgressHandler", "Starting WebSocket session", map[string]interface{}{
			"note_uuid": noteUUID,
			"staff_id":  staffId,
		})
		internalWS.ServeWs(h.hub, conn, noteUUID)
		h.logger.Info("ProgressHandler", "WebSocket session ended", map[string]interface{}{"note_uuid": noteUUID})
	})(c)
}
