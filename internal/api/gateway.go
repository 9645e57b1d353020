package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/vitrine-shop/vitrine-server/internal/apierrors"
	"github.com/vitrine-shop/vitrine-server/internal/gateway"
	"github.com/vitrine-shop/vitrine-server/internal/httputil"
)

// GatewayHandler serves the WebSocket endpoint that streams upload progress for a product.
type GatewayHandler struct {
	hub *gateway.Hub
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(hub *gateway.Hub) *GatewayHandler {
	return &GatewayHandler{hub: hub}
}

// Upgrade handles GET /api/v1/products/:productID/uploads/ws. It upgrades the HTTP connection to a WebSocket and hands
// it to the Hub, which authenticates the client through the Identify frame.
func (h *GatewayHandler) Upgrade(c fiber.Ctx) error {
	productID, ok := productIDParam(c)
	if !ok {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidProductID, "Invalid product ID format")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, productID)
	})(c)
}
