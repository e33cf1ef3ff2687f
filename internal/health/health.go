// Package health implements the gateway's single unauthenticated status endpoint.
package health

import (
	"github.com/gofiber/fiber/v3"

	"github.com/roleplay-hub/hub/internal/gateway"
)

// Handler serves GET /, reporting whether the process is up and how many WebSocket connections it currently
// holds. Unlike the teacher's health check, it does not ping Postgres or Valkey: a connection drop there surfaces
// through the gateway's own error frames and logs, and this endpoint only needs to answer "is the process alive."
type Handler struct {
	hub *gateway.Hub
}

// NewHandler creates a health handler bound to hub.
func NewHandler(hub *gateway.Hub) *Handler {
	return &Handler{hub: hub}
}

type response struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Connections int    `json:"connections"`
	WebSocket   string `json:"websocket"`
}

// Health responds with the process status and live connection count.
func (h *Handler) Health(c fiber.Ctx) error {
	return c.JSON(response{
		Status:      "ok",
		Message:     "roleplay hub is running",
		Connections: h.hub.ClientCount(),
		WebSocket:   "/ws",
	})
}
