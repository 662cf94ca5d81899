package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/services"
	"pairchat-backend/internal/store"

	"github.com/gofiber/fiber/v2"
)

// IndexHandler answers the liveness probe of the socket frontend.
func IndexHandler(c *fiber.Ctx) error {
	return c.SendString("WebSocket server running!")
}

// CheckUsernameHandler reports whether a username is free. A free name comes
// with a token that binds sockets to it when tokens are enabled.
func CheckUsernameHandler(presence *services.PresenceService, tokens *services.TokenIssuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.CheckUsernameRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		if err := services.ValidateUsername(req.Username); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		log.Printf("[api] Checking availability for username: %s", req.Username)
		available, err := presence.UsernameAvailable(c.Context(), req.Username)
		if err != nil {
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "failed to check username"})
		}

		resp := models.CheckUsernameResponse{Available: available}
		if available && tokens != nil {
			token, err := tokens.Generate(req.Username)
			if err != nil {
				return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "failed to generate token"})
			}
			resp.Token = token
		}
		return c.JSON(resp)
	}
}

// VerifyRoomAccessHandler reports whether username is a member of room_id.
func VerifyRoomAccessHandler(rooms *services.RoomService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.VerifyRoomAccessRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
		}
		if req.RoomID == "" || req.Username == "" {
			return c.JSON(models.VerifyRoomAccessResponse{Authorized: false})
		}

		authorized, err := rooms.IsAuthorized(c.Context(), req.Username, req.RoomID)
		if err != nil {
			if errors.Is(err, store.ErrCorruptRecord) {
				log.Printf("[api] Access check for '%s' in '%s' hit a corrupt record: %v", req.Username, req.RoomID, err)
				return c.JSON(models.VerifyRoomAccessResponse{Authorized: false})
			}
			return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": "failed to verify access"})
		}
		if authorized {
			log.Printf("[api] Access granted for user '%s' to room '%s'", req.Username, req.RoomID)
		} else {
			log.Printf("[api] Access denied for user '%s' to room '%s'", req.Username, req.RoomID)
		}
		return c.JSON(models.VerifyRoomAccessResponse{Authorized: authorized})
	}
}

// HealthHandler reports store reachability and local socket count.
func HealthHandler(instanceID string, st store.Store, hub *Hub) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		status, storeStatus, code := "ok", "ok", http.StatusOK
		if err := st.Ping(ctx); err != nil {
			status, storeStatus, code = "degraded", err.Error(), http.StatusServiceUnavailable
		}
		return c.Status(code).JSON(fiber.Map{
			"status":      status,
			"instance":    instanceID,
			"store":       storeStatus,
			"connections": hub.Count(),
		})
	}
}
