package handlers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"pairchat-backend/internal/fanout"
	"pairchat-backend/internal/models"
	"pairchat-backend/internal/services"
	"pairchat-backend/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const handlerTimeout = 10 * time.Second

// Gateway turns socket events into service calls and publishes the resulting
// broadcasts through the fanout bus.
type Gateway struct {
	instanceID string
	svc        *services.Services
	hub        *Hub
	bus        fanout.Bus
}

func NewGateway(instanceID string, svc *services.Services, hub *Hub, bus fanout.Bus) *Gateway {
	return &Gateway{instanceID: instanceID, svc: svc, hub: hub, bus: bus}
}

// Start subscribes the hub to the bus until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Subscribe(ctx, g.hub.Deliver)
}

// WebSocketHandler handles the websocket connection
func (g *Gateway) WebSocketHandler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		claimed, _ := c.Locals("username").(string)
		client := NewClient(c, claimed)
		g.hub.Register(client)

		defer func() {
			g.Disconnect(client)
			c.Close()
		}()

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[ws] read error on %s: %v", client.ID, err)
				}
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}
			g.HandleMessage(client, msg)
		}
	})
}

// Disconnect runs when a socket closes. A user whose last local socket closes
// is removed, unless the socket is between pages: a lobby socket that never
// joined the room the user is in, or a room socket that left its room with
// leave_room and whose user is back in the lobby.
func (g *Gateway) Disconnect(client *Client) {
	d := g.hub.Unregister(client.ID)
	if d.Username == "" || d.Remaining > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	user, err := g.svc.Presence.GetUser(ctx, d.Username)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			utils.LogError(err, "Disconnect")
		}
		return
	}
	if user.InRoom && !contains(d.Rooms, user.RoomID) {
		log.Printf("[ws] '%s' disconnected from the lobby while in room '%s', keeping presence", d.Username, user.RoomID)
		return
	}
	if !user.InRoom && len(d.Left) > 0 {
		log.Printf("[ws] '%s' closed a room page after leaving %v, keeping presence", d.Username, d.Left)
		return
	}

	log.Printf("[ws] '%s' disconnected, removing", d.Username)
	g.removeUser(ctx, d.Username)
}

// WSUpgradeMiddleware upgrades the connection to WebSocket
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware binds the socket to the username of an access token when
// one is presented. Sockets without a token stay anonymous.
func AuthMiddleware(tokens *services.TokenIssuer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Get token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			if auth := c.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if token == "" || tokens == nil {
			return c.Next()
		}

		username, err := tokens.Validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid token")
		}
		c.Locals("username", username)
		return c.Next()
	}
}

// publish hands an envelope to the bus, stamped with this instance.
func (g *Gateway) publish(ctx context.Context, scope fanout.Scope, target, skipConn, event string, payload interface{}) {
	msg, err := models.NewWSMessage(event, payload)
	if err != nil {
		utils.LogError(err, "publish")
		return
	}
	env := fanout.Envelope{Origin: g.instanceID, Scope: scope, Target: target, SkipConn: skipConn, Message: msg}
	if err := g.bus.Publish(ctx, env); err != nil {
		utils.LogError(err, "publish "+event)
	}
}

func (g *Gateway) toUser(ctx context.Context, username, event string, payload interface{}) {
	g.publish(ctx, fanout.ScopeUser, username, "", event, payload)
}

func (g *Gateway) toRoom(ctx context.Context, roomID, skipConn, event string, payload interface{}) {
	g.publish(ctx, fanout.ScopeRoom, roomID, skipConn, event, payload)
}

// broadcastLobby sends the current lobby to every socket everywhere.
func (g *Gateway) broadcastLobby(ctx context.Context) {
	users, err := g.svc.Presence.ListLobbyUsers(ctx)
	if err != nil {
		utils.LogError(err, "ListLobbyUsers")
		return
	}
	g.publish(ctx, fanout.ScopeAll, "", "", models.EventUpdateUserList, users)
}

// reply writes straight to the requesting socket.
func reply(client *Client, event string, payload interface{}) {
	msg, err := models.NewWSMessage(event, payload)
	if err != nil {
		utils.LogError(err, "reply")
		return
	}
	if err := client.Send(msg); err != nil {
		utils.LogError(err, "reply "+event)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
