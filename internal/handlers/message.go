package handlers

import (
	"context"
	"errors"
	"log"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/services"
	"pairchat-backend/internal/utils"
)

// payload is an inbound event body.
type payload interface {
	Validate() error
}

// HandleMessage decodes one inbound frame and runs its event handler to completion.
func (g *Gateway) HandleMessage(client *Client, raw []byte) {
	var msg models.WSMessage
	if err := utils.SafeJSONParse(raw, &msg); err != nil {
		utils.LogError(err, "JSON Parse")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch msg.Event {
	case models.EventJoinLobby:
		var p models.JoinLobbyPayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleJoinLobby(ctx, client, p)
		}
	case models.EventChatRequest:
		var p models.ChatRequestPayload
		if g.decode(client, msg, &p, func() string { return p.FromUser }) {
			g.handleChatRequest(ctx, p)
		}
	case models.EventChatResponse:
		var p models.ChatResponsePayload
		if g.decode(client, msg, &p, func() string { return p.ToUser }) {
			g.handleChatResponse(ctx, p)
		}
	case models.EventJoinRoom:
		var p models.RoomPayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleJoinRoom(ctx, client, p)
		}
	case models.EventLeaveRoom:
		var p models.RoomPayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleLeaveRoom(ctx, client, p)
		}
	case models.EventSendMessage:
		var p models.SendMessagePayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleSendMessage(ctx, client, p)
		}
	case models.EventSharePublicKey:
		var p models.SharePublicKeyPayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleSharePublicKey(ctx, client, p)
		}
	case models.EventLeaveServer:
		var p models.LeaveServerPayload
		if g.decode(client, msg, &p, func() string { return p.Username }) {
			g.handleLeaveServer(ctx, p)
		}
	default:
		log.Printf("Unknown event: %s", msg.Event)
	}
}

// decode fills p from the frame and validates it. Sockets bound to a token
// may only act as the claimed user; actor names the user the event acts as.
func (g *Gateway) decode(client *Client, msg models.WSMessage, p payload, actor func() string) bool {
	if err := msg.Decode(p); err != nil {
		utils.LogError(err, msg.Event)
		return false
	}
	if err := p.Validate(); err != nil {
		utils.LogError(err, msg.Event)
		return false
	}
	if client.claimed != "" && actor() != client.claimed {
		log.Printf("[ws] %s as '%s' rejected, socket is bound to '%s'", msg.Event, actor(), client.claimed)
		reply(client, models.EventError, models.StatusNotice{Message: models.MsgUnauthorizedShort})
		return false
	}
	return true
}

func (g *Gateway) handleJoinLobby(ctx context.Context, client *Client, p models.JoinLobbyPayload) {
	if err := services.ValidateUsername(p.Username); err != nil {
		log.Printf("[ws] Rejected join_lobby: %v", err)
		reply(client, models.EventError, models.StatusNotice{Message: err.Error()})
		return
	}

	created, err := g.svc.Presence.JoinLobby(ctx, p.Username)
	if err != nil {
		utils.LogError(err, "JoinLobby")
		return
	}
	if created {
		log.Printf("[ws] Adding new user '%s' to the server", p.Username)
	}

	g.hub.Identify(client.ID, p.Username)
	log.Printf("[ws] User '%s' joined the lobby", p.Username)
	g.broadcastLobby(ctx)
}

func (g *Gateway) handleChatRequest(ctx context.Context, p models.ChatRequestPayload) {
	log.Printf("[ws] User '%s' requested chat with '%s'", p.FromUser, p.ToUser)

	err := g.svc.Pairing.RequestChat(ctx, p.FromUser, p.ToUser)
	switch {
	case err == nil:
		g.toUser(ctx, p.ToUser, models.EventChatRequest, models.ChatRequestNotice{FromUser: p.FromUser})
	case errors.Is(err, services.ErrNotFound):
		log.Printf("[ws] Chat request dropped, '%s' or '%s' is not connected", p.FromUser, p.ToUser)
	case errors.Is(err, services.ErrConflict):
		g.toUser(ctx, p.FromUser, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: false, Message: models.MsgPendingExists})
	case errors.Is(err, services.ErrUnavailable):
		g.toUser(ctx, p.FromUser, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: false, Message: models.MsgUserNotAvailable})
	default:
		utils.LogError(err, "RequestChat")
	}
}

// handleChatResponse settles a request; FromUser is the requester, ToUser the responder.
func (g *Gateway) handleChatResponse(ctx context.Context, p models.ChatResponsePayload) {
	requester, responder := p.FromUser, p.ToUser

	for _, name := range []string{requester, responder} {
		if _, err := g.svc.Presence.GetUser(ctx, name); err != nil {
			if !errors.Is(err, services.ErrNotFound) {
				utils.LogError(err, "GetUser")
			}
			return
		}
	}

	room, err := g.svc.Pairing.RespondChat(ctx, responder, requester, p.Accepted)
	switch {
	case err == nil && room != nil:
		g.toUser(ctx, requester, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: true, RoomID: room.ID, OtherUser: responder})
		g.toUser(ctx, responder, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: true, RoomID: room.ID, OtherUser: requester})
		g.cancelIncoming(ctx, requester, responder)
		g.broadcastLobby(ctx)
	case err == nil:
		g.toUser(ctx, requester, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: false, Message: models.MsgRequestDeclined})
	case errors.Is(err, services.ErrNotFound):
		g.toUser(ctx, responder, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: false, Message: models.MsgNoPendingRequest})
	case errors.Is(err, services.ErrUnavailable):
		notice := models.ChatResponseNotice{Accepted: false, Message: models.MsgUserNotAvailable}
		g.toUser(ctx, responder, models.EventChatResponse, notice)
		g.toUser(ctx, requester, models.EventChatResponse, notice)
	default:
		utils.LogError(err, "RespondChat")
	}
}

func (g *Gateway) handleJoinRoom(ctx context.Context, client *Client, p models.RoomPayload) {
	ok, err := g.svc.Rooms.IsAuthorized(ctx, p.Username, p.RoomID)
	if err != nil {
		utils.LogError(err, "IsAuthorized")
	}
	if !ok {
		log.Printf("[ws] Unauthorized attempt by user '%s' to join room '%s'", p.Username, p.RoomID)
		reply(client, models.EventJoinRoomFailure, models.StatusNotice{Message: models.MsgUnauthorized})
		return
	}

	g.hub.Identify(client.ID, p.Username)
	g.hub.Join(p.RoomID, client.ID)
	log.Printf("[ws] User '%s' successfully joined room '%s'", p.Username, p.RoomID)
	reply(client, models.EventJoinRoomSuccess, models.StatusNotice{Message: models.MsgJoinedRoom})
	g.broadcastLobby(ctx)
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, client *Client, p models.RoomPayload) {
	ok, err := g.svc.Rooms.IsAuthorized(ctx, p.Username, p.RoomID)
	if err != nil {
		utils.LogError(err, "IsAuthorized")
	}
	if !ok {
		return
	}

	log.Printf("[ws] User '%s' left room '%s'", p.Username, p.RoomID)
	g.toRoom(ctx, p.RoomID, client.ID, models.EventReceiveMessage,
		models.ReceiveMessage{Message: models.MsgLeftChat, Username: p.Username, Type: models.MessageTypeSystem})
	g.hub.Leave(p.RoomID, client.ID)

	if err := g.svc.Rooms.LeaveRoom(ctx, p.Username, p.RoomID); err != nil {
		utils.LogError(err, "LeaveRoom")
	}
	g.broadcastLobby(ctx)
}

func (g *Gateway) handleSendMessage(ctx context.Context, client *Client, p models.SendMessagePayload) {
	ok, err := g.svc.Rooms.IsAuthorized(ctx, p.Username, p.RoomID)
	if err != nil {
		utils.LogError(err, "IsAuthorized")
	}
	if !ok {
		log.Printf("[ws] Unauthorized message send attempt by '%s' to room '%s'", p.Username, p.RoomID)
		reply(client, models.EventError, models.StatusNotice{Message: models.MsgUnauthorizedShort})
		return
	}

	g.toRoom(ctx, p.RoomID, client.ID, models.EventReceiveMessage, models.ReceiveMessage{
		Message:  p.Message,
		Username: p.Username,
		Type:     models.MessageTypeUser,
		AESKey:   p.AESKey,
		IV:       p.IV,
	})
}

func (g *Gateway) handleSharePublicKey(ctx context.Context, client *Client, p models.SharePublicKeyPayload) {
	if !g.hub.InRoom(p.RoomID, client.ID) {
		log.Printf("[ws] Public key from '%s' dropped, socket has not joined room '%s'", p.Username, p.RoomID)
		return
	}

	log.Printf("[ws] Sharing public key of user '%s' in room '%s'", p.Username, p.RoomID)
	g.toRoom(ctx, p.RoomID, client.ID, models.EventReceivePubKey,
		models.ReceivePublicKey{PublicKey: p.PublicKey, Username: p.Username})
}

func (g *Gateway) handleLeaveServer(ctx context.Context, p models.LeaveServerPayload) {
	if _, err := g.svc.Presence.GetUser(ctx, p.Username); err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			utils.LogError(err, "GetUser")
		}
		return
	}

	log.Printf("[ws] User '%s' is leaving the server", p.Username)
	g.removeUser(ctx, p.Username)
}

// cancelIncoming withdraws the requests still aimed at a freshly paired user
// and tells both sides.
func (g *Gateway) cancelIncoming(ctx context.Context, usernames ...string) {
	canceled, err := g.svc.Pairing.CancelIncoming(ctx, usernames...)
	if err != nil {
		utils.LogError(err, "CancelIncoming")
	}
	for _, req := range canceled {
		g.toUser(ctx, req.FromUsername, models.EventChatResponse,
			models.ChatResponseNotice{Accepted: false, Message: models.MsgUserNotAvailable})
		g.toUser(ctx, req.ToUsername, models.EventRequestCanceled, models.ChatRequestNotice{FromUser: req.FromUsername})
	}
}

// removeUser tears the user down, tells everyone affected and refreshes the lobby.
func (g *Gateway) removeUser(ctx context.Context, username string) {
	removal, err := g.svc.Presence.RemoveUser(ctx, username)
	if err != nil {
		utils.LogError(err, "RemoveUser")
		return
	}

	if removal.RoomID != "" {
		g.toRoom(ctx, removal.RoomID, "", models.EventReceiveMessage,
			models.ReceiveMessage{Message: models.MsgLeftChat, Username: username, Type: models.MessageTypeSystem})
	}
	for _, req := range removal.Canceled {
		if req.FromUsername == username {
			g.toUser(ctx, req.ToUsername, models.EventRequestCanceled, models.ChatRequestNotice{FromUser: username})
		} else {
			g.toUser(ctx, req.FromUsername, models.EventChatResponse,
				models.ChatResponseNotice{Accepted: false, Message: models.MsgUserNotAvailable})
		}
	}
	g.broadcastLobby(ctx)
}
