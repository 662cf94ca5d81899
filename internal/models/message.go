package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Socket events. Inbound and outbound share a namespace, as some names
// (chat_request, chat_response) travel both ways.
const (
	EventJoinLobby       = "join_lobby"
	EventChatRequest     = "chat_request"
	EventChatResponse    = "chat_response"
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventSendMessage     = "send_message"
	EventSharePublicKey  = "share_public_key"
	EventLeaveServer     = "leave_server"
	EventUpdateUserList  = "update_user_list"
	EventJoinRoomSuccess = "join_room_success"
	EventJoinRoomFailure = "join_room_failure"
	EventReceiveMessage  = "receive_message"
	EventReceivePubKey   = "receive_public_key"
	EventRequestCanceled = "chat_request_canceled"
	EventError           = "error"
)

// Message types carried by receive_message.
const (
	MessageTypeUser   = "user"
	MessageTypeSystem = "system"
)

// Denial texts sent with chat_response{accepted:false}.
const (
	MsgPendingExists     = "You already have a pending chat request"
	MsgUserNotAvailable  = "User not available"
	MsgRequestDeclined   = "Chat request declined"
	MsgNoPendingRequest  = "No pending chat request found"
	MsgJoinedRoom        = "Joined room successfully"
	MsgUnauthorized      = "Unauthorized access"
	MsgUnauthorizedShort = "Unauthorized"
	MsgLeftChat          = "has left the chat"
)

// ErrInvalidPayload is returned when an inbound payload is missing required fields.
var ErrInvalidPayload = errors.New("invalid payload")

// WSMessage is the frame exchanged over the socket in both directions.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewWSMessage marshals payload into a frame.
func NewWSMessage(event string, payload interface{}) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return WSMessage{Event: event, Data: data}, nil
}

// Decode unmarshals the frame data into v.
func (m WSMessage) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidPayload, m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, m.Event, err)
	}
	return nil
}

// Inbound payloads.

type JoinLobbyPayload struct {
	Username string `json:"username"`
}

func (p JoinLobbyPayload) Validate() error {
	return require("username", p.Username)
}

type ChatRequestPayload struct {
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
}

func (p ChatRequestPayload) Validate() error {
	if err := require("from_user", p.FromUser); err != nil {
		return err
	}
	return require("to_user", p.ToUser)
}

// ChatResponsePayload answers a chat_request. FromUser is the original
// requester, ToUser the responder.
type ChatResponsePayload struct {
	FromUser string `json:"from_user"`
	ToUser   string `json:"to_user"`
	Accepted bool   `json:"accepted"`
}

func (p ChatResponsePayload) Validate() error {
	if err := require("from_user", p.FromUser); err != nil {
		return err
	}
	return require("to_user", p.ToUser)
}

type RoomPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
}

func (p RoomPayload) Validate() error {
	if err := require("username", p.Username); err != nil {
		return err
	}
	return require("room_id", p.RoomID)
}

type SendMessagePayload struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
	Message  string `json:"message"`
	AESKey   string `json:"aes_key"`
	IV       string `json:"iv"`
}

func (p SendMessagePayload) Validate() error {
	if err := require("username", p.Username); err != nil {
		return err
	}
	return require("room_id", p.RoomID)
}

type SharePublicKeyPayload struct {
	RoomID    string `json:"room_id"`
	Username  string `json:"username"`
	PublicKey string `json:"public_key"`
}

func (p SharePublicKeyPayload) Validate() error {
	if err := require("room_id", p.RoomID); err != nil {
		return err
	}
	return require("public_key", p.PublicKey)
}

type LeaveServerPayload struct {
	Username string `json:"username"`
}

func (p LeaveServerPayload) Validate() error {
	return require("username", p.Username)
}

// Outbound payloads.

type ChatRequestNotice struct {
	FromUser string `json:"from_user"`
}

type ChatResponseNotice struct {
	Accepted  bool   `json:"accepted"`
	RoomID    string `json:"room_id,omitempty"`
	OtherUser string `json:"other_user,omitempty"`
	Message   string `json:"message,omitempty"`
}

type StatusNotice struct {
	Message string `json:"message"`
}

type ReceiveMessage struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Type     string `json:"type"`
	AESKey   string `json:"aes_key,omitempty"`
	IV       string `json:"iv,omitempty"`
}

type ReceivePublicKey struct {
	PublicKey string `json:"public_key"`
	Username  string `json:"username,omitempty"`
}

func require(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, field)
	}
	return nil
}
