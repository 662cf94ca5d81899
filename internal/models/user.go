package models

// User is a connected user's presence record.
type User struct {
	Username string `json:"username"`
	InRoom   bool   `json:"in_room"`
	RoomID   string `json:"room_id,omitempty"`
}

// PendingRequest is an outstanding pairing proposal, keyed by FromUsername.
type PendingRequest struct {
	FromUsername string `json:"from_username"`
	ToUsername   string `json:"to_username"`
}
