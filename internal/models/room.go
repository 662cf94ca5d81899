package models

import "time"

// ChatRoom is a two-party room. Users never holds more than two names.
type ChatRoom struct {
	ID        string    `json:"id"`
	Users     []string  `json:"users"`
	CreatedAt time.Time `json:"created_at"`
}

// HasUser reports whether username is a member of the room.
func (r *ChatRoom) HasUser(username string) bool {
	for _, u := range r.Users {
		if u == username {
			return true
		}
	}
	return false
}

// Without returns a copy of the member list minus username.
func (r *ChatRoom) Without(username string) []string {
	out := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		if u != username {
			out = append(out, u)
		}
	}
	return out
}

type CheckUsernameRequest struct {
	Username string `json:"username"`
}

type CheckUsernameResponse struct {
	Available bool   `json:"available"`
	Token     string `json:"token,omitempty"`
}

type VerifyRoomAccessRequest struct {
	RoomID   string `json:"room_id"`
	Username string `json:"username"`
}

type VerifyRoomAccessResponse struct {
	Authorized bool `json:"authorized"`
}
