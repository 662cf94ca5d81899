package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/store"
)

// Store layout. A user's record, lobby membership and outgoing request all live
// in the user's partition; a room lives in the partition of its id.
const (
	usersMap   = "connected_users"
	lobbySet   = "users_in_lobby"
	roomsMap   = "chatrooms"
	pendingMap = "pending_requests"
)

const maxUsernameLength = 32

// state is the typed view over the partitioned store shared by the services.
type state struct {
	store store.Store
	parts store.Partitioner
}

func (s state) userKey(username string) store.Key    { return s.parts.KeyFor(usersMap, username) }
func (s state) lobbyKey(username string) store.Key   { return s.parts.KeyFor(lobbySet, username) }
func (s state) pendingKey(username string) store.Key { return s.parts.KeyFor(pendingMap, username) }
func (s state) roomKey(roomID string) store.Key      { return s.parts.KeyFor(roomsMap, roomID) }

// getUser returns the decoded user and its raw stored bytes for use in expectations.
func (s state) getUser(ctx context.Context, username string) (models.User, []byte, error) {
	raw, err := s.store.HGet(ctx, s.userKey(username), username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.User{}, nil, ErrNotFound
		}
		return models.User{}, nil, err
	}
	user, err := store.Decode[models.User](raw)
	if err != nil {
		return models.User{}, nil, fmt.Errorf("user %q: %w", username, err)
	}
	return user, raw, nil
}

func (s state) getRoom(ctx context.Context, roomID string) (models.ChatRoom, []byte, error) {
	raw, err := s.store.HGet(ctx, s.roomKey(roomID), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ChatRoom{}, nil, ErrNotFound
		}
		return models.ChatRoom{}, nil, err
	}
	room, err := store.Decode[models.ChatRoom](raw)
	if err != nil {
		return models.ChatRoom{}, nil, fmt.Errorf("room %q: %w", roomID, err)
	}
	return room, raw, nil
}

func (s state) getPending(ctx context.Context, from string) (models.PendingRequest, []byte, error) {
	raw, err := s.store.HGet(ctx, s.pendingKey(from), from)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.PendingRequest{}, nil, ErrNotFound
		}
		return models.PendingRequest{}, nil, err
	}
	req, err := store.Decode[models.PendingRequest](raw)
	if err != nil {
		return models.PendingRequest{}, nil, fmt.Errorf("pending request %q: %w", from, err)
	}
	return req, raw, nil
}

// ValidateUsername checks a username received at the boundary.
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidUsername, maxUsernameLength)
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidUsername)
		}
	}
	return nil
}
