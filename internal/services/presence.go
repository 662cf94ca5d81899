package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/store"
)

// PresenceService tracks connected users and lobby membership.
type PresenceService struct {
	state
	rooms   *RoomService
	pairing *PairingService
}

func NewPresenceService(s store.Store, parts store.Partitioner, rooms *RoomService, pairing *PairingService) *PresenceService {
	return &PresenceService{state: state{store: s, parts: parts}, rooms: rooms, pairing: pairing}
}

// Removal describes what RemoveUser tore down.
type Removal struct {
	// RoomID is the room the user was in, if any.
	RoomID   string
	Canceled []models.PendingRequest
}

// AddUser creates a lobby-resident record. ErrAlreadyPresent if one exists.
func (s *PresenceService) AddUser(ctx context.Context, username string) error {
	raw, err := store.Encode(models.User{Username: username})
	if err != nil {
		return err
	}

	key := s.userKey(username)
	err = s.store.Exec(ctx,
		store.ExpectAbsent(key, username),
		store.HSetOp(key, username, raw),
		store.SAddOp(s.lobbyKey(username), username),
	)
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyPresent
	}
	if err != nil {
		return fmt.Errorf("add user %s: %w", username, err)
	}

	log.Printf("[presence] User '%s' joined the lobby", username)
	return nil
}

// JoinLobby adds username unless it is already connected, in which case the
// existing record is kept. It reports whether a record was created.
func (s *PresenceService) JoinLobby(ctx context.Context, username string) (bool, error) {
	err := s.AddUser(ctx, username)
	if errors.Is(err, ErrAlreadyPresent) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PresenceService) GetUser(ctx context.Context, username string) (*models.User, error) {
	user, _, err := s.getUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UsernameAvailable reports whether nobody is connected under username.
func (s *PresenceService) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	_, _, err := s.getUser(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RemoveUser deletes username from the directory, leaving its room and
// canceling every request it is part of. Removing an absent user is a no-op.
func (s *PresenceService) RemoveUser(ctx context.Context, username string) (*Removal, error) {
	removal := &Removal{}
	if err := s.deleteRecord(ctx, username, removal); err != nil {
		return nil, err
	}

	canceled, err := s.pairing.CancelAll(ctx, username)
	if err != nil {
		return nil, err
	}
	removal.Canceled = canceled

	log.Printf("[presence] User '%s' removed", username)
	return removal, nil
}

// deleteRecord drops the user record and lobby entry. A user found in a room
// leaves it first, so no room keeps listing a deleted user.
func (s *PresenceService) deleteRecord(ctx context.Context, username string, removal *Removal) error {
	key := s.userKey(username)
	for i := 0; i < maxCASAttempts; i++ {
		user, raw, err := s.getUser(ctx, username)
		if errors.Is(err, ErrNotFound) {
			return s.store.Exec(ctx, store.SRemOp(s.lobbyKey(username), username))
		}
		if err != nil {
			return err
		}

		if user.InRoom && user.RoomID != "" {
			err := s.rooms.LeaveRoom(ctx, username, user.RoomID)
			if err == nil {
				removal.RoomID = user.RoomID
				continue
			}
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrUnauthorized) {
				return err
			}
		}

		err = s.store.Exec(ctx,
			store.Expect(key, username, raw),
			store.HDelOp(key, username),
			store.SRemOp(s.lobbyKey(username), username),
		)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("remove user %s: gave up after %d attempts: %w", username, maxCASAttempts, store.ErrConflict)
}

// ListLobbyUsers returns every lobby member across partitions, sorted.
func (s *PresenceService) ListLobbyUsers(ctx context.Context) ([]string, error) {
	return store.MembersAll(ctx, s.store, s.parts, lobbySet)
}
