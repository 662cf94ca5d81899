package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// maxCASAttempts bounds the read-modify-write loops on a single record.
const maxCASAttempts = 8

// roomSettleTime is how old a room must be before Reconcile prunes its
// members. Younger rooms may still be claiming them.
const roomSettleTime = time.Minute

// RoomService owns the two-party room lifecycle.
//
// Creating or leaving a room touches the room's partition and each member's
// partition. Those writes are separate atomic units, ordered so that a user is
// never marked in a room that does not exist yet. A crash between units can
// still strand a user; Reconcile repairs that.
type RoomService struct {
	state
	newID     func() string
	now       func() time.Time
	reconcile singleflight.Group
}

func NewRoomService(s store.Store, parts store.Partitioner) *RoomService {
	return &RoomService{
		state: state{store: s, parts: parts},
		newID: func() string { return uuid.New().String() },
		now:   time.Now,
	}
}

// CreateRoom pairs user1 and user2 in a fresh room. Both must be connected and
// outside any room, else ErrUnavailable (or ErrNotFound for unknown users).
func (s *RoomService) CreateRoom(ctx context.Context, user1, user2 string) (*models.ChatRoom, error) {
	if user1 == user2 {
		return nil, ErrUnavailable
	}

	u1, raw1, err := s.getUser(ctx, user1)
	if err != nil {
		return nil, err
	}
	u2, raw2, err := s.getUser(ctx, user2)
	if err != nil {
		return nil, err
	}
	if u1.InRoom || u2.InRoom {
		return nil, ErrUnavailable
	}

	room := models.ChatRoom{ID: s.newID(), Users: []string{user1, user2}, CreatedAt: s.now().UTC()}
	roomRaw, err := store.Encode(room)
	if err != nil {
		return nil, err
	}
	roomKey := s.roomKey(room.ID)
	if err := s.store.Exec(ctx,
		store.ExpectAbsent(roomKey, room.ID),
		store.HSetOp(roomKey, room.ID, roomRaw),
	); err != nil {
		return nil, fmt.Errorf("create room %s: %w", room.ID, err)
	}

	claimed1, err := s.claim(ctx, u1, raw1, room.ID)
	if err != nil {
		s.dropRoom(ctx, room.ID, roomRaw)
		return nil, err
	}
	if _, err := s.claim(ctx, u2, raw2, room.ID); err != nil {
		s.release(ctx, user1, claimed1)
		s.dropRoom(ctx, room.ID, roomRaw)
		return nil, err
	}

	log.Printf("[rooms] Chatroom '%s' created between '%s' and '%s'", room.ID, user1, user2)
	return &room, nil
}

// claim moves a user from the lobby into roomID, dropping the user's own
// outgoing request. It fails with ErrUnavailable if the record changed since raw was read.
func (s *RoomService) claim(ctx context.Context, user models.User, raw []byte, roomID string) ([]byte, error) {
	user.InRoom = true
	user.RoomID = roomID
	next, err := store.Encode(user)
	if err != nil {
		return nil, err
	}

	err = s.store.Exec(ctx,
		store.Expect(s.userKey(user.Username), user.Username, raw),
		store.HSetOp(s.userKey(user.Username), user.Username, next),
		store.SRemOp(s.lobbyKey(user.Username), user.Username),
		store.HDelOp(s.pendingKey(user.Username), user.Username),
	)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", user.Username, err)
	}
	return next, nil
}

// release undoes claim when the second member could not be claimed.
func (s *RoomService) release(ctx context.Context, username string, claimed []byte) {
	if err := s.returnToLobby(ctx, models.User{Username: username}, claimed); err != nil {
		log.Printf("[rooms] Failed to release '%s' after aborted room: %v", username, err)
	}
}

func (s *RoomService) dropRoom(ctx context.Context, roomID string, raw []byte) {
	key := s.roomKey(roomID)
	if err := s.store.Exec(ctx, store.Expect(key, roomID, raw), store.HDelOp(key, roomID)); err != nil {
		log.Printf("[rooms] Failed to drop aborted room '%s': %v", roomID, err)
	}
}

// returnToLobby rewrites the user as lobby-resident if the stored record still equals raw.
func (s *RoomService) returnToLobby(ctx context.Context, user models.User, raw []byte) error {
	next, err := store.Encode(models.User{Username: user.Username})
	if err != nil {
		return err
	}
	return s.store.Exec(ctx,
		store.Expect(s.userKey(user.Username), user.Username, raw),
		store.HSetOp(s.userKey(user.Username), user.Username, next),
		store.SAddOp(s.lobbyKey(user.Username), user.Username),
	)
}

// GetRoom returns the room or ErrNotFound.
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	room, _, err := s.getRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// IsAuthorized reports whether username is a connected member of roomID.
func (s *RoomService) IsAuthorized(ctx context.Context, username, roomID string) (bool, error) {
	if _, _, err := s.getUser(ctx, username); err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("[rooms] Unauthorized access for user '%s' to room '%s' due to user not found", username, roomID)
			return false, nil
		}
		return false, err
	}

	room, _, err := s.getRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("[rooms] Unauthorized access for user '%s' to room '%s' due to chatroom not found", username, roomID)
			return false, nil
		}
		return false, err
	}

	if !room.HasUser(username) {
		log.Printf("[rooms] Unauthorized access for user '%s' to room '%s': not in members %v", username, roomID, room.Users)
		return false, nil
	}
	return true, nil
}

// LeaveRoom returns username to the lobby and removes it from the room,
// deleting the room when nobody is left.
func (s *RoomService) LeaveRoom(ctx context.Context, username, roomID string) error {
	room, _, err := s.getRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.HasUser(username) {
		return ErrUnauthorized
	}

	if err := s.leaveUser(ctx, username, roomID); err != nil {
		return err
	}
	return s.removeMember(ctx, username, roomID)
}

// leaveUser flips the user record back to the lobby if it still points at roomID.
func (s *RoomService) leaveUser(ctx context.Context, username, roomID string) error {
	return retryOnConflict(func() error {
		user, raw, err := s.getUser(ctx, username)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !user.InRoom || (user.RoomID != "" && user.RoomID != roomID) {
			return nil
		}
		return s.returnToLobby(ctx, user, raw)
	})
}

func (s *RoomService) removeMember(ctx context.Context, username, roomID string) error {
	key := s.roomKey(roomID)
	return retryOnConflict(func() error {
		room, raw, err := s.getRoom(ctx, roomID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !room.HasUser(username) {
			return nil
		}

		remaining := room.Without(username)
		if len(remaining) == 0 {
			if err := s.store.Exec(ctx, store.Expect(key, roomID, raw), store.HDelOp(key, roomID)); err != nil {
				return err
			}
			log.Printf("[rooms] Chatroom '%s' deleted, last member '%s' left", roomID, username)
			return nil
		}

		room.Users = remaining
		next, err := store.Encode(room)
		if err != nil {
			return err
		}
		return s.store.Exec(ctx, store.Expect(key, roomID, raw), store.HSetOp(key, roomID, next))
	})
}

// Reconcile repairs the two halves of an interrupted create or leave: users
// marked in a room that no longer exists or does not list them go back to the
// lobby, and settled rooms drop members that are not marked in them. It
// reports how many records were repaired. Overlapping calls share one pass.
func (s *RoomService) Reconcile(ctx context.Context) (int, error) {
	v, err, _ := s.reconcile.Do("reconcile", func() (interface{}, error) {
		users, err := s.reconcileUsers(ctx)
		if err != nil {
			return 0, err
		}
		members, err := s.reconcileRooms(ctx)
		if err != nil {
			return 0, err
		}
		return users + members, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *RoomService) reconcileUsers(ctx context.Context) (int, error) {
	users, err := store.ListAll(ctx, s.store, s.parts, usersMap)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for username, raw := range users {
		user, err := store.Decode[models.User](raw)
		if err != nil {
			log.Printf("[rooms] Skipping corrupt user record '%s': %v", username, err)
			continue
		}
		if !user.InRoom || user.RoomID == "" {
			continue
		}

		room, _, err := s.getRoom(ctx, user.RoomID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("[rooms] Reconcile could not read room '%s': %v", user.RoomID, err)
			continue
		}
		if err == nil && room.HasUser(username) {
			continue
		}

		if err := s.returnToLobby(ctx, user, raw); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				log.Printf("[rooms] Reconcile failed for '%s': %v", username, err)
			}
			continue
		}
		log.Printf("[rooms] Reconciled '%s' back to the lobby (room '%s' gone)", username, user.RoomID)
		repaired++
	}
	return repaired, nil
}

func (s *RoomService) reconcileRooms(ctx context.Context) (int, error) {
	rooms, err := store.ListAll(ctx, s.store, s.parts, roomsMap)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-roomSettleTime)
	repaired := 0
	for roomID, raw := range rooms {
		room, err := store.Decode[models.ChatRoom](raw)
		if err != nil {
			log.Printf("[rooms] Skipping corrupt room record '%s': %v", roomID, err)
			continue
		}
		if room.CreatedAt.After(cutoff) {
			continue
		}

		for _, username := range room.Users {
			user, _, err := s.getUser(ctx, username)
			if err != nil && !errors.Is(err, ErrNotFound) {
				log.Printf("[rooms] Reconcile could not read user '%s': %v", username, err)
				continue
			}
			if err == nil && user.InRoom && user.RoomID == roomID {
				continue
			}

			if err := s.removeMember(ctx, username, roomID); err != nil {
				log.Printf("[rooms] Reconcile failed to drop '%s' from room '%s': %v", username, roomID, err)
				continue
			}
			log.Printf("[rooms] Reconciled room '%s', dropped '%s' who is no longer in it", roomID, username)
			repaired++
		}
	}
	return repaired, nil
}

// retryOnConflict re-runs fn while it fails with store.ErrConflict.
func retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < maxCASAttempts; i++ {
		err = fn()
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxCASAttempts, err)
}
