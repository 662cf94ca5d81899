package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"pairchat-backend/internal/models"
	"pairchat-backend/internal/store"
)

// PairingService runs the chat request state machine. A user has at most one
// outgoing request, stored under the requester's name; any number of users may
// target the same user at once.
type PairingService struct {
	state
	rooms *RoomService
}

func NewPairingService(s store.Store, parts store.Partitioner, rooms *RoomService) *PairingService {
	return &PairingService{state: state{store: s, parts: parts}, rooms: rooms}
}

// RequestChat records a pending request from -> to.
//
// ErrNotFound: either user is unknown. ErrConflict: from already has a pending
// request. ErrUnavailable: to is in a room or is from.
func (s *PairingService) RequestChat(ctx context.Context, from, to string) error {
	if _, _, err := s.getUser(ctx, from); err != nil {
		return err
	}
	target, _, err := s.getUser(ctx, to)
	if err != nil {
		return err
	}

	if _, _, err := s.getPending(ctx, from); err == nil {
		return ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if from == to || target.InRoom {
		return ErrUnavailable
	}

	raw, err := store.Encode(models.PendingRequest{FromUsername: from, ToUsername: to})
	if err != nil {
		return err
	}
	key := s.pendingKey(from)
	err = s.store.Exec(ctx, store.ExpectAbsent(key, from), store.HSetOp(key, from, raw))
	if errors.Is(err, store.ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("request chat %s -> %s: %w", from, to, err)
	}

	log.Printf("[pairing] Chat request from '%s' to '%s'", from, to)
	return nil
}

// RespondChat settles the request requester sent to responder. On accept it
// returns the new room; on decline it returns a nil room.
//
// ErrNotFound: no matching pending request, or it was withdrawn concurrently.
// ErrUnavailable: accepted, but one side is already in a room.
func (s *PairingService) RespondChat(ctx context.Context, responder, requester string, accepted bool) (*models.ChatRoom, error) {
	req, raw, err := s.getPending(ctx, requester)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Printf("[pairing] No pending request found from '%s' to '%s'", requester, responder)
		}
		return nil, err
	}
	if req.ToUsername != responder {
		log.Printf("[pairing] No pending request found from '%s' to '%s' (targets '%s')", requester, responder, req.ToUsername)
		return nil, ErrNotFound
	}

	key := s.pendingKey(requester)
	if err := s.store.Exec(ctx, store.Expect(key, requester, raw), store.HDelOp(key, requester)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Printf("[pairing] Request from '%s' to '%s' was withdrawn before the response", requester, responder)
			return nil, ErrNotFound
		}
		return nil, err
	}

	if !accepted {
		log.Printf("[pairing] '%s' declined chat request from '%s'", responder, requester)
		return nil, nil
	}

	room, err := s.rooms.CreateRoom(ctx, requester, responder)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return room, nil
}

// CancelAll deletes every pending request sent by or to username and returns
// what it deleted. Requests replaced concurrently are left alone.
func (s *PairingService) CancelAll(ctx context.Context, username string) ([]models.PendingRequest, error) {
	canceled, err := s.cancelWhere(ctx, func(req models.PendingRequest) bool {
		return req.FromUsername == username || req.ToUsername == username
	})
	if len(canceled) > 0 {
		log.Printf("[pairing] Canceled %d pending request(s) involving '%s'", len(canceled), username)
	}
	return canceled, err
}

// CancelIncoming deletes every pending request aimed at one of usernames,
// freeing the requesters' slots once their targets are taken.
func (s *PairingService) CancelIncoming(ctx context.Context, usernames ...string) ([]models.PendingRequest, error) {
	targets := make(map[string]bool, len(usernames))
	for _, u := range usernames {
		targets[u] = true
	}
	canceled, err := s.cancelWhere(ctx, func(req models.PendingRequest) bool {
		return targets[req.ToUsername]
	})
	if len(canceled) > 0 {
		log.Printf("[pairing] Canceled %d pending request(s) aimed at %v", len(canceled), usernames)
	}
	return canceled, err
}

func (s *PairingService) cancelWhere(ctx context.Context, match func(models.PendingRequest) bool) ([]models.PendingRequest, error) {
	all, err := store.ListAll(ctx, s.store, s.parts, pendingMap)
	if err != nil {
		return nil, err
	}

	var canceled []models.PendingRequest
	for from, raw := range all {
		req, err := store.Decode[models.PendingRequest](raw)
		if err != nil {
			log.Printf("[pairing] Skipping corrupt pending request '%s': %v", from, err)
			continue
		}
		if !match(req) {
			continue
		}

		key := s.pendingKey(from)
		if err := s.store.Exec(ctx, store.Expect(key, from, raw), store.HDelOp(key, from)); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return canceled, err
		}
		canceled = append(canceled, req)
	}

	sort.Slice(canceled, func(i, j int) bool { return canceled[i].FromUsername < canceled[j].FromUsername })
	return canceled, nil
}
