package services

import "pairchat-backend/internal/store"

// Services bundles the directory, pairing and room services over one store.
type Services struct {
	Presence *PresenceService
	Pairing  *PairingService
	Rooms    *RoomService
}

func New(s store.Store, parts store.Partitioner) *Services {
	rooms := NewRoomService(s, parts)
	pairing := NewPairingService(s, parts, rooms)
	return &Services{
		Presence: NewPresenceService(s, parts, rooms, pairing),
		Pairing:  pairing,
		Rooms:    rooms,
	}
}
