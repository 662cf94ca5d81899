// Package fanout replicates outbound socket events to every server instance.
// Each instance publishes once and receives everything published, including
// its own events, then delivers locally to the sockets an envelope addresses.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pairchat-backend/internal/models"
)

// Scope selects which local sockets receive an envelope.
type Scope string

const (
	// ScopeAll addresses every socket on every instance.
	ScopeAll Scope = "all"
	// ScopeRoom addresses sockets joined to Target.
	ScopeRoom Scope = "room"
	// ScopeUser addresses sockets registered under the username Target.
	ScopeUser Scope = "user"
)

var ErrClosed = errors.New("fanout: bus closed")

// Envelope is one broadcast as it travels between instances.
type Envelope struct {
	Origin   string           `json:"origin"`
	Scope    Scope            `json:"scope"`
	Target   string           `json:"target,omitempty"`
	SkipConn string           `json:"skip_conn,omitempty"`
	Message  models.WSMessage `json:"message"`
}

// Handler receives envelopes. It runs on the bus's delivery goroutine.
type Handler func(Envelope)

// Bus publishes envelopes to all instances and delivers every envelope to
// the subscribed handlers. Delivery is at-least-once and unordered across
// instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h until ctx is done or the bus is closed.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
