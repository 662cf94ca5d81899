package services

import "errors"

var (
	// ErrNotFound is returned for unknown users, rooms or pending requests.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when a user is not a member of the room.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict is returned when the requester already has a pending request.
	ErrConflict = errors.New("pending request exists")
	// ErrUnavailable is returned when a user cannot be paired right now.
	ErrUnavailable = errors.New("user not available")
	// ErrAlreadyPresent is returned by AddUser when the username is taken.
	ErrAlreadyPresent = errors.New("user already present")
	// ErrInvalidUsername is returned when a username fails validation.
	ErrInvalidUsername = errors.New("invalid username")
)
