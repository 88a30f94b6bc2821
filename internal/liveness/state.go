package liveness

import (
	"errors"
	"fmt"
	"regexp"
)

const RoleStudent = "student"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrDisconnected    = errors.New("connection disconnected")
)

type State int

const (
	Idle State = iota
	Watching
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Identity is asserted by the client when it starts watching an event.
type Identity struct {
	EventId string
	UserId  string
	Role    string
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidId reports whether s is usable as an event or user id.
func ValidId(s string) bool {
	return idPattern.MatchString(s)
}

func ValidateIdentity(id Identity) error {
	if !idPattern.MatchString(id.EventId) {
		return fmt.Errorf("%w: event id %q", ErrInvalidIdentity, id.EventId)
	}
	if !idPattern.MatchString(id.UserId) {
		return fmt.Errorf("%w: user id %q", ErrInvalidIdentity, id.UserId)
	}
	return nil
}

// ConnectionState is what one connection is currently watching. Tracked is
// set only for student joins, which are the only ones counted as viewers.
type ConnectionState struct {
	State   State
	EventId string
	UserId  string
	Role    string
	Tracked bool
}
