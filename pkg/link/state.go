package link

import (
	"time"

	"github.com/google/uuid"
)

// State is the supervisor's view of its control socket.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time snapshot of one supervisor.
type Status struct {
	ID    uuid.UUID `json:"id"`
	URL   string    `json:"url"`
	State State     `json:"state"`
	Since time.Time `json:"since"` // last state change
}

func (s Status) Connected() bool { return s.State == StateConnected }
