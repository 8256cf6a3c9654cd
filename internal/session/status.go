package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of the streaming session.
type Status int32

const (
	// StatusDisconnected is the initial and terminal state.
	StatusDisconnected Status = iota
	// StatusConnecting means devices and transport are being acquired or
	// the transport has not acknowledged the session yet.
	StatusConnecting
	// StatusConnected means audio flows in both directions.
	StatusConnected
	// StatusError means the last session ended with a fatal error. The next
	// Connect is always accepted.
	StatusError
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusError:        "error",
}

// String returns the lower-case name of s.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int32(s))
	}
	return statusNames[s]
}

// Active reports whether a session holds the devices in state s.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown status %q", b)
}

// Volume is the pair of meter values shown to the user, both in [0, 1].
type Volume struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Snapshot is an immutable view of the session state.
type Snapshot struct {
	Status    Status    `json:"status"`
	Volume    Volume    `json:"volume"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Error     string    `json:"error,omitempty"`
}
