package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/kitamura-tetsuo/outliner-gateway/pkg/transport"
)

// State is a session's position in its lifecycle. CLOSED is terminal and
// reachable from every prior state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateAdmitted
	StateActive
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateAdmitted:
		return "ADMITTED"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the registry's record of one client connection. All fields
// beyond the identifiers are mutated only by the Registry with its lock
// held.
type Session struct {
	ID         uuid.UUID
	SourceAddr string

	UserID           string
	Room             string
	ConnectedAt      time.Time
	CredentialExpiry time.Time

	state          State
	lastActivityAt time.Time
	conn           *transport.Connection
	// counted marks that this session incremented the room and address
	// quota counters; release decrements them exactly once.
	counted bool
}

// snapshot copies the session's observable state. Called with the registry
// lock held.
func (s *Session) snapshot() SessionInfo {
	return SessionInfo{
		ID:             s.ID,
		UserID:         s.UserID,
		Room:           s.Room,
		SourceAddr:     s.SourceAddr,
		State:          s.state,
		ConnectedAt:    s.ConnectedAt,
		LastActivityAt: s.lastActivityAt,
	}
}

// SessionInfo is an immutable copy of a session's observable state.
type SessionInfo struct {
	ID             uuid.UUID
	UserID         string
	Room           string
	SourceAddr     string
	State          State
	ConnectedAt    time.Time
	LastActivityAt time.Time
}
