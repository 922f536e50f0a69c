package domain

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of a watch session handle.
type SessionState string

const (
	StateUnvalidated      SessionState = "unvalidated"
	StateValidating       SessionState = "validating"
	StateConnected        SessionState = "connected"
	StateValidationFailed SessionState = "validation_failed"
	StateDisconnected     SessionState = "disconnected"
)

// Terminal states never transition again; a new connect produces a new handle.
var sessionTransitions = map[SessionState][]SessionState{
	StateUnvalidated: {StateValidating},
	StateValidating:  {StateConnected, StateValidationFailed},
	StateConnected:   {StateDisconnected},
}

// WatchSession is one external account's stored credential plus its
// monitoring lifecycle. The credential blob is opaque: it is handed to the
// stream transport unexamined.
type WatchSession struct {
	ID         string
	OwnerID    string
	Name       string
	Credential string
	Active     bool
	State      SessionState
	CreatedAt  time.Time
}

// SessionKey identifies a session within the active registry.
type SessionKey struct {
	OwnerID   string
	SessionID string
}

func (k SessionKey) String() string {
	return k.OwnerID + "/" + k.SessionID
}

// Key returns the registry key for this session.
func (s *WatchSession) Key() SessionKey {
	return SessionKey{OwnerID: s.OwnerID, SessionID: s.ID}
}

// Transition moves the session to the next lifecycle state, rejecting
// transitions the state machine does not allow.
func (s *WatchSession) Transition(next SessionState) error {
	for _, allowed := range sessionTransitions[s.State] {
		if allowed == next {
			s.State = next
			return nil
		}
	}
	return fmt.Errorf("invalid session state transition %s -> %s", s.State, next)
}

// Identity is what a successful credential probe reports back.
type Identity struct {
	Handle string
}
