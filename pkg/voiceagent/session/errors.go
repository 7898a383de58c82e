package session

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindCredentialFailure          ErrorKind = "credential_failure"
	KindSignalingFailure           ErrorKind = "signaling_failure"
	KindMediaFailure               ErrorKind = "media_failure"
	KindAgentStartTimeout          ErrorKind = "agent_start_timeout"
	KindAgentStartCapacityExceeded ErrorKind = "agent_start_capacity_exceeded"
	KindAgentStartFailure          ErrorKind = "agent_start_failure"
	KindHeartbeatExhausted         ErrorKind = "heartbeat_exhausted"
	KindTransportDisconnected      ErrorKind = "transport_disconnected"
	KindAgentError                 ErrorKind = "agent_error"
)

var (
	ErrNotRunning = errors.New("session: no running session")
	ErrClosed     = errors.New("session: orchestrator stopped")
	ErrInvalid    = errors.New("session: invalid request")
)

// SessionError is a terminal failure of one start attempt or running
// session. The session is in StateError and fully torn down when it is
// reported.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *SessionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Retryable reports whether calling StartSession again is worthwhile. A
// capacity refusal is not: the caller should offer the manual path instead.
func (e *SessionError) Retryable() bool {
	return e != nil && e.Kind != KindAgentStartCapacityExceeded
}

func newError(kind ErrorKind, message string, err error) *SessionError {
	return &SessionError{Kind: kind, Message: message, Err: err}
}
