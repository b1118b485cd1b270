package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the session is absent or already past its expiry.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition means the requested edge is not in the state graph.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrAlreadyRouted means a routing decision was already recorded.
	ErrAlreadyRouted = errors.New("session already routed")

	// ErrClarificationClosed means the attempt counter cannot grow in the current state.
	ErrClarificationClosed = errors.New("clarification not accepted in current state")
)

// TransitionError carries the rejected edge.
type TransitionError struct {
	SessionID string
	From      State
	To        State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot transition from %s to %s", e.SessionID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
