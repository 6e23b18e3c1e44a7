package realtime

import (
	"fmt"
	"time"
)

// State is the single authoritative connection state of a client session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureKind explains why the manager gave up.
type FailureKind int

const (
	// FailureRejected means the relay closed with a non-retryable code.
	FailureRejected FailureKind = iota + 1
	// FailureExhausted means the retry budget ran out.
	FailureExhausted
)

// Failure describes a transition into StateFailed.
type Failure struct {
	Kind   FailureKind
	Code   int
	Reason string
}

func (f *Failure) Error() string {
	switch f.Kind {
	case FailureExhausted:
		return fmt.Sprintf("reconnect attempts exhausted (last close %d %q)", f.Code, f.Reason)
	default:
		return fmt.Sprintf("connection rejected with close code %d %q", f.Code, f.Reason)
	}
}

// Unwrap lets errors.Is match ErrRetriesExhausted.
func (f *Failure) Unwrap() error {
	if f.Kind == FailureExhausted {
		return ErrRetriesExhausted
	}
	return nil
}

// Auth reports whether the relay refused the credential. Callers should
// re-authenticate instead of retrying.
func (f *Failure) Auth() bool {
	if f == nil || f.Kind != FailureRejected {
		return false
	}
	return f.Code == CloseUnauthorized || f.Code == ClosePolicyViolation
}

// StateChange is emitted on every transition of the connection state.
type StateChange struct {
	From    State
	To      State
	Attempt int
	// Delay is the backoff before the next attempt, set when To is StateReconnecting.
	Delay time.Duration
	// Code and Reason describe the close that caused the transition, if any.
	Code    int
	Reason  string
	Failure *Failure
}
