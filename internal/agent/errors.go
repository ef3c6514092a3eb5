package agent

import (
	"errors"
	"fmt"
)

// StartupError means the subprocess never announced a usable base URL or
// exited before doing so.
type StartupError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s startup failed: %s", e.Kind, e.Detail)
}

func (e *StartupError) Unwrap() error { return e.Err }

// AttachKind classifies why attaching to an already-registered agent
// process failed.
type AttachKind string

const (
	// AttachAuth: the health probe was rejected with 401/403. Fatal for
	// this attempt; retrying with the same credentials cannot succeed.
	AttachAuth AttachKind = "auth"
	// AttachEndpointMismatch: 404/405 from the health endpoint; the
	// registered process speaks an incompatible agent version.
	AttachEndpointMismatch AttachKind = "endpoint_mismatch"
	// AttachConnect: connection-level failure; the registered process is
	// gone or wedged and should be terminated and respawned.
	AttachConnect AttachKind = "connect"
)

// AttachError is returned when reusing a registered process fails.
type AttachError struct {
	Kind    AttachKind
	BaseURL string
	Err     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %s: %v", e.BaseURL, e.Kind, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ProtocolError means the agent returned an unparseable or error-shaped
// payload mid-conversation.
type ProtocolError struct {
	Status int
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("agent protocol error (status %d): %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("agent protocol error: %s", e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ErrTurnTimeout is returned when the per-turn deadline elapses.
var ErrTurnTimeout = errors.New("turn timeout")

// ErrDisconnected is surfaced when the agent subprocess dies mid-turn; the
// supervisor marks the handle unstarted so the next acquire reattempts.
var ErrDisconnected = errors.New("app_server_disconnected")
