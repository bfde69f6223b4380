package session

import "errors"

// Sentinel errors for the session engine. Callers match them with
// errors.Is; most are wrapped with per-operation detail.
var (
	// ErrCreationFailed means the creator process exited non-zero or
	// could not be started at all.
	ErrCreationFailed = errors.New("session creation failed")
	// ErrAttachFailed means the attacher could not connect to the
	// session daemon.
	ErrAttachFailed = errors.New("session attach failed")
	// ErrSessionNotFound means the operation referenced an unknown or
	// already-exited session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyActive means create was called for an id whose daemon
	// is still live.
	ErrAlreadyActive = errors.New("session already active")
	// ErrWriteFailed means input was routed to a dead attacher.
	ErrWriteFailed = errors.New("session write failed")
	// ErrTimeout means creation or attach exceeded its bound.
	ErrTimeout = errors.New("session operation timed out")
)
