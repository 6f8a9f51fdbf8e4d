// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed field validation.
var ErrValidation = errors.New("validation failed")

// ErrNoAgentAvailable indicates matching found zero candidate agents.
// Dispatch treats this as retryable, not fatal.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrAssignmentTimeout indicates an agent accepted a task but never
// returned a result before the assignment expired.
var ErrAssignmentTimeout = errors.New("assignment timed out")

// ErrAgentDisconnected indicates a send failed because the agent's
// connection dropped mid-flight.
var ErrAgentDisconnected = errors.New("agent disconnected")

// ErrAgentUnresponsive indicates an agent holds a live connection but
// did not acknowledge a request within the retry budget.
var ErrAgentUnresponsive = errors.New("agent unresponsive")

// ErrAgentFailure indicates an agent accepted a task and reported an
// execution failure. Each occurrence burns one attempt.
var ErrAgentFailure = errors.New("agent reported failure")

// ErrBadStrategyPayload indicates a malformed pipeline or parallel task
// payload. Never retried.
var ErrBadStrategyPayload = errors.New("malformed strategy payload")

// Retryable reports whether a dispatch attempt that failed with err is
// worth retrying against another agent or at a later time.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoAgentAvailable) ||
		errors.Is(err, ErrAssignmentTimeout) ||
		errors.Is(err, ErrAgentDisconnected) ||
		errors.Is(err, ErrAgentUnresponsive) ||
		errors.Is(err, ErrAgentFailure)
}
