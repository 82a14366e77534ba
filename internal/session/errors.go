// ABOUTME: Typed errors surfaced by the session client.
// ABOUTME: Callers branch with errors.As; messages are user-presentable.

package session

import (
	"errors"
	"fmt"
	"time"
)

// errNoSession is wrapped by MessageSendError when Send is called before
// Start (or after End).
var errNoSession = errors.New("no active session")

// ValidationError reports malformed caller input (empty message content).
// Never retried automatically.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// RateLimitedError reports that a send was rejected by the client-side
// throttle. RetryAfter is the suggested wait before retrying. No network
// call was made.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("sending too fast: retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// SessionCreationError reports a failed session-creation call, carrying the
// server-provided message when one was returned.
type SessionCreationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *SessionCreationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("creating session: %s (status %d)", e.Message, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("creating session: %v", e.Err)
	}
	return fmt.Sprintf("creating session: status %d", e.StatusCode)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// MessageSendError reports a failed message delivery. The optimistic local
// message is left in the transcript with an error status.
type MessageSendError struct {
	MessageID  string
	StatusCode int
	Err        error
}

func (e *MessageSendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sending message: %v", e.Err)
	}
	return fmt.Sprintf("sending message: status %d", e.StatusCode)
}

func (e *MessageSendError) Unwrap() error { return e.Err }
