// Package relay orchestrates a conversation turn: batching pending messages
// under the session lock, assembling context from history and hybrid search,
// invoking the reply backend, and persisting the outcome.
package relay

import (
	"context"
	"errors"
	"time"
)

// Typed backend failures. Runner implementations return these (wrapped) so
// callers can distinguish failure classes with errors.Is.
var (
	// ErrBackendTimeout means the backend did not finish within the
	// request's timeout.
	ErrBackendTimeout = errors.New("backend timed out")

	// ErrBackendExit means the backend terminated abnormally.
	ErrBackendExit = errors.New("backend exited abnormally")

	// ErrMalformedOutput means the backend produced output that could not
	// be parsed into a Response.
	ErrMalformedOutput = errors.New("malformed backend output")
)

// Request is one backend invocation.
type Request struct {
	// Prompt is the fully assembled prompt text.
	Prompt string
	// Resume asks the backend to continue the conversation identified by
	// SessionID instead of starting fresh.
	Resume bool
	// SessionID is the backend's own session identifier, when resuming.
	SessionID string
	// Timeout bounds the invocation. Zero means no bound beyond ctx.
	Timeout time.Duration
	// OnProgress, when non-nil, receives streamed output fragments as the
	// backend produces them.
	OnProgress func(text string)
}

// Response is a completed backend invocation.
type Response struct {
	// Text is the assistant reply.
	Text string
	// SessionID is the backend session to resume next time, if any.
	SessionID string
}

// Runner invokes the external reply backend. Implementations must honor
// ctx cancellation and Request.Timeout, and should classify failures with
// the package's sentinel errors.
type Runner interface {
	Run(ctx context.Context, req Request) (Response, error)
}
