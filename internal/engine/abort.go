package engine

import (
	"context"
	"errors"
	"time"
)

// abortReason values passed as cancellation causes.
var (
	// ErrClientClosed marks turns aborted by the client socket closing.
	ErrClientClosed = errors.New("client closed connection")

	// ErrTurnTimeout marks turns aborted by the per-turn deadline.
	ErrTurnTimeout = errors.New("turn timeout")

	// ErrUpstreamFailed marks turns aborted by a hard upstream error.
	ErrUpstreamFailed = errors.New("upstream failed")
)

// AbortCoordinator fans client close, upstream hard errors, and the optional
// per-turn timeout into one cancellation signal shared by the HTTP client,
// the orchestrator, and the multiplexer.
type AbortCoordinator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// NewAbortCoordinator derives the turn context from parent. When timeout is
// positive the turn is aborted after it elapses. The parent is normally the
// HTTP request context, so a client disconnect cancels the turn through it.
func NewAbortCoordinator(parent context.Context, timeout time.Duration) *AbortCoordinator {
	ctx, cancel := context.WithCancelCause(parent)
	a := &AbortCoordinator{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		a.timer = time.AfterFunc(timeout, func() {
			cancel(ErrTurnTimeout)
		})
	}
	return a
}

// Context returns the turn context checked at every state transition.
func (a *AbortCoordinator) Context() context.Context {
	return a.ctx
}

// Abort cancels the turn with the given cause. The first cause wins.
func (a *AbortCoordinator) Abort(cause error) {
	a.cancel(cause)
}

// Aborted reports whether the turn has been cancelled.
func (a *AbortCoordinator) Aborted() bool {
	return a.ctx.Err() != nil
}

// Cause returns the cancellation cause, or nil while the turn is live.
func (a *AbortCoordinator) Cause() error {
	if a.ctx.Err() == nil {
		return nil
	}
	return context.Cause(a.ctx)
}

// Release stops the timeout timer and cancels the context. Call when the
// turn completes to free the parent's resources.
func (a *AbortCoordinator) Release() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.cancel(nil)
}
