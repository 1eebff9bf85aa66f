// Package jobs holds the per-attempt cancellation token and the registry that
// lets callers stop an attempt they do not own.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Cancellation causes reported by Token.Cause.
var (
	ErrStopped    = errors.New("jobs: stopped")
	ErrTimedOut   = errors.New("jobs: timed out")
	ErrSuperseded = errors.New("jobs: superseded")

	errDisposed = errors.New("jobs: disposed")
)

type tokenState int

const (
	tokenActive tokenState = iota
	tokenCancelled
	tokenCompleted
)

// Token is a cancellable handle for one attempt with a hard deadline. The
// owner must call Dispose exactly once when the attempt concludes; other call
// sites may Cancel it at any time.
type Token struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	deadline time.Time

	mu       sync.Mutex
	timer    *time.Timer
	state    tokenState
	cause    error
	disposed bool
}

// NewToken returns an active token that cancels itself with ErrTimedOut once
// timeout elapses, unless it is disposed first. Cancelling parent cancels the
// token as well.
func NewToken(parent context.Context, timeout time.Duration) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{
		ctx:      ctx,
		cancel:   cancel,
		deadline: time.Now().Add(timeout),
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(timeout, func() { t.CancelWithCause(ErrTimedOut) })
	t.mu.Unlock()
	return t
}

// Context is cancelled together with the token. Pass it to every blocking call
// made on behalf of the attempt.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Deadline is the absolute time at which the token cancels itself.
func (t *Token) Deadline() time.Time {
	return t.deadline
}

// Cancel marks the token cancelled with ErrStopped. It is a no-op when the
// token is already cancelled or completed.
func (t *Token) Cancel() {
	t.CancelWithCause(ErrStopped)
}

// CancelWithCause is Cancel with an explicit reason.
func (t *Token) CancelWithCause(cause error) {
	if cause == nil {
		cause = ErrStopped
	}
	t.mu.Lock()
	if t.state != tokenActive {
		t.mu.Unlock()
		return
	}
	t.state = tokenCancelled
	t.cause = cause
	t.timer.Stop()
	t.mu.Unlock()
	t.cancel(cause)
}

// Cancelled reports whether the token was cancelled, either directly, by its
// deadline, or through its parent context.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncParentLocked()
	return t.state == tokenCancelled
}

// Cause returns the cancellation reason, or nil when the token was not cancelled.
func (t *Token) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.syncParentLocked()
	if t.state != tokenCancelled {
		return nil
	}
	return t.cause
}

// Dispose stops the deadline timer and releases the context. A token that was
// still active becomes completed, so later Cancel calls do nothing.
func (t *Token) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.syncParentLocked()
	t.disposed = true
	t.timer.Stop()
	if t.state == tokenActive {
		t.state = tokenCompleted
	}
	t.mu.Unlock()
	t.cancel(errDisposed)
}

// syncParentLocked promotes a parent cancellation into the token state.
func (t *Token) syncParentLocked() {
	if t.state != tokenActive || t.disposed {
		return
	}
	if t.ctx.Err() == nil {
		return
	}
	t.state = tokenCancelled
	t.cause = context.Cause(t.ctx)
	t.timer.Stop()
}
