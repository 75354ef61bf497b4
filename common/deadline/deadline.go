// Package deadline runs an operation against a hard timeout.
//
// Run starts the operation in its own goroutine with a derived context and
// waits for whichever settles first: the operation or the timer. The
// operation's result is delivered through a buffered channel, so a result
// that arrives after the deadline is dropped without blocking the goroutine
// that produced it.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when the deadline fires before the operation
// completes.
var ErrTimeout = errors.New("deadline: operation timed out")

type outcome[T any] struct {
	val T
	err error
}

// Run executes op with a deadline of d. When d <= 0 the operation runs
// without an additional timeout (the parent context still applies).
//
// If the parent context is cancelled first, its error is returned instead of
// ErrTimeout. A panic inside op is converted into an error.
func Run[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	var (
		opCtx  context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		opCtx, cancel = context.WithTimeout(ctx, d)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	ch := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome[T]{err: fmt.Errorf("deadline: operation panicked: %v", r)}
			}
		}()
		v, err := op(opCtx)
		ch <- outcome[T]{val: v, err: err}
	}()

	select {
	case res := <-ch:
		return res.val, res.err
	case <-opCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, ErrTimeout
	}
}
