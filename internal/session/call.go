package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errCallTimeout marks a collaborator call that exceeded the per-call bound.
var errCallTimeout = errors.New("call timed out")

// call runs fn with a per-call deadline. fn runs on its own goroutine so a
// collaborator that ignores its context cannot hold the session past the
// deadline; the buffered channel lets that goroutine finish and exit.
//
// When the session context is canceled call returns ctx.Err(). When only the
// per-call deadline fired it returns an error wrapping errCallTimeout.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			if errors.Is(r.err, context.DeadlineExceeded) && cctx.Err() != nil {
				return zero, fmt.Errorf("%w after %s", errCallTimeout, timeout)
			}
		}
		return r.v, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", errCallTimeout, timeout)
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, errCallTimeout)
}
