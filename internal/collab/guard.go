package collab

import (
	"context"
	"fmt"
)

type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout runs a collaborator call so that a hang becomes a TIMEOUT
// error and a panic becomes an ordinary error. The call keeps running in the
// background after a timeout; its result is discarded.
func callWithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult[T]{err: fmt.Errorf("collaborator panic: %v", rec)}
			}
		}()
		value, err := fn(ctx)
		done <- callResult[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, newError(CodeTimeout, "collaborator did not respond in time", ctx.Err())
	}
}
