package circuitbreaker

import (
	"context"
	"time"
)

type callResult[T any] struct {
	value T
	err   error
}

// Limit runs fn and waits at most timeout for it to finish.
//
// On expiry the caller gets a *TimeoutError right away; fn keeps running in
// the background and, if it later succeeds, its result is handed to
// discard so resources such as response bodies can be released. A
// non-positive timeout disables the limit.
func Limit[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- callResult[T]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.value, r.err
	case <-timer.C:
		go drain(done, discard)
		return zero, &TimeoutError{Name: name, Timeout: timeout}
	case <-ctx.Done():
		go drain(done, discard)
		return zero, ctx.Err()
	}
}

func drain[T any](done <-chan callResult[T], discard func(T)) {
	r := <-done
	if r.err == nil && discard != nil {
		discard(r.value)
	}
}
