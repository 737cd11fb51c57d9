package modhost

import (
	"context"
	"fmt"
	"time"
)

type hookResult[T any] struct {
	value T
	err   error
}

// runHook runs a module hook with panic recovery and, when timeout > 0, a
// deadline. A hook that ignores its context keeps running in the background
// after the deadline; only the caller is released.
func runHook[T any](ctx context.Context, timeout time.Duration, hook func(context.Context) (T, error)) (T, error) {
	value, _, err := startHook(ctx, timeout, hook)
	return value, err
}

// startHook is runHook that also hands back the abandoned hook on timeout.
// late is nil unless the deadline passed; it then receives the hook's result
// once the hook returns.
func startHook[T any](ctx context.Context, timeout time.Duration, hook func(context.Context) (T, error)) (value T, late <-chan hookResult[T], err error) {
	if timeout <= 0 {
		value, err = callHook(ctx, hook)
		return value, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan hookResult[T], 1)
	go func() {
		value, err := callHook(ctx, hook)
		done <- hookResult[T]{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, nil, r.err
	case <-ctx.Done():
		var zero T
		return zero, done, fmt.Errorf("%w after %s: %w", ErrHookTimeout, timeout, ctx.Err())
	}
}

func callHook[T any](ctx context.Context, hook func(context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHookPanic, r)
		}
	}()
	return hook(ctx)
}

// runVoidHook adapts hooks without a result to runHook.
func runVoidHook(ctx context.Context, timeout time.Duration, hook func(context.Context) error) error {
	_, err := runHook(ctx, timeout, voidHook(hook))
	return err
}

// startVoidHook adapts hooks without a result to startHook.
func startVoidHook(ctx context.Context, timeout time.Duration, hook func(context.Context) error) (<-chan hookResult[struct{}], error) {
	_, late, err := startHook(ctx, timeout, voidHook(hook))
	return late, err
}

func voidHook(hook func(context.Context) error) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, hook(ctx)
	}
}
