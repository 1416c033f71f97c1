/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sfu

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type callResult[T any] struct {
	value T
	err   error
}

// callEngine runs fn with a deadline of timeout. A failure or panic of fn and
// the expiry of the deadline are returned as EngineError. When the deadline
// expires first, a later successful result is handed to abandon so it can be
// released.
func callEngine[T any](ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) (T, error), abandon func(T)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	resultCh := make(chan callResult[T], 1)
	go func() {
		var result callResult[T]
		defer func() {
			if r := recover(); r != nil {
				result = callResult[T]{err: fmt.Errorf("%s panicked: %v", op, r)}
			}
			resultCh <- result
		}()
		result.value, result.err = fn(ctx)
	}()

	var zero T
	select {
	case result := <-resultCh:
		cancel()
		if result.err != nil {
			return zero, &EngineError{Op: op, Err: result.err}
		}
		return result.value, nil

	case <-ctx.Done():
		err := ctx.Err()
		go func() {
			defer cancel()
			result := <-resultCh
			if result.err == nil && abandon != nil {
				abandon(result.value)
			}
		}()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %v", op, timeout)
		} else {
			err = fmt.Errorf("%s aborted: %w", op, err)
		}
		return zero, &EngineError{Op: op, Err: err}
	}
}

// callEngineErr is callEngine for operations without a result.
func callEngineErr(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context) error) error {
	_, err := callEngine(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}
