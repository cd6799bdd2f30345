// Copyright 2023 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package util contains general purpose utilities
package util

import (
	"context"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the minimum of a and b
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the maximum of a and b
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Clamp restricts the value to the range [lo, hi]
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	return Max(lo, Min(hi, v))
}

// Backoff bounds the wait between attempts of a retried operation
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// next doubles the previous sleep, staying within [Min, Max]
func (b Backoff) next(prev time.Duration) time.Duration {
	return Clamp(prev*2, b.Min, b.Max)
}

// Retry repeatedly calls fun until it succeeds, the context is done, or
// attempts calls have failed (attempts <= 0 means no limit). The last
// error from fun is returned when attempts run out.
func Retry(ctx context.Context, b Backoff, attempts int, fun func() error) error {
	_, err := RetryValue(ctx, b, attempts, func() (struct{}, error) { return struct{}{}, fun() })
	return err
}

// RetryValue is like Retry but for functions that produce a value
func RetryValue[T any](ctx context.Context, b Backoff, attempts int, fun func() (T, error)) (T, error) {
	var (
		res   T
		err   error
		sleep time.Duration
	)
	for i := 0; attempts <= 0 || i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return res, err
			case <-time.After(sleep):
			}
		} else if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res, err = fun(); err == nil {
			return res, nil
		}
		sleep = b.next(sleep)
	}
	return res, err
}
