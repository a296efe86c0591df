// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// retryPolicy implements exponential backoff with jitter against a retry
// budget. Timeouts cost two units of budget; other retryable failures one.
type retryPolicy struct {
	maxBudget int
	baseDelay time.Duration
	jitter    time.Duration
	maxDelay  time.Duration
}

// backoff computes the delay before the given attempt (0-based). The server
// may override the computed delay with a longer Retry-After.
func (rp retryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := rp.baseDelay << attempt
	if d > rp.maxDelay || d <= 0 {
		d = rp.maxDelay
	}
	if rp.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(rp.jitter)))
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

// do runs fn until it succeeds, the budget runs out, or ctx is done.
// fn receives the 0-based attempt number. The last error is returned when
// the budget is exhausted.
func (rp retryPolicy) do(ctx context.Context, fn func(attempt int) error) error {
	budget := rp.maxBudget
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}

		var fe *Error
		if !errors.As(lastErr, &fe) || !fe.Retryable() {
			return lastErr
		}

		budget -= fe.BudgetCost()
		if budget < 0 {
			return lastErr
		}

		delay := rp.backoff(attempt, fe.RetryAfter)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &Error{Kind: KindDeadlineExceeded, Host: fe.Host, URL: fe.URL, Err: ctx.Err()}
			}
			return &Error{Kind: KindCancelled, Host: fe.Host, URL: fe.URL, Err: ctx.Err()}
		case <-t.C:
		}
	}
}
