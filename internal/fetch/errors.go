// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies fetch failures. The retry loop, the dispatcher, and
// job reports all branch on the kind, never on error strings.
type ErrorKind string

const (
	// KindTransient covers network errors, 5xx responses, and timeouts.
	// Retried with backoff. A timeout counts double against the retry budget.
	KindTransient ErrorKind = "transient"

	// KindBlocked covers 403s, CAPTCHA challenges that could not be solved,
	// and block-page detections. Not retried on the same proxy identity.
	KindBlocked ErrorKind = "blocked"

	// KindRateLimited covers 429 and 503 responses. Triggers multiplicative
	// rate decrease on the host bucket before retrying.
	KindRateLimited ErrorKind = "rate_limited"

	// KindNotFound covers 404/410. Never retried.
	KindNotFound ErrorKind = "not_found"

	// KindMalformed covers pages that fetched fine but failed to parse.
	// Never retried; recorded in the job report.
	KindMalformed ErrorKind = "malformed"

	// KindDeadlineExceeded means the request-level hard deadline fired.
	// Never retried.
	KindDeadlineExceeded ErrorKind = "deadline_exceeded"

	// KindCancelled means the caller cancelled the context.
	KindCancelled ErrorKind = "cancelled"

	// KindUnsolvable means the CAPTCHA oracle returned an answer below the
	// confidence threshold or declined outright.
	KindUnsolvable ErrorKind = "unsolvable"
)

// Error is the fetch substrate's error type. It carries the classification
// plus whatever the handler needs to react: status code, host, and the
// server-requested cooldown if a Retry-After header was present.
type Error struct {
	Kind       ErrorKind
	Host       string
	URL        string
	StatusCode int

	// RetryAfter is the server-requested cooldown from a Retry-After
	// header; zero when absent.
	RetryAfter time.Duration

	// Timeout marks transient failures caused by a per-request timeout.
	// Timeouts consume two retry budget units.
	Timeout bool

	// Body holds the response body of a blocked response, so the client
	// can look for an embedded CAPTCHA challenge.
	Body []byte

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the retry loop may attempt this fetch again.
// Blocked errors are retryable only through proxy rotation, which the
// client decides; at this level they count as retryable.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindBlocked:
		return true
	default:
		return false
	}
}

// BudgetCost is how many retry budget units this failure consumes.
func (e *Error) BudgetCost() int {
	if e.Timeout {
		return 2
	}
	return 1
}

// KindOf extracts the ErrorKind from any error. Non-fetch errors classify
// as transient.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// newError is a convenience constructor used throughout the package.
func newError(kind ErrorKind, host, url string, status int, err error) *Error {
	return &Error{Kind: kind, Host: host, URL: url, StatusCode: status, Err: err}
}
