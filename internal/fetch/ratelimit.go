// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/segue/internal/metrics"
)

// hostLimiter is the adaptive token bucket for a single host. The rate
// decreases multiplicatively on 429/503 and climbs back toward the initial
// rate after a window of consecutive successes.
type hostLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	initialRate    float64
	decreaseFactor float64
	recoveryWindow int

	currentRate float64
	successes   int

	// cooldownUntil blocks all requests until the server-requested
	// Retry-After expires.
	cooldownUntil time.Time
}

// hostRates manages one adaptive limiter per host.
type hostRates struct {
	mu       sync.Mutex
	limiters map[string]*hostLimiter

	initialRate    float64
	decreaseFactor float64
	recoveryWindow int
}

func newHostRates(initialRate, decreaseFactor float64, recoveryWindow int) *hostRates {
	return &hostRates{
		limiters:       make(map[string]*hostLimiter),
		initialRate:    initialRate,
		decreaseFactor: decreaseFactor,
		recoveryWindow: recoveryWindow,
	}
}

func (hr *hostRates) forHost(host string) *hostLimiter {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hl, ok := hr.limiters[host]
	if !ok {
		hl = &hostLimiter{
			limiter:        rate.NewLimiter(rate.Limit(hr.initialRate), 1),
			initialRate:    hr.initialRate,
			decreaseFactor: hr.decreaseFactor,
			recoveryWindow: hr.recoveryWindow,
			currentRate:    hr.initialRate,
		}
		hr.limiters[host] = hl
		metrics.FetchHostRate.WithLabelValues(host).Set(hr.initialRate)
	}
	return hl
}

// wait blocks until the host's bucket grants a token and any active cooldown
// has expired. Returns the context's error if it is done first.
func (hr *hostRates) wait(ctx context.Context, host string) error {
	hl := hr.forHost(host)

	hl.mu.Lock()
	cooldown := time.Until(hl.cooldownUntil)
	hl.mu.Unlock()

	if cooldown > 0 {
		t := time.NewTimer(cooldown)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return hl.limiter.Wait(ctx)
}

// onSuccess records a successful response. After recoveryWindow consecutive
// successes the rate doubles, capped at the initial rate.
func (hr *hostRates) onSuccess(host string) {
	hl := hr.forHost(host)
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.successes++
	if hl.successes < hl.recoveryWindow || hl.currentRate >= hl.initialRate {
		return
	}
	hl.successes = 0
	hl.currentRate *= 2
	if hl.currentRate > hl.initialRate {
		hl.currentRate = hl.initialRate
	}
	hl.limiter.SetLimit(rate.Limit(hl.currentRate))
	metrics.FetchHostRate.WithLabelValues(host).Set(hl.currentRate)
}

// onRateLimited applies the multiplicative decrease and, when the server
// sent Retry-After, a hard cooldown during which no request goes out.
func (hr *hostRates) onRateLimited(host string, retryAfter time.Duration) {
	hl := hr.forHost(host)
	hl.mu.Lock()
	defer hl.mu.Unlock()

	hl.successes = 0
	hl.currentRate *= hl.decreaseFactor
	hl.limiter.SetLimit(rate.Limit(hl.currentRate))
	metrics.FetchHostRate.WithLabelValues(host).Set(hl.currentRate)

	if retryAfter > 0 {
		until := time.Now().Add(retryAfter)
		if until.After(hl.cooldownUntil) {
			hl.cooldownUntil = until
		}
	}
}

// averageRate reports the mean current rate across all hosts seen so far.
// With no hosts yet it reports the configured initial rate.
func (hr *hostRates) averageRate() float64 {
	hr.mu.Lock()
	limiters := make([]*hostLimiter, 0, len(hr.limiters))
	for _, hl := range hr.limiters {
		limiters = append(limiters, hl)
	}
	hr.mu.Unlock()

	if len(limiters) == 0 {
		return hr.initialRate
	}
	var sum float64
	for _, hl := range limiters {
		hl.mu.Lock()
		sum += hl.currentRate
		hl.mu.Unlock()
	}
	return sum / float64(len(limiters))
}

// currentRate reports the host's current requests/second, for stats.
func (hr *hostRates) rateFor(host string) float64 {
	hl := hr.forHost(host)
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return hl.currentRate
}
