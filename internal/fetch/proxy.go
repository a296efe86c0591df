// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"errors"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/tomtom215/segue/internal/metrics"
)

// ErrNoProxies is returned when every proxy in the pool is parked.
var ErrNoProxies = errors.New("proxy pool exhausted: all proxies parked")

// proxyState tracks one proxy's health. Scores move +1 on success, -1 on
// failure, -2 on a block. A proxy whose score falls below the threshold is
// parked for the cooldown period.
type proxyState struct {
	url   *url.URL
	score int

	parkedUntil time.Time
}

// proxyPool selects proxies by weighted random choice, weighting by health
// score so degraded proxies receive proportionally less traffic before they
// park entirely.
type proxyPool struct {
	mu      sync.Mutex
	proxies []*proxyState

	threshold int
	cooldown  time.Duration
}

// newProxyPool builds a pool from proxy URLs. A nil pool (no URLs) means
// direct connections.
func newProxyPool(urls []string, threshold int, cooldown time.Duration) (*proxyPool, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	pool := &proxyPool{threshold: threshold, cooldown: cooldown}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		pool.proxies = append(pool.proxies, &proxyState{url: u})
	}
	return pool, nil
}

// pick returns a healthy proxy by weighted random selection. Parked proxies
// whose cooldown has expired re-enter rotation at a neutral score.
func (p *proxyPool) pick() (*url.URL, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	parked := 0
	var eligible []*proxyState
	for _, ps := range p.proxies {
		if !ps.parkedUntil.IsZero() {
			if now.Before(ps.parkedUntil) {
				parked++
				continue
			}
			// Cooldown over: probation at neutral score.
			ps.parkedUntil = time.Time{}
			ps.score = 0
		}
		eligible = append(eligible, ps)
	}
	metrics.ProxiesParked.Set(float64(parked))

	if len(eligible) == 0 {
		return nil, ErrNoProxies
	}

	// Weight = score shifted so the worst eligible proxy still gets 1.
	minScore := eligible[0].score
	for _, ps := range eligible[1:] {
		if ps.score < minScore {
			minScore = ps.score
		}
	}
	total := 0
	for _, ps := range eligible {
		total += ps.score - minScore + 1
	}
	n := rand.IntN(total)
	for _, ps := range eligible {
		n -= ps.score - minScore + 1
		if n < 0 {
			return ps.url, nil
		}
	}
	return eligible[len(eligible)-1].url, nil
}

// size reports how many proxies the pool carries. A nil pool means direct
// connections.
func (p *proxyPool) size() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// report adjusts a proxy's score after a request. delta is +1 for success,
// -1 for a generic failure, -2 for a block.
func (p *proxyPool) report(proxyURL *url.URL, delta int) {
	if p == nil || proxyURL == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ps := range p.proxies {
		if ps.url.String() != proxyURL.String() {
			continue
		}
		ps.score += delta
		metrics.ProxyHealthScore.WithLabelValues(ps.url.Host).Set(float64(ps.score))
		if ps.score < p.threshold {
			ps.parkedUntil = time.Now().Add(p.cooldown)
		}
		return
	}
}
