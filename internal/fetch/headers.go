// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"math/rand/v2"
	"net/http"
	"sync"
)

// headerSet is one coherent browser identity: a User-Agent plus the Accept
// headers that browser actually sends. Mixing headers from different
// browsers is a fingerprinting giveaway, so sets are always applied whole.
type headerSet struct {
	userAgent      string
	accept         string
	acceptLanguage string
	secChUA        string
}

// browserProfiles holds current-generation desktop browser identities.
// Rotation picks one per host session and sticks with it; per-request
// rotation within a session is itself a bot signal.
var browserProfiles = []headerSet{
	{
		userAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.9",
		secChUA:        `"Chromium";v="126", "Google Chrome";v="126", "Not-A.Brand";v="99"`,
	},
	{
		userAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.9",
		secChUA:        `"Chromium";v="126", "Google Chrome";v="126", "Not-A.Brand";v="99"`,
	},
	{
		userAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.5",
	},
	{
		userAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		acceptLanguage: "en-US,en;q=0.9",
	},
}

// headerRotator assigns each host a stable browser identity for the life of
// the process. Resetting a host's identity (after a block) picks a fresh one.
type headerRotator struct {
	mu       sync.Mutex
	rotation bool
	byHost   map[string]headerSet
}

func newHeaderRotator(rotation bool) *headerRotator {
	return &headerRotator{
		rotation: rotation,
		byHost:   make(map[string]headerSet),
	}
}

// apply sets the session headers for req's host on req.
func (r *headerRotator) apply(req *http.Request) {
	hs := r.forHost(req.URL.Host)
	req.Header.Set("User-Agent", hs.userAgent)
	req.Header.Set("Accept", hs.accept)
	req.Header.Set("Accept-Language", hs.acceptLanguage)
	if hs.secChUA != "" {
		req.Header.Set("Sec-CH-UA", hs.secChUA)
	}
	req.Header.Set("Accept-Encoding", "gzip")
}

func (r *headerRotator) forHost(host string) headerSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.rotation {
		return browserProfiles[0]
	}
	if hs, ok := r.byHost[host]; ok {
		return hs
	}
	hs := browserProfiles[rand.IntN(len(browserProfiles))]
	r.byHost[host] = hs
	return hs
}

// reset discards the host's identity so the next request picks a new one.
// Called when a host starts blocking the current identity.
func (r *headerRotator) reset(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byHost, host)
}
