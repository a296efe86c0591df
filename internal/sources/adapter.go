// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package sources implements the per-site scraping adapters. Every adapter
// speaks through the shared fetch substrate and emits the same
// PlaylistPayload shape, so the pipeline never knows which site a playlist
// came from.
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
)

// Adapter is one scraping source. Implementations must be safe for
// concurrent use; the dispatcher fans playlist fetches out over a worker
// pool.
type Adapter interface {
	// Name is the stable identifier used in scrape requests and bronze
	// rows (e.g. "mixesdb").
	Name() string

	// Search finds playlist candidates for one free-text query, up to
	// limit. How the query maps onto the site's search (path segment,
	// query parameter, API call) is the adapter's concern.
	Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error)

	// Fetch retrieves and parses one playlist page. Parse failures return
	// a fetch.Error of kind Malformed.
	Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error)

	// CandidateFromURL builds a candidate from a direct playlist URL, or an
	// error when the URL does not belong to this source.
	CandidateFromURL(url string) (models.PlaylistCandidate, error)
}

// Registry holds the configured adapters keyed by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds a registry with the default adapter set wired to the
// given fetch client.
func NewRegistry(client *fetch.Client) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewMixesDB(client))
	r.Register(NewTracklists(client))
	r.Register(NewBeatport(client))
	r.Register(NewSetlistFM(client))
	r.Register(NewReddit(client))
	r.Register(NewDiscogs(client))
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q (available: %v)", name, r.names())
	}
	return a, nil
}

// Names lists registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// malformed wraps a parse failure in the fetch error taxonomy so the
// dispatcher records it without retrying.
func malformed(url string, err error) error {
	return &fetch.Error{Kind: fetch.KindMalformed, URL: url, Err: err}
}
