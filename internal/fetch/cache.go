// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package fetch

import (
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tomtom215/segue/internal/metrics"
)

// responseCache stores fetched page bodies in Badger with a TTL, so that
// re-scrapes within the cache window do not hit the source at all. A nil
// cache is valid and always misses.
type responseCache struct {
	db  *badger.DB
	ttl time.Duration
}

// openResponseCache opens (or creates) the Badger cache at path. Empty path
// disables the cache.
func openResponseCache(path string, ttl time.Duration) (*responseCache, error) {
	if path == "" {
		return nil, nil
	}
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &responseCache{db: db, ttl: ttl}, nil
}

// get returns the cached body for url, or (nil, false) on a miss.
func (c *responseCache) get(url string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	var body []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(url))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false
		}
		metrics.FetchCacheMisses.Inc()
		return nil, false
	}
	metrics.FetchCacheHits.Inc()
	return body, true
}

// put stores a body under url with the configured TTL.
func (c *responseCache) put(url string, body []byte) {
	if c == nil {
		return
	}
	// Cache failures are not fetch failures; drop the entry silently.
	_ = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(url), body).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
}

// gc runs one Badger value-log GC pass. badger.ErrNoRewrite means there was
// nothing to reclaim.
func (c *responseCache) gc() error {
	if c == nil {
		return nil
	}
	err := c.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// close releases the underlying Badger instance.
func (c *responseCache) close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
