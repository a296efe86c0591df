// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package supervisor

import (
	"context"
	"time"

	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/pipeline"
)

// RouterService runs the pipeline message router under supervision.
type RouterService struct {
	Router *pipeline.Router
}

func (s RouterService) Serve(ctx context.Context) error {
	return s.Router.Run(ctx)
}

func (s RouterService) String() string { return "pipeline-router" }

// DLQPruner deletes dead-letter entries past their retention window so the
// table stays inspectable instead of unbounded.
type DLQPruner struct {
	DB        *database.DB
	Retention time.Duration
	Interval  time.Duration
}

func (p DLQPruner) Serve(ctx context.Context) error {
	interval := p.Interval
	if interval == 0 {
		interval = time.Hour
	}
	retention := p.Retention
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			res, err := p.DB.Exec(ctx, "delete", "pipeline_dlq",
				`DELETE FROM pipeline_dlq WHERE recorded_at < ?`, cutoff)
			if err != nil {
				logging.Error().Err(err).Msg("DLQ prune failed")
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				logging.Info().Int64("pruned", n).Msg("pruned expired DLQ entries")
			}
		}
	}
}

func (p DLQPruner) String() string { return "dlq-pruner" }

// CacheGCService periodically reclaims space in the fetch response cache.
type CacheGCService struct {
	Client   *fetch.Client
	Interval time.Duration
}

func (s CacheGCService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval == 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Client.CacheGC(); err != nil {
				logging.Warn().Err(err).Msg("fetch cache GC failed")
			}
		}
	}
}

func (s CacheGCService) String() string { return "fetch-cache-gc" }
