// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
)

// flakyService fails a fixed number of times before running clean, to
// exercise restart behavior.
type flakyService struct {
	fails    int32
	failures atomic.Int32
	started  atomic.Int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	s.started.Add(1)
	if s.failures.Load() < s.fails {
		s.failures.Add(1)
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTreeRestartsFailingService(t *testing.T) {
	tree := NewTree(slog.Default(), TreeConfig{
		FailureThreshold: 100,
		FailureBackoff:   time.Millisecond,
	})

	svc := &flakyService{fails: 2}
	tree.AddPipelineService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if svc.started.Load() >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-errCh

	if got := svc.started.Load(); got < 3 {
		t.Errorf("service started %d times, want >= 3 (2 failures + recovery)", got)
	}
}

func TestTreeShutdown(t *testing.T) {
	tree := NewTree(slog.Default(), DefaultTreeConfig())
	svc := &flakyService{}
	tree.AddAPIService(svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("tree did not shut down")
	}
}

func TestDLQPruner(t *testing.T) {
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	old := time.Now().UTC().Add(-48 * time.Hour)
	fresh := time.Now().UTC()
	for i, recorded := range []time.Time{old, fresh} {
		_, err := db.Exec(context.Background(), "insert", "pipeline_dlq", `
			INSERT INTO pipeline_dlq (id, topic, message_id, payload, reason, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), "playlists.ingested", string(rune('a'+i)),
			[]byte("{}"), "test", recorded)
		if err != nil {
			t.Fatal(err)
		}
	}

	pruner := DLQPruner{DB: db, Retention: 24 * time.Hour, Interval: 20 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = pruner.Serve(ctx)

	count, err := db.CountRows(context.Background(), "pipeline_dlq")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pipeline_dlq rows = %d, want 1 (old entry pruned)", count)
	}
}
