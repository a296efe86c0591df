// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/segue/internal/bronze"
	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
	"github.com/tomtom215/segue/internal/pipeline"
	"github.com/tomtom215/segue/internal/sources"
)

// fakeAdapter serves canned playlists and records search and fetch calls.
type fakeAdapter struct {
	name       string
	candidates []models.PlaylistCandidate
	payloads   map[string]*models.PlaylistPayload
	fetchErr   map[string]error
	fetchDelay time.Duration

	mu      sync.Mutex
	queries []string
	fetched []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(_ context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if limit < len(f.candidates) {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeAdapter) Fetch(ctx context.Context, c models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return nil, &fetch.Error{Kind: fetch.KindDeadlineExceeded, URL: c.URL, Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, c.ExternalID)
	f.mu.Unlock()
	if err, ok := f.fetchErr[c.ExternalID]; ok {
		return nil, err
	}
	return f.payloads[c.ExternalID], nil
}

func (f *fakeAdapter) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	for _, c := range f.candidates {
		if c.URL == raw {
			return c, nil
		}
	}
	return models.PlaylistCandidate{}, fmt.Errorf("no candidate for %s", raw)
}

type publishRecorder struct {
	mu     sync.Mutex
	events []pipeline.PlaylistIngested
	err    error
}

func (p *publishRecorder) PublishIngested(_ context.Context, event pipeline.PlaylistIngested) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func candidateFixture(n int) ([]models.PlaylistCandidate, map[string]*models.PlaylistPayload) {
	candidates := make([]models.PlaylistCandidate, 0, n)
	payloads := make(map[string]*models.PlaylistPayload, n)
	for i := 1; i <= n; i++ {
		ext := fmt.Sprintf("mix%d", i)
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: "fake",
			ExternalID: ext,
			URL:        "https://example.org/" + ext,
			Title:      ext,
		})
		payloads[ext] = &models.PlaylistPayload{
			SourceName: "fake",
			ExternalID: ext,
			URL:        "https://example.org/" + ext,
			Title:      ext,
			DJName:     "DJ Fixture",
			Tracks: []models.TrackRecord{
				{Position: 1, Artist: "Ben Klock", Title: "Subzero"},
				{Position: 2, Artist: "Surgeon", Title: "Badger Bite"},
			},
			RawBlob:   []byte("<html>" + ext + "</html>"),
			FetchedAt: time.Now().UTC(),
		}
	}
	return candidates, payloads
}

func newDispatcher(t *testing.T, adapter sources.Adapter, cfg config.ScrapeConfig) (*Dispatcher, *publishRecorder, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	registry := sources.NewRegistry(nil)
	registry.Register(adapter)

	recorder := &publishRecorder{}
	d := NewDispatcher(registry, bronze.NewWriter(db), recorder, db, cfg)
	return d, recorder, db
}

func waitForStatus(t *testing.T, d *Dispatcher, id func() models.ScrapeReport) models.ScrapeReport {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		report := id()
		if report.Status != models.JobStatusRunning {
			return report
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never left running status")
	return models.ScrapeReport{}
}

func defaultScrapeConfig() config.ScrapeConfig {
	return config.ScrapeConfig{
		DefaultLimit:   10,
		MaxLimit:       50,
		DefaultTimeout: 10 * time.Second,
		WorkerPoolSize: 4,
		QueueHighWater: 100,
	}
}

func TestDispatchCompletes(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, recorder, db := newDispatcher(t, adapter, defaultScrapeConfig())

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock Berghain"})
	if err != nil {
		t.Fatal(err)
	}
	if report.Status != models.JobStatusRunning {
		t.Fatalf("initial status = %s, want running", report.Status)
	}

	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, ok := d.Job(report.JobID)
		if !ok {
			t.Fatal("job disappeared")
		}
		return r
	})

	if final.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (errors: %v)", final.Status, final.Errors)
	}
	if final.CandidatesFound != 3 || final.PlaylistsScraped != 3 || final.TracksExtracted != 6 {
		t.Errorf("report = %+v", final)
	}
	if len(final.BronzePlaylistIDs) != 3 {
		t.Errorf("bronze_playlist_ids = %v, want 3 entries", final.BronzePlaylistIDs)
	}
	if final.ExecutionSeconds <= 0 {
		t.Errorf("execution_seconds = %f, want > 0", final.ExecutionSeconds)
	}
	if recorder.count() != 3 {
		t.Errorf("published %d events, want 3", recorder.count())
	}

	adapter.mu.Lock()
	queries := append([]string(nil), adapter.queries...)
	adapter.mu.Unlock()
	if len(queries) != 1 || queries[0] != "Ben Klock Berghain" {
		t.Errorf("queries = %v, want the free-text search query passed through", queries)
	}

	count, _ := db.CountRows(context.Background(), "bronze_playlist")
	if count != 3 {
		t.Errorf("bronze_playlist rows = %d, want 3", count)
	}
}

func TestDispatchUnknownSource(t *testing.T) {
	candidates, payloads := candidateFixture(1)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, _, _ := newDispatcher(t, adapter, defaultScrapeConfig())

	_, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestDispatchPartialOnFailures(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{
		name:       "fake",
		candidates: candidates,
		payloads:   payloads,
		fetchErr: map[string]error{
			"mix2": &fetch.Error{Kind: fetch.KindNotFound, URL: "https://example.org/mix2", StatusCode: 404},
		},
	}
	d, recorder, _ := newDispatcher(t, adapter, defaultScrapeConfig())

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})

	if final.Status != models.JobStatusPartial {
		t.Fatalf("status = %s, want partial", final.Status)
	}
	if final.PlaylistsScraped != 2 || len(final.BronzePlaylistIDs) != 2 {
		t.Errorf("report = %+v", final)
	}
	if len(final.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", final.Errors)
	}
	if final.Errors[0].URL != "https://example.org/mix2" || final.Errors[0].Kind != "not_found" {
		t.Errorf("error entry = %+v", final.Errors[0])
	}
	if recorder.count() != 2 {
		t.Errorf("published %d events, want 2", recorder.count())
	}
}

func TestDispatchUnchangedRescrapeSkipped(t *testing.T) {
	candidates, payloads := candidateFixture(2)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, recorder, _ := newDispatcher(t, adapter, defaultScrapeConfig())

	run := func() models.ScrapeReport {
		report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
		if err != nil {
			t.Fatal(err)
		}
		return waitForStatus(t, d, func() models.ScrapeReport {
			r, _ := d.Job(report.JobID)
			return r
		})
	}

	first := run()
	if first.PlaylistsScraped != 2 {
		t.Fatalf("first run scraped = %d, want 2", first.PlaylistsScraped)
	}

	second := run()
	if second.Status != models.JobStatusCompleted {
		t.Fatalf("second run status = %s, want completed", second.Status)
	}
	if second.PlaylistsSkipped != 2 || second.PlaylistsScraped != 0 {
		t.Errorf("second run report = %+v", second)
	}
	if recorder.count() != 2 {
		t.Errorf("published %d events total, want 2 (no events for unchanged re-scrapes)", recorder.count())
	}
}

func TestDispatchChangedRescrapeReprocessed(t *testing.T) {
	candidates, payloads := candidateFixture(1)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, recorder, db := newDispatcher(t, adapter, defaultScrapeConfig())

	run := func() models.ScrapeReport {
		report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
		if err != nil {
			t.Fatal(err)
		}
		return waitForStatus(t, d, func() models.ScrapeReport {
			r, _ := d.Job(report.JobID)
			return r
		})
	}

	first := run()
	if first.PlaylistsScraped != 1 {
		t.Fatalf("first run scraped = %d, want 1", first.PlaylistsScraped)
	}

	// The source corrected the tracklist; the re-scrape must flow through.
	payloads["mix1"].Tracks = append(payloads["mix1"].Tracks,
		models.TrackRecord{Position: 3, Artist: "Rødhåd", Title: "Kinder der Ringwelt"})

	second := run()
	if second.PlaylistsScraped != 1 || second.PlaylistsSkipped != 0 {
		t.Errorf("second run report = %+v", second)
	}
	if second.TracksExtracted != 3 {
		t.Errorf("tracks extracted = %d, want 3", second.TracksExtracted)
	}
	if recorder.count() != 2 {
		t.Errorf("published %d events total, want 2 (changed re-scrape republishes)", recorder.count())
	}

	count, _ := db.CountRows(context.Background(), "bronze_playlist")
	if count != 1 {
		t.Errorf("bronze_playlist rows = %d, want 1 (upsert, not a new row)", count)
	}
}

func TestDispatchHardDeadline(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{
		name:       "fake",
		candidates: candidates,
		payloads:   payloads,
		fetchDelay: 400 * time.Millisecond,
	}
	cfg := defaultScrapeConfig()
	cfg.WorkerPoolSize = 1
	cfg.DefaultTimeout = 300 * time.Millisecond
	d, _, _ := newDispatcher(t, adapter, cfg)

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})
	if final.Status != models.JobStatusTimeout {
		t.Errorf("status = %s, want timeout (nothing persisted)", final.Status)
	}
	if final.EndedAt.IsZero() {
		t.Error("EndedAt not set on timeout")
	}

	// All three candidates must surface in the report: the one the deadline
	// interrupted mid-fetch, and the two it cut off before they started.
	if len(final.Errors) != 3 {
		t.Fatalf("errors = %v, want 3 entries", final.Errors)
	}
	cancelled := 0
	for _, e := range final.Errors {
		if e.Kind == string(fetch.KindCancelled) {
			cancelled++
		}
	}
	if cancelled != 2 {
		t.Errorf("cancelled entries = %d, want 2", cancelled)
	}
}

func TestDispatchDeadlineAfterProgressIsPartial(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{
		name:       "fake",
		candidates: candidates,
		payloads:   payloads,
		fetchDelay: 300 * time.Millisecond,
	}
	cfg := defaultScrapeConfig()
	cfg.WorkerPoolSize = 1
	cfg.DefaultTimeout = 450 * time.Millisecond
	d, _, _ := newDispatcher(t, adapter, cfg)

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})
	if final.Status != models.JobStatusPartial {
		t.Errorf("status = %s, want partial (one playlist landed)", final.Status)
	}
	if final.PlaylistsScraped != 1 {
		t.Errorf("scraped = %d, want 1", final.PlaylistsScraped)
	}
	if len(final.Errors) == 0 {
		t.Error("deadline-dropped candidates missing from the report")
	}
}

func TestDispatchBackpressure(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	cfg := defaultScrapeConfig()
	cfg.QueueHighWater = 1
	d, _, db := newDispatcher(t, adapter, cfg)

	// Fill bronze past the high water mark without canonicalizing anything.
	writer := bronze.NewWriter(db)
	for i := 0; i < 3; i++ {
		_, _, err := writer.Write(context.Background(), &models.PlaylistPayload{
			SourceName: "fake",
			ExternalID: fmt.Sprintf("backlog%d", i),
			URL:        fmt.Sprintf("https://example.org/backlog%d", i),
			Title:      "backlog",
			Tracks: []models.TrackRecord{
				{Position: 1, Artist: "A", Title: "B"},
			},
			RawBlob:   []byte("backlog page"),
			FetchedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	_, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
}

func TestDispatchTargetURLs(t *testing.T) {
	candidates, payloads := candidateFixture(3)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, _, _ := newDispatcher(t, adapter, defaultScrapeConfig())

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{
		Source:     "fake",
		TargetURLs: []string{"https://example.org/mix2", "https://example.org/unknown"},
	})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})

	if final.CandidatesFound != 1 {
		t.Errorf("candidates = %d, want 1 (unknown URL rejected)", final.CandidatesFound)
	}
	if final.PlaylistsScraped != 1 {
		t.Errorf("scraped = %d, want 1", final.PlaylistsScraped)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if len(adapter.fetched) != 1 || adapter.fetched[0] != "mix2" {
		t.Errorf("fetched = %v, want [mix2]", adapter.fetched)
	}
}

func TestDispatchLimitClamped(t *testing.T) {
	candidates, payloads := candidateFixture(5)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	cfg := defaultScrapeConfig()
	cfg.MaxLimit = 2
	d, _, _ := newDispatcher(t, adapter, cfg)

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock", Limit: 100})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})
	if final.CandidatesFound != 2 {
		t.Errorf("candidates = %d, want 2 (limit clamped to MaxLimit)", final.CandidatesFound)
	}
}

func TestDispatchConcurrencyBounded(t *testing.T) {
	candidates, payloads := candidateFixture(8)
	var inFlight, peak atomic.Int32
	adapter := &boundedAdapter{
		fakeAdapter: fakeAdapter{name: "fake", candidates: candidates, payloads: payloads},
		inFlight:    &inFlight,
		peak:        &peak,
	}
	cfg := defaultScrapeConfig()
	cfg.WorkerPoolSize = 2
	d, _, _ := newDispatcher(t, adapter, cfg)

	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent fetches = %d, want <= 2", got)
	}
}

type boundedAdapter struct {
	fakeAdapter
	inFlight *atomic.Int32
	peak     *atomic.Int32
}

func (b *boundedAdapter) Fetch(ctx context.Context, c models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	cur := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		old := b.peak.Load()
		if cur <= old || b.peak.CompareAndSwap(old, cur) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return b.fakeAdapter.Fetch(ctx, c)
}

func TestJobsListing(t *testing.T) {
	candidates, payloads := candidateFixture(1)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, _, _ := newDispatcher(t, adapter, defaultScrapeConfig())

	first, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(first.JobID)
		return r
	})

	second, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", SearchQuery: "Ben Klock"})
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(second.JobID)
		return r
	})

	jobs := d.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("jobs = %d, want 2", len(jobs))
	}
	if _, ok := d.Job(first.JobID); !ok {
		t.Error("first job not found by ID")
	}
}

func TestDispatchSeeded(t *testing.T) {
	candidates, payloads := candidateFixture(1)
	adapter := &fakeAdapter{name: "fake", candidates: candidates, payloads: payloads}
	d, _, db := newDispatcher(t, adapter, defaultScrapeConfig())

	// Seeded scrape with an empty seed table fails up front.
	report, err := d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", UseSeeds: true})
	if err != nil {
		t.Fatal(err)
	}
	final := waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})
	if final.Status != models.JobStatusFailed {
		t.Fatalf("empty-seed status = %s, want failed", final.Status)
	}

	_, err = db.Exec(context.Background(), "insert", "target_tracks", `
		INSERT INTO target_tracks (id, artist, title, added_at)
		VALUES (?, ?, ?, ?)`,
		"a2f1c5de-0000-4000-8000-000000000001", "Ben Klock", "Subzero", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	report, err = d.Dispatch(context.Background(), models.ScrapeRequest{Source: "fake", UseSeeds: true})
	if err != nil {
		t.Fatal(err)
	}
	final = waitForStatus(t, d, func() models.ScrapeReport {
		r, _ := d.Job(report.JobID)
		return r
	})
	if final.Status != models.JobStatusCompleted || final.PlaylistsScraped != 1 {
		t.Errorf("seeded report = %+v", final)
	}

	adapter.mu.Lock()
	queries := append([]string(nil), adapter.queries...)
	adapter.mu.Unlock()
	if len(queries) != 1 || queries[0] != "Ben Klock Subzero" {
		t.Errorf("queries = %v, want one combined artist-title query per seed", queries)
	}
}
