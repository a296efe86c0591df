// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/bronze"
	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/dispatch"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/gold"
	"github.com/tomtom215/segue/internal/models"
	"github.com/tomtom215/segue/internal/operational"
	"github.com/tomtom215/segue/internal/pipeline"
	"github.com/tomtom215/segue/internal/silver"
	"github.com/tomtom215/segue/internal/sources"
)

// stubAdapter serves one canned playlist for API-level tests.
type stubAdapter struct{}

func (stubAdapter) Name() string { return "stub" }

func (stubAdapter) Search(_ context.Context, _ string, _ int) ([]models.PlaylistCandidate, error) {
	return []models.PlaylistCandidate{{
		SourceName: "stub",
		ExternalID: "mix1",
		URL:        "https://example.org/mix1",
		Title:      "mix1",
	}}, nil
}

func (stubAdapter) Fetch(_ context.Context, c models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	return &models.PlaylistPayload{
		SourceName: "stub",
		ExternalID: c.ExternalID,
		URL:        c.URL,
		Title:      c.Title,
		DJName:     "DJ Stub",
		Tracks: []models.TrackRecord{
			{Position: 1, Artist: "Ben Klock", Title: "Subzero"},
			{Position: 2, Artist: "Surgeon", Title: "Badger Bite"},
		},
		RawBlob:   []byte("stub page"),
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (stubAdapter) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	return models.PlaylistCandidate{SourceName: "stub", ExternalID: "mix1", URL: raw, Title: "mix1"}, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishIngested(context.Context, pipeline.PlaylistIngested) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.Server.RateLimitReqs = 0
	cfg.Scrape = config.ScrapeConfig{
		DefaultLimit:   10,
		MaxLimit:       50,
		DefaultTimeout: 10 * time.Second,
		WorkerPoolSize: 2,
		QueueHighWater: 100,
	}
	cfg.Fetch = config.FetchConfig{
		RequestTimeout:     time.Second,
		InitialHostRate:    10,
		RateDecreaseFactor: 0.5,
		RateRecoveryWindow: 3,
	}

	client, err := fetch.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	registry := sources.NewRegistry(client)
	registry.Register(stubAdapter{})

	writer := bronze.NewWriter(db)
	canon := silver.NewCanonicalizer(db, writer, config.SilverConfig{
		FuzzyThreshold:  0.92,
		SentinelArtists: []string{"ID", "Unknown"},
	}, nil)
	agg := gold.NewAggregator(db, config.GoldConfig{
		ConfidenceK:             3.0,
		QualityWeightOccurrence: 0.4,
		QualityWeightBPM:        0.2,
		QualityWeightKey:        0.2,
		QualityWeightEnergy:     0.2,
	})
	mat := operational.NewMaterializer(db, config.OperationalConfig{MinEdgeWeight: 1})
	dispatcher := dispatch.NewDispatcher(registry, writer, noopPublisher{}, db, cfg.Scrape)

	router := NewRouter(cfg, dispatcher, canon, agg, mat, db, client)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)
	return srv, db
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var env APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	env := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("status = %d, success = %v", resp.StatusCode, env.Success)
	}

	health, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("health payload = %T", env.Data)
	}
	for _, field := range []string{"proxies", "avg_host_rate", "pipeline_backlog", "jobs_in_flight"} {
		if _, ok := health[field]; !ok {
			t.Errorf("health payload missing %q: %v", field, health)
		}
	}
	if health["proxies"].(float64) != 0 {
		t.Errorf("proxies = %v, want 0 without a pool", health["proxies"])
	}
}

func TestScrapeValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"no source", `{"search_query":"Ben Klock"}`, ErrCodeValidationFailed},
		{"no targets", `{"source":"stub"}`, ErrCodeValidationFailed},
		{"bad json", `{`, ErrCodeBadRequest},
		{"unknown source", `{"source":"nope","search_query":"x"}`, ErrCodeUnknownSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/scrape", "application/json",
				bytes.NewBufferString(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			env := decodeResponse(t, resp)
			if env.Success {
				t.Fatal("expected failure envelope")
			}
			if env.Error.Code != tt.code {
				t.Errorf("code = %s, want %s", env.Error.Code, tt.code)
			}
		})
	}
}

func TestScrapeAndJobLifecycle(t *testing.T) {
	srv, db := newTestServer(t)

	resp, err := http.Post(srv.URL+"/scrape", "application/json",
		bytes.NewBufferString(`{"source":"stub","search_query":"Ben Klock Subzero"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	env := decodeResponse(t, resp)

	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatal(err)
	}
	var report models.ScrapeReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatal(err)
	}
	if report.JobID == uuid.Nil {
		t.Fatal("no job ID returned")
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/jobs/" + report.JobID.String())
		if err != nil {
			t.Fatal(err)
		}
		env := decodeResponse(t, resp)
		raw, _ := json.Marshal(env.Data)
		if err := json.Unmarshal(raw, &report); err != nil {
			t.Fatal(err)
		}
		if report.Status != models.JobStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if report.Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed (errors %v)", report.Status, report.Errors)
	}
	if report.PlaylistsScraped != 1 || report.TracksExtracted != 2 {
		t.Errorf("report counts = %d playlists / %d tracks, want 1 / 2",
			report.PlaylistsScraped, report.TracksExtracted)
	}
	if len(report.BronzePlaylistIDs) != 1 {
		t.Errorf("bronze_playlist_ids = %v, want one entry", report.BronzePlaylistIDs)
	}
	if report.ExecutionSeconds <= 0 {
		t.Errorf("execution_seconds = %f, want > 0", report.ExecutionSeconds)
	}

	count, _ := db.CountRows(context.Background(), "bronze_playlist")
	if count != 1 {
		t.Errorf("bronze_playlist rows = %d, want 1", count)
	}

	resp, err = http.Get(srv.URL + "/jobs")
	if err != nil {
		t.Fatal(err)
	}
	env = decodeResponse(t, resp)
	if env.Meta == nil || env.Meta.Pagination == nil || env.Meta.Pagination.Count != 1 {
		t.Errorf("jobs listing meta = %+v", env.Meta)
	}
}

func TestJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/jobs/" + uuid.NewString())
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	env := decodeResponse(t, resp)
	if env.Error.Code != ErrCodeNotFound {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	env := decodeResponse(t, resp)
	if !env.Success {
		t.Fatalf("stats failed: %+v", env.Error)
	}
	raw, _ := json.Marshal(env.Data)
	var stats models.PipelineStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.BronzePlaylists != 0 {
		t.Errorf("fresh database reports %d bronze playlists", stats.BronzePlaylists)
	}
}

func TestGraphEndpointsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/api/v1/graph/nodes", "/api/v1/graph/edges"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		env := decodeResponse(t, resp)
		if !env.Success {
			t.Errorf("%s failed: %+v", path, env.Error)
		}
	}
}

func TestGraphEdgesBadFromParam(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/graph/edges?from=not-a-uuid")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestRebuildCascade(t *testing.T) {
	srv, db := newTestServer(t)

	// Seed bronze directly, then rebuild silver: gold and operational must
	// follow in the same call.
	writer := bronze.NewWriter(db)
	_, _, err := writer.Write(context.Background(), &models.PlaylistPayload{
		SourceName: "stub",
		ExternalID: "seed1",
		URL:        "https://example.org/seed1",
		Title:      "seed1",
		Tracks: []models.TrackRecord{
			{Position: 1, Artist: "Ben Klock", Title: "Subzero"},
			{Position: 2, Artist: "Surgeon", Title: "Badger Bite"},
		},
		RawBlob:   []byte("seed page"),
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/admin/rebuild/silver", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	env := decodeResponse(t, resp)
	if !env.Success {
		t.Fatalf("rebuild failed: %+v", env.Error)
	}

	for table, want := range map[string]int64{
		"silver_canonical_playlist": 1,
		"gold_transition":           1,
		"operational_graph_edge":    1,
		"operational_graph_node":    2,
	} {
		count, err := db.CountRows(context.Background(), table)
		if err != nil {
			t.Fatal(err)
		}
		if count != want {
			t.Errorf("%s rows = %d, want %d", table, count, want)
		}
	}
}

func TestRebuildUnknownLayer(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/admin/rebuild/bronze", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := &config.Config{}
	cfg.Server.RateLimitReqs = 2
	cfg.Server.RateLimitWindow = time.Minute
	cfg.Scrape = config.ScrapeConfig{DefaultLimit: 1, MaxLimit: 1, DefaultTimeout: time.Second, WorkerPoolSize: 1, QueueHighWater: 10}
	cfg.Fetch = config.FetchConfig{RequestTimeout: time.Second, InitialHostRate: 10, RateDecreaseFactor: 0.5, RateRecoveryWindow: 3}

	client, err := fetch.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })

	registry := sources.NewRegistry(client)
	writer := bronze.NewWriter(db)
	canon := silver.NewCanonicalizer(db, writer, config.SilverConfig{FuzzyThreshold: 0.92}, nil)
	agg := gold.NewAggregator(db, config.GoldConfig{ConfidenceK: 3})
	mat := operational.NewMaterializer(db, config.OperationalConfig{})
	dispatcher := dispatch.NewDispatcher(registry, writer, noopPublisher{}, db, cfg.Scrape)

	srv := httptest.NewServer(NewRouter(cfg, dispatcher, canon, agg, mat, db, client).Handler())
	t.Cleanup(srv.Close)

	var last int
	for i := 0; i < 4; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		last = resp.StatusCode
		_ = resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("final status = %d, want 429", last)
	}
}

func TestPageParamsClamped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/x?limit=%d&offset=5", maxPageLimit*10), nil)
	limit, offset := pageParams(r)
	if limit != maxPageLimit || offset != 5 {
		t.Errorf("limit = %d offset = %d", limit, offset)
	}
}

func TestTargetsLifecycle(t *testing.T) {
	srv, db := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/admin/targets", "application/json",
		bytes.NewBufferString(`{"artist":"Ben Klock","title":"Subzero"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	env := decodeResponse(t, resp)
	raw, _ := json.Marshal(env.Data)
	var target models.TargetTrack
	if err := json.Unmarshal(raw, &target); err != nil {
		t.Fatal(err)
	}

	count, _ := db.CountRows(context.Background(), "target_tracks")
	if count != 1 {
		t.Fatalf("target_tracks rows = %d, want 1", count)
	}

	resp, err = http.Get(srv.URL + "/api/v1/admin/targets")
	if err != nil {
		t.Fatal(err)
	}
	env = decodeResponse(t, resp)
	if env.Meta == nil || env.Meta.Pagination == nil || env.Meta.Pagination.Count != 1 {
		t.Errorf("targets listing meta = %+v", env.Meta)
	}

	req, _ := http.NewRequest(http.MethodDelete,
		srv.URL+"/api/v1/admin/targets/"+target.ID.String(), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	count, _ = db.CountRows(context.Background(), "target_tracks")
	if count != 0 {
		t.Errorf("target_tracks rows = %d after delete, want 0", count)
	}
}

func TestTargetValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/admin/targets", "application/json",
		bytes.NewBufferString(`{"artist":"Ben Klock"}`))
	if err != nil {
		t.Fatal(err)
	}
	env := decodeResponse(t, resp)
	if env.Success || env.Error.Code != ErrCodeValidationFailed {
		t.Errorf("envelope = %+v", env)
	}
}

func TestGraphEdgesWeightFloor(t *testing.T) {
	srv, db := newTestServer(t)

	writer := bronze.NewWriter(db)
	_, _, err := writer.Write(context.Background(), &models.PlaylistPayload{
		SourceName: "stub",
		ExternalID: "wmin1",
		URL:        "https://example.org/wmin1",
		Title:      "wmin1",
		Tracks: []models.TrackRecord{
			{Position: 1, Artist: "Ben Klock", Title: "Subzero"},
			{Position: 2, Artist: "Surgeon", Title: "Badger Bite"},
		},
		RawBlob:   []byte("seed page"),
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(srv.URL+"/api/v1/admin/rebuild/silver", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	counts := map[string]int{"": 1, "?w_min=2": 0}
	for query, want := range counts {
		resp, err := http.Get(srv.URL + "/api/v1/graph/edges" + query)
		if err != nil {
			t.Fatal(err)
		}
		env := decodeResponse(t, resp)
		if env.Meta.Pagination.Count != want {
			t.Errorf("edges%s count = %d, want %d", query, env.Meta.Pagination.Count, want)
		}
	}
}
