// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package bronze

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/models"
)

func testWriter(t *testing.T) (*Writer, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWriter(db), db
}

func payload(tracks ...models.TrackRecord) *models.PlaylistPayload {
	return &models.PlaylistPayload{
		SourceName: "mixesdb",
		ExternalID: "w/test-mix",
		URL:        "https://www.mixesdb.com/w/test-mix",
		Title:      "Test Mix",
		DJName:     "Ben Klock",
		Tracks:     tracks,
		RawBlob:    []byte("<html>test mix page</html>"),
		FetchedAt:  time.Now().UTC(),
	}
}

func TestWritePersistsPlaylistAndTracks(t *testing.T) {
	w, db := testWriter(t)
	ctx := context.Background()

	p, outcome, err := w.Write(ctx, payload(
		models.TrackRecord{Position: 1, Artist: "Ben Klock", Title: "Subzero", RawBlob: "01. Ben Klock - Subzero"},
		models.TrackRecord{Position: 2, Artist: "Surgeon", Title: "Badger Bite", Remix: "Regis Remix"},
	))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Errorf("outcome = %q, want created", outcome)
	}
	if p.TrackCount != 2 {
		t.Errorf("track count = %d, want 2", p.TrackCount)
	}
	if p.ContentHash == "" {
		t.Error("content hash not set")
	}

	stored, err := w.Playlist(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.RawBlob) != "<html>test mix page</html>" {
		t.Errorf("raw blob = %q", stored.RawBlob)
	}

	tracks, err := w.Tracks(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}
	if tracks[1].Remix != "Regis Remix" {
		t.Errorf("remix = %q", tracks[1].Remix)
	}
	if tracks[0].RawBlob != "01. Ben Klock - Subzero" {
		t.Errorf("track raw blob = %q", tracks[0].RawBlob)
	}

	count, _ := db.CountRows(ctx, "bronze_playlist")
	if count != 1 {
		t.Errorf("bronze_playlist rows = %d, want 1", count)
	}
}

func TestWriteSkipsUnchangedRescrape(t *testing.T) {
	w, db := testWriter(t)
	ctx := context.Background()

	first, _, err := w.Write(ctx, payload(models.TrackRecord{Position: 1, Artist: "A", Title: "T"}))
	if err != nil {
		t.Fatal(err)
	}

	// Same parsed content fetched later must hash identically.
	again := payload(models.TrackRecord{Position: 1, Artist: "A", Title: "T"})
	again.FetchedAt = time.Now().UTC().Add(time.Hour)
	again.RawBlob = []byte("<html>same tracklist, new ads</html>")

	second, outcome, err := w.Write(ctx, again)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUnchanged {
		t.Errorf("outcome = %q, want unchanged", outcome)
	}
	if second.ID != first.ID {
		t.Errorf("playlist id changed on unchanged re-scrape: %s != %s", second.ID, first.ID)
	}

	count, _ := db.CountRows(ctx, "bronze_playlist")
	if count != 1 {
		t.Errorf("bronze_playlist rows = %d, want 1", count)
	}
}

func TestWriteReplacesChangedRescrape(t *testing.T) {
	w, db := testWriter(t)
	ctx := context.Background()

	first, _, err := w.Write(ctx, payload(
		models.TrackRecord{Position: 1, Artist: "A", Title: "T1"},
		models.TrackRecord{Position: 2, Artist: "B", Title: "T2"},
		models.TrackRecord{Position: 3, Artist: "C", Title: "T3"},
	))
	if err != nil {
		t.Fatal(err)
	}

	// The source corrected track 3 and appended a fourth.
	updated := payload(
		models.TrackRecord{Position: 1, Artist: "A", Title: "T1"},
		models.TrackRecord{Position: 2, Artist: "B", Title: "T2"},
		models.TrackRecord{Position: 3, Artist: "C", Title: "T3 (Corrected)"},
		models.TrackRecord{Position: 4, Artist: "D", Title: "T4"},
	)
	updated.RawBlob = []byte("<html>corrected page</html>")

	second, outcome, err := w.Write(ctx, updated)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("outcome = %q, want updated", outcome)
	}
	if second.ID != first.ID {
		t.Errorf("playlist id changed on re-scrape: %s != %s", second.ID, first.ID)
	}
	if second.TrackCount != 4 {
		t.Errorf("track count = %d, want 4", second.TrackCount)
	}

	tracks, err := w.Tracks(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 4 {
		t.Fatalf("tracks = %d, want 4", len(tracks))
	}
	if tracks[2].Title != "T3 (Corrected)" {
		t.Errorf("position 3 title = %q, want corrected version", tracks[2].Title)
	}
	if tracks[3].Artist != "D" {
		t.Errorf("position 4 artist = %q", tracks[3].Artist)
	}

	stored, err := w.Playlist(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.RawBlob) != "<html>corrected page</html>" {
		t.Errorf("raw blob not replaced: %q", stored.RawBlob)
	}

	count, _ := db.CountRows(ctx, "bronze_track")
	if count != 4 {
		t.Errorf("bronze_track rows = %d, want 4 (stale rows must be gone)", count)
	}
}

func TestWriteShrinkingRescrapeDropsStalePositions(t *testing.T) {
	w, db := testWriter(t)
	ctx := context.Background()

	first, _, err := w.Write(ctx, payload(
		models.TrackRecord{Position: 1, Artist: "A", Title: "T1"},
		models.TrackRecord{Position: 2, Artist: "B", Title: "T2"},
		models.TrackRecord{Position: 3, Artist: "C", Title: "T3"},
	))
	if err != nil {
		t.Fatal(err)
	}

	shorter := payload(
		models.TrackRecord{Position: 1, Artist: "A", Title: "T1"},
		models.TrackRecord{Position: 2, Artist: "B", Title: "T2"},
	)
	if _, _, err := w.Write(ctx, shorter); err != nil {
		t.Fatal(err)
	}

	tracks, err := w.Tracks(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(tracks))
	}
	count, _ := db.CountRows(ctx, "bronze_track")
	if count != 2 {
		t.Errorf("bronze_track rows = %d, want 2", count)
	}
}

func TestWriteRejectsBrokenPositions(t *testing.T) {
	w, db := testWriter(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tracks []models.TrackRecord
	}{
		{"gap", []models.TrackRecord{
			{Position: 1, Artist: "A", Title: "T1"},
			{Position: 3, Artist: "B", Title: "T2"},
		}},
		{"zero start", []models.TrackRecord{
			{Position: 0, Artist: "A", Title: "T1"},
		}},
		{"duplicate position", []models.TrackRecord{
			{Position: 1, Artist: "A", Title: "T1"},
			{Position: 1, Artist: "B", Title: "T2"},
		}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := w.Write(ctx, payload(tt.tracks...))
			if !errors.Is(err, ErrPositionIntegrity) {
				t.Errorf("err = %v, want ErrPositionIntegrity", err)
			}
		})
	}

	// Nothing may be partially persisted.
	count, _ := db.CountRows(ctx, "bronze_playlist")
	if count != 0 {
		t.Errorf("bronze_playlist rows = %d, want 0", count)
	}
	count, _ = db.CountRows(ctx, "bronze_track")
	if count != 0 {
		t.Errorf("bronze_track rows = %d, want 0", count)
	}
}
