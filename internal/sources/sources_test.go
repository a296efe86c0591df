// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
)

func testFetchClient(t *testing.T) *fetch.Client {
	t.Helper()
	cfg := &config.Config{
		Fetch: config.FetchConfig{
			RequestTimeout:     2 * time.Second,
			InitialHostRate:    100,
			RateDecreaseFactor: 0.5,
			RateRecoveryWindow: 3,
			MaxRetries:         0,
			RetryBaseDelay:     time.Millisecond,
			RetryMaxDelay:      time.Millisecond,
		},
	}
	c, err := fetch.NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParseTrackLine(t *testing.T) {
	tests := []struct {
		line string
		want models.TrackRecord
		ok   bool
	}{
		{
			line: "01. Ben Klock - Subzero (Original Mix) [Ostgut Ton]",
			want: models.TrackRecord{Artist: "Ben Klock", Title: "Subzero", Remix: "Original Mix", Label: "Ostgut Ton"},
			ok:   true,
		},
		{
			line: "[1:02:45] Rødhåd - Kinder der Ringwelt",
			want: models.TrackRecord{Artist: "Rødhåd", Title: "Kinder der Ringwelt"},
			ok:   true,
		},
		{
			line: "Jean-Michel Jarre - Oxygene Pt. 4",
			want: models.TrackRecord{Artist: "Jean-Michel Jarre", Title: "Oxygene Pt. 4"},
			ok:   true,
		},
		{
			line: "Surgeon - Badger Bite (Regis Remix)",
			want: models.TrackRecord{Artist: "Surgeon", Title: "Badger Bite", Remix: "Regis Remix"},
			ok:   true,
		},
		{line: "???", ok: false},
		{line: "", ok: false},
		{line: "just some prose without separator", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := parseTrackLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Artist != tt.want.Artist || got.Title != tt.want.Title ||
				got.Remix != tt.want.Remix || got.Label != tt.want.Label {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseTrackLinesPositionsContiguous(t *testing.T) {
	lines := []string{
		"01. A - One",
		"",
		"garbage line with no separator",
		"02. B - Two",
	}
	records := parseTrackLines(lines)
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Position != i+1 {
			t.Errorf("position[%d] = %d, want %d", i, rec.Position, i+1)
		}
	}
	// The unparseable middle line becomes an ID placeholder.
	if records[1].Artist != "ID" || records[1].Title != "ID" {
		t.Errorf("placeholder = %+v, want ID - ID", records[1])
	}
}

func TestSplitMixTitle(t *testing.T) {
	dj, event, date := splitMixTitle("2024-06-01 - Ben Klock @ Berghain")
	if dj != "Ben Klock" || event != "Berghain" {
		t.Errorf("got dj=%q event=%q", dj, event)
	}
	if date == nil || date.Format("2006-01-02") != "2024-06-01" {
		t.Errorf("date = %v, want 2024-06-01", date)
	}

	dj, event, date = splitMixTitle("Essential Mix")
	if dj != "Essential Mix" || event != "" || date != nil {
		t.Errorf("plain title: got dj=%q event=%q date=%v", dj, event, date)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry(testFetchClient(t))

	for _, name := range []string{"mixesdb", "tracklists1001", "beatport", "setlistfm", "reddit", "discogs"} {
		if _, err := reg.Get(name); err != nil {
			t.Errorf("Get(%q) failed: %v", name, err)
		}
	}
	if _, err := reg.Get("soundcloud"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestCandidateFromURLRejectsForeignHosts(t *testing.T) {
	reg := NewRegistry(testFetchClient(t))
	m, _ := reg.Get("mixesdb")
	if _, err := m.CandidateFromURL("https://example.com/w/Some_Mix"); err == nil {
		t.Error("expected rejection of non-mixesdb URL")
	}
	c, err := m.CandidateFromURL("https://www.mixesdb.com/w/2024-06-01_-_Ben_Klock_@_Berghain")
	if err != nil {
		t.Fatal(err)
	}
	if c.ExternalID != "w/2024-06-01_-_Ben_Klock_@_Berghain" {
		t.Errorf("external id = %q", c.ExternalID)
	}
}

func TestMixesDBFetchParsesTracklist(t *testing.T) {
	page := `<html><body>
		<h1 id="firstHeading">2024-06-01 - Ben Klock @ Berghain</h1>
		<div class="list"><ol>
			<li>Ben Klock - Subzero [Ostgut Ton]</li>
			<li>?</li>
			<li>Surgeon - Badger Bite (Regis Remix)</li>
		</ol></div>
	</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	m := NewMixesDB(testFetchClient(t))
	m.base = srv.URL

	payload, err := m.Fetch(context.Background(), models.PlaylistCandidate{
		SourceName: "mixesdb",
		ExternalID: "w/test",
		URL:        srv.URL + "/w/test",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if payload.DJName != "Ben Klock" {
		t.Errorf("dj = %q, want Ben Klock", payload.DJName)
	}
	if payload.EventName != "Berghain" {
		t.Errorf("event = %q, want Berghain", payload.EventName)
	}
	if len(payload.Tracks) != 3 {
		t.Fatalf("tracks = %d, want 3", len(payload.Tracks))
	}
	if payload.Tracks[1].Artist != "ID" {
		t.Errorf("unparseable line should be an ID placeholder, got %+v", payload.Tracks[1])
	}
	if payload.Tracks[2].Remix != "Regis Remix" {
		t.Errorf("remix = %q, want Regis Remix", payload.Tracks[2].Remix)
	}
	if string(payload.RawBlob) != page {
		t.Error("payload must carry the fetched page body")
	}
	if payload.Tracks[0].RawBlob != "Ben Klock - Subzero [Ostgut Ton]" {
		t.Errorf("track raw line = %q", payload.Tracks[0].RawBlob)
	}
}

func TestMixesDBSearchUsesOneCombinedQuery(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`<html><body><div class="searchresults">
			<a href="/w/2024-06-01_-_Ben_Klock_@_Berghain">Ben Klock @ Berghain</a>
		</div></body></html>`))
	}))
	defer srv.Close()

	m := NewMixesDB(testFetchClient(t))
	m.base = srv.URL

	candidates, err := m.Search(context.Background(), "Ben Klock Subzero", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(queries) != 1 || queries[0] != "Ben Klock Subzero" {
		t.Errorf("queries = %v, want one combined free-text query", queries)
	}
	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	if candidates[0].ExternalID != "w/2024-06-01_-_Ben_Klock_@_Berghain" {
		t.Errorf("external id = %q", candidates[0].ExternalID)
	}
}

func TestMixesDBFetchNoTracklistIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><body><h1 id=\"firstHeading\">Empty</h1></body></html>"))
	}))
	defer srv.Close()

	m := NewMixesDB(testFetchClient(t))
	_, err := m.Fetch(context.Background(), models.PlaylistCandidate{URL: srv.URL})
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindMalformed {
		t.Errorf("err = %v, want malformed fetch error", err)
	}
}

func TestBeatportFetchMapsChartTracks(t *testing.T) {
	chart := `{"results":[
		{"id":101,"name":"Subzero","mix_name":"Original Mix","isrc":"DEQ321400123",
		 "artists":[{"name":"Ben Klock"}],"release":{"label":{"name":"Ostgut Ton"}}},
		{"id":102,"name":"Badger Bite","mix_name":"Regis Remix","isrc":"",
		 "artists":[{"name":"Surgeon"}],"release":{"label":{"name":"Tresor"}}}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chart))
	}))
	defer srv.Close()

	b := NewBeatport(testFetchClient(t))
	payload, err := b.Fetch(context.Background(), models.PlaylistCandidate{
		ExternalID: "55",
		URL:        srv.URL,
		Title:      "Klockworks Chart",
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(payload.Tracks) != 2 {
		t.Fatalf("tracks = %d, want 2", len(payload.Tracks))
	}
	first := payload.Tracks[0]
	if first.ISRC != "DEQ321400123" || first.ExternalID != "101" {
		t.Errorf("identifiers not mapped: %+v", first)
	}
	if first.Remix != "" {
		t.Errorf("Original Mix should map to empty remix, got %q", first.Remix)
	}
	if payload.Tracks[1].Remix != "Regis Remix" {
		t.Errorf("remix = %q", payload.Tracks[1].Remix)
	}
}

func TestRedditFetchRequiresRealTracklist(t *testing.T) {
	post := `[{"data":{"children":[{"data":{
		"id":"abc123","title":"Set from last night",
		"selftext":"it was great",
		"permalink":"/r/DJs/comments/abc123/set/","created_utc":1717200000}}]}},
		{"data":{"children":[]}}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(post))
	}))
	defer srv.Close()

	r := NewReddit(testFetchClient(t))
	_, err := r.Fetch(context.Background(), models.PlaylistCandidate{URL: srv.URL})
	var fe *fetch.Error
	if !errors.As(err, &fe) || fe.Kind != fetch.KindMalformed {
		t.Errorf("err = %v, want malformed for prose-only post", err)
	}
}
