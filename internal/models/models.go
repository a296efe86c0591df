// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package models defines the data types shared across the Segue pipeline:
// scrape requests and reports, raw playlist payloads, and the row types of
// the bronze, silver, gold, and operational layers.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Scrape Requests
// ============================================================================

// ScrapeOptions tunes one scrape request beyond the configured defaults.
type ScrapeOptions struct {
	// EnableEnrichment requests audio-feature enrichment for newly created
	// canonical tracks. Nil means enabled.
	EnableEnrichment *bool `json:"enable_enrichment,omitempty"`

	// MaxRetries overrides the per-fetch retry budget. Nil means the
	// configured default.
	MaxRetries *int `json:"max_retries,omitempty"`

	// Timeout is the hard deadline for the whole request in seconds. Zero
	// means the configured default.
	Timeout int `json:"timeout,omitempty" validate:"omitempty,min=1"`
}

// ScrapeRequest is the unified request accepted by POST /scrape. The
// dispatcher resolves the adapter by Source name and runs the adapter's
// search with SearchQuery as one free-text string; splitting it into artist
// and title is a site concern, never the caller's.
type ScrapeRequest struct {
	// Source names the adapter to use (e.g. "mixesdb", "tracklists1001").
	Source string `json:"source" validate:"required"`

	// SearchQuery is the combined free-text search input, e.g.
	// "Ben Klock Subzero".
	SearchQuery string `json:"search_query,omitempty"`

	// TargetArtist and TargetTitle are metadata only; they annotate the job
	// and never change what is fetched.
	TargetArtist string `json:"target_artist,omitempty"`
	TargetTitle  string `json:"target_title,omitempty"`

	// TargetURLs lists playlist page URLs to scrape directly, skipping
	// search.
	TargetURLs []string `json:"target_urls,omitempty"`

	// UseSeeds builds search queries from the administrator-maintained
	// target_tracks table instead of SearchQuery.
	UseSeeds bool `json:"use_seeds,omitempty"`

	// Limit caps the number of playlists processed. Zero means the
	// configured default.
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1,max=1000"`

	Options ScrapeOptions `json:"options"`
}

// Enrich resolves the enrichment flag with its enabled-by-default semantics.
func (r ScrapeRequest) Enrich() bool {
	return r.Options.EnableEnrichment == nil || *r.Options.EnableEnrichment
}

// JobStatus is the lifecycle state of a scrape job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusRejected  JobStatus = "rejected"
)

// ScrapeError is one per-URL failure inside a scrape report.
type ScrapeError struct {
	URL     string `json:"url"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ScrapeReport summarizes a scrape job. Counters are monotonically updated
// while the job runs; the report is final once Status leaves running.
type ScrapeReport struct {
	JobID     uuid.UUID `json:"job_id"`
	Source    string    `json:"source"`
	Status    JobStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	CandidatesFound  int `json:"candidates_found"`
	PlaylistsScraped int `json:"playlists_scraped"`
	PlaylistsSkipped int `json:"playlists_skipped"`
	TracksExtracted  int `json:"tracks_extracted"`

	// TransitionsCreated counts the adjacency observations the scraped
	// playlists contributed. The pipeline runs asynchronously, so the count
	// settles shortly after the job ends.
	TransitionsCreated int `json:"transitions_created"`

	// BronzePlaylistIDs lists every playlist row this job wrote or updated.
	BronzePlaylistIDs []uuid.UUID `json:"bronze_playlist_ids"`

	ExecutionSeconds float64 `json:"execution_seconds"`

	// Errors holds per-URL failures, including Cancelled entries for
	// candidates the deadline cut off.
	Errors []ScrapeError `json:"errors,omitempty"`
}

// TargetTrack is an administrator-supplied search seed. The pipeline reads
// these for seeded scrapes but never inserts them.
type TargetTrack struct {
	ID      uuid.UUID `json:"id"`
	Artist  string    `json:"artist" validate:"required"`
	Title   string    `json:"title" validate:"required"`
	AddedAt time.Time `json:"added_at"`
}

// PlaylistCandidate is a discovered playlist reference, prior to fetching
// its detail page.
type PlaylistCandidate struct {
	SourceName string
	ExternalID string
	URL        string
	Title      string
}

// ============================================================================
// Raw Payloads (adapter output)
// ============================================================================

// TrackRecord is one parsed track line within a playlist, in source order.
// RawBlob keeps the unparsed source fragment so a parser fix can reprocess
// old rows.
type TrackRecord struct {
	Position   int    `json:"position"`
	Artist     string `json:"artist"`
	Title      string `json:"title"`
	Remix      string `json:"remix,omitempty"`
	Label      string `json:"label,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	RawBlob    string `json:"raw_blob,omitempty"`
}

// PlaylistPayload is a fully parsed playlist as produced by a source adapter.
// Positions must be contiguous 1..N before it is accepted into Bronze.
type PlaylistPayload struct {
	SourceName string        `json:"source_name"`
	ExternalID string        `json:"external_id"`
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	DJName     string        `json:"dj_name"`
	EventName  string        `json:"event_name,omitempty"`
	Venue      string        `json:"venue,omitempty"`
	EventDate  *time.Time    `json:"event_date,omitempty"`
	Genre      string        `json:"genre,omitempty"`
	Tracks     []TrackRecord `json:"tracks"`

	// RawBlob is the fetched page or API body the payload was parsed from.
	RawBlob []byte `json:"-"`

	// FetchedAt is when the page was retrieved, not when it was parsed.
	FetchedAt time.Time `json:"fetched_at"`
}

// ============================================================================
// Bronze Layer
// ============================================================================

// BronzePlaylist is a raw persisted playlist, keyed by (source_name, url).
// A re-scrape of the same URL upserts the row in place: the id is stable,
// the metadata and track rows are replaced, and ContentHash detects
// unchanged payloads so identical re-scrapes are skipped entirely.
type BronzePlaylist struct {
	ID          uuid.UUID  `json:"id"`
	SourceName  string     `json:"source_name"`
	ExternalID  string     `json:"external_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	DJName      string     `json:"dj_name"`
	EventName   string     `json:"event_name,omitempty"`
	Venue       string     `json:"venue,omitempty"`
	EventDate   *time.Time `json:"event_date,omitempty"`
	Genre       string     `json:"genre,omitempty"`
	TrackCount  int        `json:"track_count"`
	RawBlob     []byte     `json:"-"`
	ContentHash string     `json:"-"`
	FetchedAt   time.Time  `json:"fetched_at"`
	IngestedAt  time.Time  `json:"ingested_at"`
}

// BronzeTrack is one raw track row belonging to a bronze playlist.
type BronzeTrack struct {
	ID         uuid.UUID `json:"id"`
	PlaylistID uuid.UUID `json:"playlist_id"`
	Position   int       `json:"position"`
	Artist     string    `json:"artist"`
	Title      string    `json:"title"`
	Remix      string    `json:"remix,omitempty"`
	Label      string    `json:"label,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	ISRC       string    `json:"isrc,omitempty"`
	RawBlob    string    `json:"raw_blob,omitempty"`
}

// ============================================================================
// Silver Layer
// ============================================================================

// ResolutionMethod records how an incoming raw track matched a canonical one.
type ResolutionMethod string

const (
	ResolutionExternalID ResolutionMethod = "external_id"
	ResolutionISRC       ResolutionMethod = "isrc"
	ResolutionFuzzy      ResolutionMethod = "fuzzy"
	ResolutionCreated    ResolutionMethod = "created"
)

// Artist is a deduplicated artist entity.
type Artist struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	CreatedAt      time.Time `json:"created_at"`
}

// CanonicalTrack is the deduplicated track identity that graph nodes
// ultimately reference. Audio features are nullable until enrichment runs.
type CanonicalTrack struct {
	ID              uuid.UUID `json:"id"`
	ArtistID        uuid.UUID `json:"artist_id"`
	Title           string    `json:"title"`
	NormalizedTitle string    `json:"normalized_title"`
	Remix           string    `json:"remix,omitempty"`
	ExternalID      string    `json:"external_id,omitempty"`
	ISRC            string    `json:"isrc,omitempty"`

	BPM        *float64 `json:"bpm,omitempty"`
	MusicalKey *string  `json:"musical_key,omitempty"`
	Energy     *float64 `json:"energy,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`
}

// CanonicalPlaylist links a bronze playlist to its resolved track sequence.
type CanonicalPlaylist struct {
	ID               uuid.UUID  `json:"id"`
	BronzePlaylistID uuid.UUID  `json:"bronze_playlist_id"`
	SourceName       string     `json:"source_name"`
	DJName           string     `json:"dj_name"`
	EventDate        *time.Time `json:"event_date,omitempty"`
	Genre            string     `json:"genre,omitempty"`
	TrackCount       int        `json:"track_count"`
	ResolvedCount    int        `json:"resolved_count"`
	ProcessedAt      time.Time  `json:"processed_at"`
}

// AdjacencyObservation records one observed consecutive pair within one
// playlist: FromTrackID was played at PositionFrom, ToTrackID immediately
// after. Pairs involving sentinel artists or unresolved tracks never produce
// observations.
type AdjacencyObservation struct {
	ID           uuid.UUID `json:"id"`
	PlaylistID   uuid.UUID `json:"playlist_id"`
	FromTrackID  uuid.UUID `json:"from_track_id"`
	ToTrackID    uuid.UUID `json:"to_track_id"`
	PositionFrom int       `json:"position_from"`
	ObservedAt   time.Time `json:"observed_at"`
}

// ============================================================================
// Gold Layer
// ============================================================================

// Transition is the aggregated directed edge between two canonical tracks.
// OccurrenceCount always equals the number of distinct observing playlists.
type Transition struct {
	FromTrackID     uuid.UUID `json:"from_track_id"`
	ToTrackID       uuid.UUID `json:"to_track_id"`
	OccurrenceCount int       `json:"occurrence_count"`

	// ObservingPlaylistIDs lists the distinct playlists contributing to
	// this transition.
	ObservingPlaylistIDs []uuid.UUID `json:"observing_playlist_ids"`

	// BPMDelta is the signed mean of bpm(to) - bpm(from) across observing
	// playlists; nil when either side lacks BPM. Negative means the DJ
	// typically slows down across this transition.
	BPMDelta *float64 `json:"bpm_delta,omitempty"`

	// KeyCompat is 1 when the two keys are harmonically compatible on the
	// Camelot wheel, 0 when not; nil when either key is unknown.
	KeyCompat *float64 `json:"key_compat,omitempty"`

	// EnergyDelta is energy(to) - energy(from); nil when either side lacks
	// an energy value.
	EnergyDelta *float64 `json:"energy_delta,omitempty"`

	Confidence float64 `json:"confidence"`
	Quality    float64 `json:"quality"`

	// LastObservedAt is the most recent observation feeding this edge; the
	// materializer uses it to break ties between equal-weight edges.
	LastObservedAt time.Time `json:"last_observed_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TrackStats is the per-track aggregate in Gold.
type TrackStats struct {
	TrackID        uuid.UUID `json:"track_id"`
	PlayCount      int       `json:"play_count"`
	DistinctDJs    int       `json:"distinct_djs"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	OutTransitions int       `json:"out_transitions"`
	InTransitions  int       `json:"in_transitions"`
}

// ============================================================================
// Operational Layer
// ============================================================================

// GraphNode is the read-optimized node projection served to clients.
type GraphNode struct {
	TrackID    uuid.UUID `json:"track_id"`
	Artist     string    `json:"artist"`
	Title      string    `json:"title"`
	Remix      string    `json:"remix,omitempty"`
	BPM        *float64  `json:"bpm,omitempty"`
	MusicalKey *string   `json:"musical_key,omitempty"`
	Energy     *float64  `json:"energy,omitempty"`

	// Popularity is PlayCount min-max normalized to [0,1] across the graph.
	Popularity float64 `json:"popularity"`
	OutDegree  int     `json:"out_degree"`
	InDegree   int     `json:"in_degree"`
}

// GraphEdge is the read-optimized edge projection. Edges below the
// configured minimum weight are absent.
type GraphEdge struct {
	FromTrackID uuid.UUID `json:"from_track_id"`
	ToTrackID   uuid.UUID `json:"to_track_id"`
	Weight      int       `json:"weight"`
	Confidence  float64   `json:"confidence"`
	Quality     float64   `json:"quality"`
}

// ============================================================================
// Pipeline Bookkeeping
// ============================================================================

// DLQEntry is a poisoned pipeline message persisted for inspection.
type DLQEntry struct {
	ID         uuid.UUID `json:"id"`
	Topic      string    `json:"topic"`
	MessageID  string    `json:"message_id"`
	Payload    []byte    `json:"payload"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PipelineStats is the snapshot served by GET /stats.
type PipelineStats struct {
	BronzePlaylists  int64 `json:"bronze_playlists"`
	BronzeTracks     int64 `json:"bronze_tracks"`
	CanonicalTracks  int64 `json:"canonical_tracks"`
	Artists          int64 `json:"artists"`
	Observations     int64 `json:"observations"`
	Transitions      int64 `json:"transitions"`
	GraphNodes       int64 `json:"graph_nodes"`
	GraphEdges       int64 `json:"graph_edges"`
	DLQEntries       int64 `json:"dlq_entries"`
	JobsInFlight     int   `json:"jobs_in_flight"`
	JobsCompleted    int64 `json:"jobs_completed"`
	JobsFailed       int64 `json:"jobs_failed"`
}
