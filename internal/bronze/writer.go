// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package bronze persists raw scraped playlists. Bronze is the system of
// record, keyed by (source_name, url): a re-scrape of the same URL replaces
// the stored row and its tracks in place while keeping the playlist id
// stable, and a payload whose content hash matches the stored row is skipped
// without touching the database. A playlist with broken track positions is
// rejected whole rather than partially stored.
package bronze

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/models"
)

// ErrPositionIntegrity marks a payload whose track positions are not
// contiguous 1..N.
var ErrPositionIntegrity = errors.New("track positions are not contiguous 1..N")

// Outcome describes what a Write did to the bronze layer.
type Outcome string

const (
	// OutcomeCreated means the playlist URL was new and a fresh row was
	// inserted.
	OutcomeCreated Outcome = "created"

	// OutcomeUpdated means the URL was known but the payload differed; the
	// playlist row was updated in place and its tracks replaced.
	OutcomeUpdated Outcome = "updated"

	// OutcomeUnchanged means the stored content hash matched; nothing was
	// written and downstream reprocessing can be skipped.
	OutcomeUnchanged Outcome = "unchanged"
)

// Writer persists playlists into the bronze layer.
type Writer struct {
	db *database.DB
}

func NewWriter(db *database.DB) *Writer {
	return &Writer{db: db}
}

// validatePositions checks the contiguity invariant. Adapters emit
// positions from line order, so a violation means an adapter bug, not bad
// source data; rejecting loudly here keeps false adjacencies out of the
// graph.
func validatePositions(tracks []models.TrackRecord) error {
	if len(tracks) == 0 {
		return fmt.Errorf("%w: empty tracklist", ErrPositionIntegrity)
	}
	for i, tr := range tracks {
		if tr.Position != i+1 {
			return fmt.Errorf("%w: position %d at index %d", ErrPositionIntegrity, tr.Position, i)
		}
	}
	return nil
}

// contentHash digests the parsed fields that downstream layers consume.
// FetchedAt and the raw page bytes are excluded so a re-fetch of an
// unchanged tracklist hashes identically even when ads or timestamps in the
// page markup moved.
func contentHash(payload *models.PlaylistPayload) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(payload.SourceName)
	write(payload.URL)
	write(payload.Title)
	write(payload.DJName)
	write(payload.EventName)
	write(payload.Venue)
	write(payload.Genre)
	if payload.EventDate != nil {
		write(payload.EventDate.UTC().Format("2006-01-02"))
	} else {
		write("")
	}
	for _, tr := range payload.Tracks {
		write(strconv.Itoa(tr.Position))
		write(tr.Artist)
		write(tr.Title)
		write(tr.Remix)
		write(tr.Label)
		write(tr.ExternalID)
		write(tr.ISRC)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Write upserts a playlist and its tracks in one transaction, keyed by
// (source_name, url). A new URL inserts a fresh row; a known URL with a
// changed payload keeps its playlist id, updates the row, and replaces
// every track row; a known URL with an identical content hash is left
// untouched. The returned Outcome tells the caller which of the three
// happened. ErrPositionIntegrity is returned when the payload violates the
// position invariant.
func (w *Writer) Write(ctx context.Context, payload *models.PlaylistPayload) (*models.BronzePlaylist, Outcome, error) {
	if err := validatePositions(payload.Tracks); err != nil {
		return nil, "", err
	}

	hash := contentHash(payload)

	existingID, existingHash, err := w.lookup(ctx, payload.SourceName, payload.URL)
	if err != nil {
		return nil, "", err
	}
	if existingID != uuid.Nil && existingHash == hash {
		playlist, err := w.Playlist(ctx, existingID)
		if err != nil {
			return nil, "", err
		}
		return playlist, OutcomeUnchanged, nil
	}

	playlist := &models.BronzePlaylist{
		ID:          uuid.New(),
		SourceName:  payload.SourceName,
		ExternalID:  payload.ExternalID,
		URL:         payload.URL,
		Title:       payload.Title,
		DJName:      payload.DJName,
		EventName:   payload.EventName,
		Venue:       payload.Venue,
		EventDate:   payload.EventDate,
		Genre:       payload.Genre,
		TrackCount:  len(payload.Tracks),
		RawBlob:     payload.RawBlob,
		ContentHash: hash,
		FetchedAt:   payload.FetchedAt,
		IngestedAt:  time.Now().UTC(),
	}
	outcome := OutcomeCreated
	if existingID != uuid.Nil {
		playlist.ID = existingID
		outcome = OutcomeUpdated
	}

	err = w.db.WithTx(ctx, func(tx *sql.Tx) error {
		if outcome == OutcomeUpdated {
			_, err := tx.ExecContext(ctx, `
				UPDATE bronze_playlist SET
					external_id = ?, title = ?, dj_name = ?, event_name = ?,
					venue = ?, event_date = ?, genre = ?, track_count = ?,
					raw_blob = ?, content_hash = ?, fetched_at = ?, ingested_at = ?
				WHERE id = ?`,
				playlist.ExternalID, playlist.Title, playlist.DJName,
				nullable(playlist.EventName), nullable(playlist.Venue),
				playlist.EventDate, nullable(playlist.Genre),
				playlist.TrackCount, playlist.RawBlob, playlist.ContentHash,
				playlist.FetchedAt, playlist.IngestedAt, playlist.ID.String())
			if err != nil {
				return fmt.Errorf("update bronze_playlist: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM bronze_track WHERE playlist_id = ?`,
				playlist.ID.String())
			if err != nil {
				return fmt.Errorf("clear bronze_track: %w", err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bronze_playlist
					(id, source_name, external_id, url, title, dj_name, event_name,
					 venue, event_date, genre, track_count, raw_blob, content_hash,
					 fetched_at, ingested_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				playlist.ID.String(), playlist.SourceName, playlist.ExternalID,
				playlist.URL, playlist.Title, playlist.DJName,
				nullable(playlist.EventName), nullable(playlist.Venue),
				playlist.EventDate, nullable(playlist.Genre),
				playlist.TrackCount, playlist.RawBlob, playlist.ContentHash,
				playlist.FetchedAt, playlist.IngestedAt)
			if err != nil {
				return fmt.Errorf("insert bronze_playlist: %w", err)
			}
		}

		for _, tr := range payload.Tracks {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO bronze_track
					(id, playlist_id, position, artist, title, remix, label,
					 external_id, isrc, raw_blob)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				uuid.New().String(), playlist.ID.String(), tr.Position,
				tr.Artist, tr.Title, nullable(tr.Remix), nullable(tr.Label),
				nullable(tr.ExternalID), nullable(tr.ISRC), nullable(tr.RawBlob))
			if err != nil {
				return fmt.Errorf("insert bronze_track position %d: %w", tr.Position, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	logging.Ctx(ctx).Info().
		Str("source", playlist.SourceName).
		Str("url", playlist.URL).
		Str("outcome", string(outcome)).
		Int("tracks", playlist.TrackCount).
		Msg("bronze playlist ingested")
	return playlist, outcome, nil
}

func (w *Writer) lookup(ctx context.Context, source, url string) (uuid.UUID, string, error) {
	row := w.db.QueryRow(ctx, "select", "bronze_playlist",
		`SELECT id, content_hash FROM bronze_playlist WHERE source_name = ? AND url = ?`,
		source, url)
	var rawID, hash string
	if err := row.Scan(&rawID, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, "", nil
		}
		return uuid.Nil, "", fmt.Errorf("lookup bronze_playlist: %w", err)
	}
	return uuid.MustParse(rawID), hash, nil
}

// Tracks loads the ordered track rows of a bronze playlist.
func (w *Writer) Tracks(ctx context.Context, playlistID uuid.UUID) ([]models.BronzeTrack, error) {
	rows, err := w.db.Query(ctx, "select", "bronze_track", `
		SELECT id, playlist_id, position, artist, title,
		       COALESCE(remix, ''), COALESCE(label, ''),
		       COALESCE(external_id, ''), COALESCE(isrc, ''),
		       COALESCE(raw_blob, '')
		FROM bronze_track WHERE playlist_id = ? ORDER BY position`,
		playlistID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tracks []models.BronzeTrack
	for rows.Next() {
		var t models.BronzeTrack
		var id, pid string
		if err := rows.Scan(&id, &pid, &t.Position, &t.Artist, &t.Title,
			&t.Remix, &t.Label, &t.ExternalID, &t.ISRC, &t.RawBlob); err != nil {
			return nil, err
		}
		t.ID = uuid.MustParse(id)
		t.PlaylistID = uuid.MustParse(pid)
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// Playlist loads one bronze playlist row by id.
func (w *Writer) Playlist(ctx context.Context, id uuid.UUID) (*models.BronzePlaylist, error) {
	row := w.db.QueryRow(ctx, "select", "bronze_playlist", `
		SELECT id, source_name, external_id, url, title, dj_name,
		       COALESCE(event_name, ''), COALESCE(venue, ''), event_date,
		       COALESCE(genre, ''), track_count, raw_blob, content_hash,
		       fetched_at, ingested_at
		FROM bronze_playlist WHERE id = ?`, id.String())

	var p models.BronzePlaylist
	var rawID string
	if err := row.Scan(&rawID, &p.SourceName, &p.ExternalID, &p.URL, &p.Title,
		&p.DJName, &p.EventName, &p.Venue, &p.EventDate, &p.Genre,
		&p.TrackCount, &p.RawBlob, &p.ContentHash,
		&p.FetchedAt, &p.IngestedAt); err != nil {
		return nil, err
	}
	p.ID = uuid.MustParse(rawID)
	return &p, nil
}

// PlaylistIDs lists all bronze playlist ids in ingestion order, used by the
// silver rebuild.
func (w *Writer) PlaylistIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := w.db.Query(ctx, "select", "bronze_playlist",
		`SELECT id FROM bronze_playlist ORDER BY ingested_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ids = append(ids, uuid.MustParse(raw))
	}
	return ids, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
