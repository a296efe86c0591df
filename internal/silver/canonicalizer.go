// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package silver canonicalizes bronze playlists: it deduplicates artists
// and tracks across sources and spellings, and emits the adjacency
// observations that the gold layer aggregates into transitions.
package silver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xrash/smetrics"

	"github.com/tomtom215/segue/internal/bronze"
	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
	"github.com/tomtom215/segue/internal/models"
)

// Canonicalizer turns bronze playlists into canonical entities and
// adjacency observations.
type Canonicalizer struct {
	db        *database.DB
	store     *bronze.Writer
	cfg       config.SilverConfig
	sentinels sentinelSet
	aliases   map[string]string
	enricher  Enricher
}

func NewCanonicalizer(db *database.DB, store *bronze.Writer, cfg config.SilverConfig, enricher Enricher) *Canonicalizer {
	aliases := make(map[string]string, len(cfg.AliasTable))
	for from, to := range cfg.AliasTable {
		aliases[Normalize(from)] = to
	}
	return &Canonicalizer{
		db:        db,
		store:     store,
		cfg:       cfg,
		sentinels: newSentinelSet(cfg.SentinelArtists),
		aliases:   aliases,
		enricher:  enricher,
	}
}

// Process canonicalizes one bronze playlist. A bronze playlist that was
// already canonicalized is reprocessed in place: the canonical playlist id
// is kept, its old observations are dropped, and fresh ones are derived
// from the current bronze rows. The canonical playlist, track resolutions,
// and adjacency observations commit in a single transaction, so a
// redelivered message converges to the same state it would have produced
// the first time.
func (c *Canonicalizer) Process(ctx context.Context, playlistID uuid.UUID, enrich bool) error {
	playlist, err := c.store.Playlist(ctx, playlistID)
	if err != nil {
		return fmt.Errorf("load bronze playlist %s: %w", playlistID, err)
	}

	existingID, err := c.canonicalIDFor(ctx, playlistID)
	if err != nil {
		return err
	}

	tracks, err := c.store.Tracks(ctx, playlistID)
	if err != nil {
		return fmt.Errorf("load bronze tracks: %w", err)
	}

	// resolved[i] is the canonical track for position i+1, or uuid.Nil for
	// sentinel placeholders. Positions stay aligned with the bronze rows so
	// adjacency pairs around dropped tracks are themselves dropped, never
	// bridged.
	resolved := make([]uuid.UUID, len(tracks))
	resolvedCount := 0
	var newTracks []uuid.UUID

	err = c.db.WithTx(ctx, func(tx *sql.Tx) error {
		for i, tr := range tracks {
			if c.sentinels.contains(tr.Artist) {
				metrics.SentinelArtistDrops.Inc()
				resolved[i] = uuid.Nil
				continue
			}
			trackID, created, err := c.resolveTrack(ctx, tx, tr)
			if err != nil {
				return fmt.Errorf("resolve track %q at position %d: %w", tr.Title, tr.Position, err)
			}
			resolved[i] = trackID
			resolvedCount++
			if created {
				newTracks = append(newTracks, trackID)
			}
		}

		canonicalID := existingID
		now := time.Now().UTC()
		if canonicalID != uuid.Nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE silver_canonical_playlist SET
					dj_name = ?, event_date = ?, genre = ?,
					track_count = ?, resolved_count = ?, processed_at = ?
				WHERE id = ?`,
				playlist.DJName, playlist.EventDate, nullable(playlist.Genre),
				len(tracks), resolvedCount, now, canonicalID.String())
			if err != nil {
				return fmt.Errorf("update canonical playlist: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`DELETE FROM silver_adjacency_observation WHERE playlist_id = ?`,
				canonicalID.String())
			if err != nil {
				return fmt.Errorf("clear observations: %w", err)
			}
		} else {
			canonicalID = uuid.New()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO silver_canonical_playlist
					(id, bronze_playlist_id, source_name, dj_name, event_date,
					 genre, track_count, resolved_count, processed_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				canonicalID.String(), playlistID.String(), playlist.SourceName,
				playlist.DJName, playlist.EventDate, nullable(playlist.Genre),
				len(tracks), resolvedCount, now)
			if err != nil {
				return fmt.Errorf("insert canonical playlist: %w", err)
			}
		}

		for i := 0; i+1 < len(resolved); i++ {
			from, to := resolved[i], resolved[i+1]
			if from == uuid.Nil || to == uuid.Nil {
				metrics.AdjacencyPairsDropped.Inc()
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO silver_adjacency_observation
					(id, playlist_id, from_track_id, to_track_id, position_from, observed_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				uuid.New().String(), canonicalID.String(), from.String(),
				to.String(), i+1, now)
			if err != nil {
				return fmt.Errorf("insert observation at position %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logging.Ctx(ctx).Info().
		Str("playlist_id", playlistID.String()).
		Int("tracks", len(tracks)).
		Int("resolved", resolvedCount).
		Msg("playlist canonicalized")

	if enrich && c.enricher != nil {
		c.enrichTracks(ctx, newTracks)
	}
	return nil
}

func (c *Canonicalizer) canonicalIDFor(ctx context.Context, bronzeID uuid.UUID) (uuid.UUID, error) {
	var raw string
	err := c.db.QueryRow(ctx, "select", "silver_canonical_playlist",
		`SELECT id FROM silver_canonical_playlist WHERE bronze_playlist_id = ?`,
		bronzeID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return uuid.MustParse(raw), nil
}

// resolveTrack matches one bronze track to a canonical track, in strict
// precedence order: source external id, then ISRC, then fuzzy title under
// the same artist, then create.
func (c *Canonicalizer) resolveTrack(ctx context.Context, tx *sql.Tx, tr models.BronzeTrack) (uuid.UUID, bool, error) {
	if tr.ExternalID != "" {
		if id, ok, err := c.lookupBy(ctx, tx, "external_id", tr.ExternalID); err != nil {
			return uuid.Nil, false, err
		} else if ok {
			metrics.TrackResolutions.WithLabelValues(string(models.ResolutionExternalID)).Inc()
			return id, false, nil
		}
	}
	if tr.ISRC != "" {
		if id, ok, err := c.lookupBy(ctx, tx, "isrc", tr.ISRC); err != nil {
			return uuid.Nil, false, err
		} else if ok {
			metrics.TrackResolutions.WithLabelValues(string(models.ResolutionISRC)).Inc()
			return id, false, nil
		}
	}

	artistID, err := c.resolveArtist(ctx, tx, tr.Artist)
	if err != nil {
		return uuid.Nil, false, err
	}

	if id, ok, err := c.fuzzyMatch(ctx, tx, artistID, tr); err != nil {
		return uuid.Nil, false, err
	} else if ok {
		metrics.TrackResolutions.WithLabelValues(string(models.ResolutionFuzzy)).Inc()
		return id, false, nil
	}

	id := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO silver_canonical_track
			(id, artist_id, title, normalized_title, remix, external_id, isrc, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), artistID.String(), tr.Title, Normalize(tr.Title),
		nullable(tr.Remix), nullable(tr.ExternalID), nullable(tr.ISRC),
		time.Now().UTC())
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("insert canonical track: %w", err)
	}
	metrics.TrackResolutions.WithLabelValues(string(models.ResolutionCreated)).Inc()
	return id, true, nil
}

func (c *Canonicalizer) lookupBy(ctx context.Context, tx *sql.Tx, column, value string) (uuid.UUID, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id FROM silver_canonical_track WHERE %s = ? LIMIT 1", column),
		value).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return uuid.MustParse(raw), true, nil
}

// resolveArtist finds or creates the artist row. Alias table entries map
// alternate spellings onto their canonical artist before lookup.
func (c *Canonicalizer) resolveArtist(ctx context.Context, tx *sql.Tx, name string) (uuid.UUID, error) {
	display := name
	normalized := Normalize(name)
	if canonical, ok := c.aliases[normalized]; ok {
		display = canonical
		normalized = Normalize(canonical)
	}

	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM silver_artist WHERE normalized_name = ? LIMIT 1`,
		normalized).Scan(&raw)
	if err == nil {
		return uuid.MustParse(raw), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, err
	}

	id := uuid.New()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO silver_artist (id, name, normalized_name, created_at)
		VALUES (?, ?, ?, ?)`,
		id.String(), display, normalized, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert artist %q: %w", display, err)
	}
	return id, nil
}

// fuzzyMatch scans the artist's existing tracks for a title whose
// Jaro-Winkler similarity clears the threshold. The remix part must match
// exactly: "Subzero" and "Subzero (Surgeon Remix)" are different tracks no
// matter how similar the titles.
func (c *Canonicalizer) fuzzyMatch(ctx context.Context, tx *sql.Tx, artistID uuid.UUID, tr models.BronzeTrack) (uuid.UUID, bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, normalized_title, COALESCE(remix, '')
		FROM silver_canonical_track WHERE artist_id = ?`, artistID.String())
	if err != nil {
		return uuid.Nil, false, err
	}
	defer func() { _ = rows.Close() }()

	target := Normalize(tr.Title)
	targetRemix := Normalize(tr.Remix)

	bestID := uuid.Nil
	bestScore := 0.0
	for rows.Next() {
		var raw, normTitle, remix string
		if err := rows.Scan(&raw, &normTitle, &remix); err != nil {
			return uuid.Nil, false, err
		}
		if Normalize(remix) != targetRemix {
			continue
		}
		score := smetrics.JaroWinkler(target, normTitle, 0.7, 4)
		if score >= c.cfg.FuzzyThreshold && score > bestScore {
			bestScore = score
			bestID = uuid.MustParse(raw)
		}
	}
	if err := rows.Err(); err != nil {
		return uuid.Nil, false, err
	}
	return bestID, bestID != uuid.Nil, nil
}

// enrichTracks fetches audio features for newly created tracks. Failures
// log and move on; enrichment never fails a playlist.
func (c *Canonicalizer) enrichTracks(ctx context.Context, trackIDs []uuid.UUID) {
	for _, id := range trackIDs {
		var artist, title string
		err := c.db.QueryRow(ctx, "select", "silver_canonical_track", `
			SELECT a.name, t.title
			FROM silver_canonical_track t JOIN silver_artist a ON a.id = t.artist_id
			WHERE t.id = ?`, id.String()).Scan(&artist, &title)
		if err != nil {
			continue
		}

		features, err := c.enricher.Enrich(ctx, artist, title)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).
				Str("track", title).
				Msg("enrichment failed")
			continue
		}
		if features.BPM == nil && features.MusicalKey == nil && features.Energy == nil {
			continue
		}

		_, err = c.db.Exec(ctx, "update", "silver_canonical_track", `
			UPDATE silver_canonical_track
			SET bpm = COALESCE(?, bpm),
			    musical_key = COALESCE(?, musical_key),
			    energy = COALESCE(?, energy),
			    enriched_at = ?
			WHERE id = ?`,
			features.BPM, features.MusicalKey, features.Energy,
			time.Now().UTC(), id.String())
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("enrichment update failed")
		}
	}
}

// Rebuild truncates the silver layer and reprocesses every bronze playlist
// in ingestion order. Gold and operational must be rebuilt afterwards.
func (c *Canonicalizer) Rebuild(ctx context.Context, enrich bool) (int, error) {
	if err := c.db.TruncateLayer(ctx, "silver"); err != nil {
		return 0, err
	}
	ids, err := c.store.PlaylistIDs(ctx)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, id := range ids {
		if err := c.Process(ctx, id, enrich); err != nil {
			return processed, fmt.Errorf("rebuild at playlist %s: %w", id, err)
		}
		processed++
	}
	return processed, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
