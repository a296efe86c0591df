// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package gold aggregates silver adjacency observations into weighted
// transitions. Each (from, to) pair carries the distinct playlists that
// observed it, a saturating confidence score, and a mix-quality score
// blending occurrence evidence with audio-feature compatibility.
package gold

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
)

// Aggregator maintains the gold layer.
type Aggregator struct {
	db  *database.DB
	cfg config.GoldConfig
}

func NewAggregator(db *database.DB, cfg config.GoldConfig) *Aggregator {
	return &Aggregator{db: db, cfg: cfg}
}

// trackFeatures is the slice of canonical track columns quality scoring
// needs.
type trackFeatures struct {
	bpm    *float64
	key    *string
	energy *float64
}

// ProcessPlaylist folds one canonicalized playlist's observations into the
// transition table. The touched set is the union of the playlist's current
// pairs and any pairs that previously listed it among their observers, so a
// reprocessed playlist whose observations vanished decrements or deletes the
// transitions it used to support. Recomputing each touched pair from silver
// keeps the occurrence-count == observing-playlists invariant immune to
// redeliveries and rebuild ordering.
func (a *Aggregator) ProcessPlaylist(ctx context.Context, canonicalPlaylistID uuid.UUID) (int, error) {
	current, err := a.pairsOf(ctx, canonicalPlaylistID)
	if err != nil {
		return 0, err
	}
	prior, err := a.priorPairsOf(ctx, canonicalPlaylistID)
	if err != nil {
		return 0, err
	}

	seen := make(map[[2]uuid.UUID]bool, len(current)+len(prior))
	pairs := make([][2]uuid.UUID, 0, len(current)+len(prior))
	for _, p := range append(current, prior...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		pairs = append(pairs, p)
	}

	trackSet := make(map[uuid.UUID]bool, len(pairs)*2)
	for _, p := range pairs {
		trackSet[p[0]] = true
		trackSet[p[1]] = true
	}
	tracks := make([]uuid.UUID, 0, len(trackSet))
	for id := range trackSet {
		tracks = append(tracks, id)
	}

	for _, p := range pairs {
		if err := a.recomputePair(ctx, p[0], p[1]); err != nil {
			return 0, fmt.Errorf("recompute transition %s -> %s: %w", p[0], p[1], err)
		}
		metrics.TransitionsUpserted.Inc()
	}
	if err := a.updateTrackStats(ctx, tracks); err != nil {
		return 0, err
	}
	logging.Ctx(ctx).Debug().
		Str("playlist_id", canonicalPlaylistID.String()).
		Int("pairs", len(pairs)).
		Msg("gold transitions updated")
	return len(current), nil
}

func (a *Aggregator) pairsOf(ctx context.Context, playlistID uuid.UUID) ([][2]uuid.UUID, error) {
	rows, err := a.db.Query(ctx, "select", "silver_adjacency_observation", `
		SELECT DISTINCT from_track_id, to_track_id
		FROM silver_adjacency_observation WHERE playlist_id = ?`,
		playlistID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pairs [][2]uuid.UUID
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]uuid.UUID{uuid.MustParse(from), uuid.MustParse(to)})
	}
	return pairs, rows.Err()
}

// priorPairsOf lists transitions that counted this playlist among their
// observers the last time they were computed.
func (a *Aggregator) priorPairsOf(ctx context.Context, playlistID uuid.UUID) ([][2]uuid.UUID, error) {
	rows, err := a.db.Query(ctx, "select", "gold_transition", `
		SELECT from_track_id, to_track_id
		FROM gold_transition WHERE list_contains(observing_playlist_ids, ?)`,
		playlistID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pairs [][2]uuid.UUID
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]uuid.UUID{uuid.MustParse(from), uuid.MustParse(to)})
	}
	return pairs, rows.Err()
}

// recomputePair rebuilds one transition row from the full observation set.
// A pair with no remaining observations is deleted outright.
func (a *Aggregator) recomputePair(ctx context.Context, from, to uuid.UUID) error {
	rows, err := a.db.Query(ctx, "select", "silver_adjacency_observation", `
		SELECT DISTINCT playlist_id
		FROM silver_adjacency_observation
		WHERE from_track_id = ? AND to_track_id = ?
		ORDER BY playlist_id`,
		from.String(), to.String())
	if err != nil {
		return err
	}
	var playlistIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		playlistIDs = append(playlistIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(playlistIDs) == 0 {
		_, err := a.db.Exec(ctx, "delete", "gold_transition",
			`DELETE FROM gold_transition WHERE from_track_id = ? AND to_track_id = ?`,
			from.String(), to.String())
		return err
	}

	var lastObserved time.Time
	err = a.db.QueryRow(ctx, "select", "silver_adjacency_observation", `
		SELECT MAX(observed_at) FROM silver_adjacency_observation
		WHERE from_track_id = ? AND to_track_id = ?`,
		from.String(), to.String()).Scan(&lastObserved)
	if err != nil {
		return err
	}

	fromFeat, err := a.features(ctx, from)
	if err != nil {
		return err
	}
	toFeat, err := a.features(ctx, to)
	if err != nil {
		return err
	}

	count := len(playlistIDs)
	confidence := 1 - math.Exp(-float64(count)/a.cfg.ConfidenceK)
	bpmDelta := delta(fromFeat.bpm, toFeat.bpm)
	keyCompat := KeyCompat(fromFeat.key, toFeat.key)
	energyDelta := delta(fromFeat.energy, toFeat.energy)
	quality := a.quality(confidence, bpmDelta, keyCompat, energyDelta)

	// DuckDB list literal for the UUID[] column.
	listLiteral := "[" + "'" + strings.Join(playlistIDs, "','") + "'" + "]"

	_, err = a.db.Exec(ctx, "upsert", "gold_transition", fmt.Sprintf(`
		INSERT OR REPLACE INTO gold_transition
			(from_track_id, to_track_id, occurrence_count, observing_playlist_ids,
			 bpm_delta, key_compat, energy_delta, confidence, quality,
			 last_observed_at, updated_at)
		VALUES (?, ?, ?, %s, ?, ?, ?, ?, ?, ?, ?)`, listLiteral),
		from.String(), to.String(), count,
		bpmDelta, keyCompat, energyDelta,
		confidence, quality, lastObserved, time.Now().UTC())
	return err
}

func (a *Aggregator) features(ctx context.Context, trackID uuid.UUID) (trackFeatures, error) {
	var f trackFeatures
	err := a.db.QueryRow(ctx, "select", "silver_canonical_track",
		`SELECT bpm, musical_key, energy FROM silver_canonical_track WHERE id = ?`,
		trackID.String()).Scan(&f.bpm, &f.key, &f.energy)
	return f, err
}

// delta computes the signed to - from; nil when either side is missing.
// The sign carries meaning for BPM: negative means the second track is
// slower.
func delta(from, to *float64) *float64 {
	if from == nil || to == nil {
		return nil
	}
	d := *to - *from
	return &d
}

// quality blends the scoring components. Components whose inputs are
// missing contribute a neutral 0.5, so sparsely enriched tracks neither
// sink nor inflate.
func (a *Aggregator) quality(confidence float64, bpmDelta, keyCompat, energyDelta *float64) float64 {
	bpmScore := 0.5
	if bpmDelta != nil {
		// Within 16 BPM is blendable on pitch faders; beyond that scores 0.
		bpmScore = 1 - math.Min(math.Abs(*bpmDelta)/16.0, 1)
	}
	keyScore := 0.5
	if keyCompat != nil {
		keyScore = *keyCompat
	}
	energyScore := 0.5
	if energyDelta != nil {
		energyScore = 1 - math.Min(math.Abs(*energyDelta), 1)
	}
	return a.cfg.QualityWeightOccurrence*confidence +
		a.cfg.QualityWeightBPM*bpmScore +
		a.cfg.QualityWeightKey*keyScore +
		a.cfg.QualityWeightEnergy*energyScore
}

// updateTrackStats recomputes per-track aggregates for the given tracks.
// Tracks whose observations all vanished lose their stats row.
func (a *Aggregator) updateTrackStats(ctx context.Context, trackIDs []uuid.UUID) error {
	for _, id := range trackIDs {
		var remaining int
		err := a.db.QueryRow(ctx, "select", "silver_adjacency_observation", `
			SELECT COUNT(*) FROM silver_adjacency_observation
			WHERE from_track_id = ? OR to_track_id = ?`,
			id.String(), id.String()).Scan(&remaining)
		if err != nil {
			return err
		}
		if remaining == 0 {
			_, err := a.db.Exec(ctx, "delete", "gold_track_stats",
				`DELETE FROM gold_track_stats WHERE track_id = ?`, id.String())
			if err != nil {
				return err
			}
			continue
		}

		_, err = a.db.Exec(ctx, "upsert", "gold_track_stats", `
			INSERT OR REPLACE INTO gold_track_stats
				(track_id, play_count, distinct_djs, first_seen, last_seen,
				 out_transitions, in_transitions)
			SELECT t.id,
			       (SELECT COUNT(DISTINCT o.playlist_id)
			        FROM silver_adjacency_observation o
			        WHERE o.from_track_id = t.id OR o.to_track_id = t.id),
			       (SELECT COUNT(DISTINCT p.dj_name)
			        FROM silver_adjacency_observation o
			        JOIN silver_canonical_playlist p ON p.id = o.playlist_id
			        WHERE o.from_track_id = t.id OR o.to_track_id = t.id),
			       (SELECT MIN(o.observed_at) FROM silver_adjacency_observation o
			        WHERE o.from_track_id = t.id OR o.to_track_id = t.id),
			       (SELECT MAX(o.observed_at) FROM silver_adjacency_observation o
			        WHERE o.from_track_id = t.id OR o.to_track_id = t.id),
			       (SELECT COUNT(DISTINCT o.to_track_id) FROM silver_adjacency_observation o
			        WHERE o.from_track_id = t.id),
			       (SELECT COUNT(DISTINCT o.from_track_id) FROM silver_adjacency_observation o
			        WHERE o.to_track_id = t.id)
			FROM silver_canonical_track t
			WHERE t.id = ?`, id.String())
		if err != nil {
			return err
		}
	}
	return nil
}

// Rebuild recomputes the whole gold layer from silver.
func (a *Aggregator) Rebuild(ctx context.Context) (int, error) {
	if err := a.db.TruncateLayer(ctx, "gold"); err != nil {
		return 0, err
	}

	rows, err := a.db.Query(ctx, "select", "silver_canonical_playlist",
		`SELECT id FROM silver_canonical_playlist ORDER BY processed_at`)
	if err != nil {
		return 0, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, uuid.MustParse(raw))
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		n, err := a.ProcessPlaylist(ctx, id)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
