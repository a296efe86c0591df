// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package operational projects the gold layer into the read-optimized graph
// served by the API: denormalized nodes with popularity scores and edges
// filtered to the configured minimum weight.
package operational

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
	"github.com/tomtom215/segue/internal/models"
)

// Materializer rebuilds the operational projection from gold.
type Materializer struct {
	db  *database.DB
	cfg config.OperationalConfig
}

func NewMaterializer(db *database.DB, cfg config.OperationalConfig) *Materializer {
	return &Materializer{db: db, cfg: cfg}
}

// Materialize replaces the whole projection. The projection is derived
// state, so the simplest correct strategy is a transactional full rebuild;
// at graph sizes where this hurts, the gold layer is the thing to shard
// first.
//
// Self-loops never materialize, and edges below the weight floor are
// dropped here while remaining intact in gold.
func (m *Materializer) Materialize(ctx context.Context) (nodes, edges int, err error) {
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"operational_graph_edge", "operational_graph_node"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO operational_graph_edge
				(from_track_id, to_track_id, weight, confidence, quality)
			SELECT from_track_id, to_track_id, occurrence_count, confidence, quality
			FROM gold_transition
			WHERE from_track_id <> to_track_id
			  AND occurrence_count >= ?`, m.cfg.MinEdgeWeight)
		if err != nil {
			return fmt.Errorf("materialize edges: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			edges = int(n)
		}

		// Nodes cover every track with stats, including isolated ones whose
		// edges all fell under the weight floor. Popularity is min-max
		// normalized play count; a single-node graph gets 0.
		res, err = tx.ExecContext(ctx, `
			INSERT INTO operational_graph_node
				(track_id, artist, title, remix, bpm, musical_key, energy,
				 popularity, out_degree, in_degree)
			SELECT t.id, a.name, t.title, COALESCE(t.remix, ''),
			       t.bpm, t.musical_key, t.energy,
			       CASE WHEN bounds.max_pc > bounds.min_pc
			            THEN CAST(s.play_count - bounds.min_pc AS DOUBLE) / (bounds.max_pc - bounds.min_pc)
			            ELSE 0 END,
			       (SELECT COUNT(*) FROM operational_graph_edge e WHERE e.from_track_id = t.id),
			       (SELECT COUNT(*) FROM operational_graph_edge e WHERE e.to_track_id = t.id)
			FROM gold_track_stats s
			JOIN silver_canonical_track t ON t.id = s.track_id
			JOIN silver_artist a ON a.id = t.artist_id
			CROSS JOIN (SELECT MIN(play_count) AS min_pc, MAX(play_count) AS max_pc
			            FROM gold_track_stats) bounds`)
		if err != nil {
			return fmt.Errorf("materialize nodes: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			nodes = int(n)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	logging.Ctx(ctx).Info().Int("nodes", nodes).Int("edges", edges).Msg("graph materialized")
	metrics.PipelineQueueDepth.WithLabelValues("graph").Set(0)
	return nodes, edges, nil
}

// Nodes pages through the materialized node set, most popular first.
func (m *Materializer) Nodes(ctx context.Context, limit, offset int) ([]models.GraphNode, error) {
	rows, err := m.db.Query(ctx, "select", "operational_graph_node", `
		SELECT track_id, artist, title, remix, bpm, musical_key, energy,
		       popularity, out_degree, in_degree
		FROM operational_graph_node
		ORDER BY popularity DESC, track_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var nodes []models.GraphNode
	for rows.Next() {
		var n models.GraphNode
		var raw string
		if err := rows.Scan(&raw, &n.Artist, &n.Title, &n.Remix, &n.BPM,
			&n.MusicalKey, &n.Energy, &n.Popularity, &n.OutDegree, &n.InDegree); err != nil {
			return nil, err
		}
		n.TrackID = uuid.MustParse(raw)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// EdgeFilter narrows an edge listing. The zero value lists everything.
type EdgeFilter struct {
	// From limits results to one track's outgoing edges.
	From *uuid.UUID

	// MinWeight drops edges lighter than this, on top of the materialized
	// floor.
	MinWeight int
}

// Edges pages through the materialized edge set, heaviest first.
func (m *Materializer) Edges(ctx context.Context, filter EdgeFilter, limit, offset int) ([]models.GraphEdge, error) {
	query := `
		SELECT from_track_id, to_track_id, weight, confidence, quality
		FROM operational_graph_edge
		WHERE weight >= ?`
	args := []any{filter.MinWeight}
	if filter.From != nil {
		query += ` AND from_track_id = ?`
		args = append(args, filter.From.String())
	}
	query += ` ORDER BY weight DESC, from_track_id, to_track_id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := m.db.Query(ctx, "select", "operational_graph_edge", query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var edges []models.GraphEdge
	for rows.Next() {
		var e models.GraphEdge
		var rawFrom, rawTo string
		if err := rows.Scan(&rawFrom, &rawTo, &e.Weight, &e.Confidence, &e.Quality); err != nil {
			return nil, err
		}
		e.FromTrackID = uuid.MustParse(rawFrom)
		e.ToTrackID = uuid.MustParse(rawTo)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
