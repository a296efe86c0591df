// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements define the four pipeline layers plus bookkeeping tables.
// Statements are idempotent; Open applies them on every start.
var schemaStatements = []string{
	// ========================================================================
	// Bronze layer: raw scraped data, upserted by (source_name, url)
	// ========================================================================
	`CREATE TABLE IF NOT EXISTS bronze_playlist (
		id UUID PRIMARY KEY,
		source_name VARCHAR NOT NULL,
		external_id VARCHAR NOT NULL,
		url VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		dj_name VARCHAR NOT NULL,
		event_name VARCHAR,
		venue VARCHAR,
		event_date DATE,
		genre VARCHAR,
		track_count INTEGER NOT NULL,
		raw_blob BLOB NOT NULL,
		content_hash VARCHAR NOT NULL,
		fetched_at TIMESTAMP NOT NULL,
		ingested_at TIMESTAMP NOT NULL,
		UNIQUE (source_name, url)
	)`,

	`CREATE TABLE IF NOT EXISTS bronze_track (
		id UUID PRIMARY KEY,
		playlist_id UUID NOT NULL,
		position INTEGER NOT NULL,
		artist VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		remix VARCHAR,
		label VARCHAR,
		external_id VARCHAR,
		isrc VARCHAR,
		raw_blob VARCHAR,
		UNIQUE (playlist_id, position)
	)`,

	// ========================================================================
	// Silver layer: canonical entities and adjacency observations
	// ========================================================================
	`CREATE TABLE IF NOT EXISTS silver_artist (
		id UUID PRIMARY KEY,
		name VARCHAR NOT NULL,
		normalized_name VARCHAR NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS silver_canonical_track (
		id UUID PRIMARY KEY,
		artist_id UUID NOT NULL,
		title VARCHAR NOT NULL,
		normalized_title VARCHAR NOT NULL,
		remix VARCHAR,
		external_id VARCHAR,
		isrc VARCHAR,
		bpm DOUBLE,
		musical_key VARCHAR,
		energy DOUBLE,
		created_at TIMESTAMP NOT NULL,
		enriched_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS silver_canonical_playlist (
		id UUID PRIMARY KEY,
		bronze_playlist_id UUID NOT NULL UNIQUE,
		source_name VARCHAR NOT NULL,
		dj_name VARCHAR NOT NULL,
		event_date DATE,
		genre VARCHAR,
		track_count INTEGER NOT NULL,
		resolved_count INTEGER NOT NULL,
		processed_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS silver_adjacency_observation (
		id UUID PRIMARY KEY,
		playlist_id UUID NOT NULL,
		from_track_id UUID NOT NULL,
		to_track_id UUID NOT NULL,
		position_from INTEGER NOT NULL,
		observed_at TIMESTAMP NOT NULL,
		UNIQUE (playlist_id, position_from)
	)`,

	// ========================================================================
	// Gold layer: aggregated transitions and track stats
	// ========================================================================
	`CREATE TABLE IF NOT EXISTS gold_transition (
		from_track_id UUID NOT NULL,
		to_track_id UUID NOT NULL,
		occurrence_count INTEGER NOT NULL,
		observing_playlist_ids UUID[] NOT NULL,
		bpm_delta DOUBLE,
		key_compat DOUBLE,
		energy_delta DOUBLE,
		confidence DOUBLE NOT NULL,
		quality DOUBLE NOT NULL,
		last_observed_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (from_track_id, to_track_id)
	)`,

	`CREATE TABLE IF NOT EXISTS gold_track_stats (
		track_id UUID PRIMARY KEY,
		play_count INTEGER NOT NULL,
		distinct_djs INTEGER NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		out_transitions INTEGER NOT NULL,
		in_transitions INTEGER NOT NULL
	)`,

	// ========================================================================
	// Operational layer: read-optimized graph projection
	// ========================================================================
	`CREATE TABLE IF NOT EXISTS operational_graph_node (
		track_id UUID PRIMARY KEY,
		artist VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		remix VARCHAR,
		bpm DOUBLE,
		musical_key VARCHAR,
		energy DOUBLE,
		popularity DOUBLE NOT NULL,
		out_degree INTEGER NOT NULL,
		in_degree INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS operational_graph_edge (
		from_track_id UUID NOT NULL,
		to_track_id UUID NOT NULL,
		weight INTEGER NOT NULL,
		confidence DOUBLE NOT NULL,
		quality DOUBLE NOT NULL,
		PRIMARY KEY (from_track_id, to_track_id)
	)`,

	// ========================================================================
	// Bookkeeping
	// ========================================================================
	`CREATE TABLE IF NOT EXISTS pipeline_dlq (
		id UUID PRIMARY KEY,
		topic VARCHAR NOT NULL,
		message_id VARCHAR NOT NULL,
		payload BLOB NOT NULL,
		reason VARCHAR NOT NULL,
		recorded_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS target_tracks (
		id UUID PRIMARY KEY,
		artist VARCHAR NOT NULL,
		title VARCHAR NOT NULL,
		added_at TIMESTAMP NOT NULL,
		UNIQUE (artist, title)
	)`,

	// Indexes for the hot paths: silver resolution and graph queries.
	`CREATE INDEX IF NOT EXISTS idx_bronze_track_playlist ON bronze_track (playlist_id)`,
	`CREATE INDEX IF NOT EXISTS idx_canonical_track_artist ON silver_canonical_track (artist_id)`,
	`CREATE INDEX IF NOT EXISTS idx_canonical_track_external ON silver_canonical_track (external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_canonical_track_isrc ON silver_canonical_track (isrc)`,
	`CREATE INDEX IF NOT EXISTS idx_observation_pair ON silver_adjacency_observation (from_track_id, to_track_id)`,
	`CREATE INDEX IF NOT EXISTS idx_edge_from ON operational_graph_edge (from_track_id)`,
}

func (db *DB) applySchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// TruncateLayer empties the tables of one pipeline layer, used by the
// admin rebuild operations. Bronze is never truncated; it is the system of
// record.
func (db *DB) TruncateLayer(ctx context.Context, layer string) error {
	tables, ok := layerTables[layer]
	if !ok {
		return fmt.Errorf("unknown layer %q", layer)
	}
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("truncate %s: %w", table, err)
			}
		}
		return nil
	})
}

var layerTables = map[string][]string{
	"silver": {
		"silver_adjacency_observation",
		"silver_canonical_playlist",
		"silver_canonical_track",
		"silver_artist",
	},
	"gold": {
		"gold_transition",
		"gold_track_stats",
	},
	"operational": {
		"operational_graph_node",
		"operational_graph_edge",
	},
}
