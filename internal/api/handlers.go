// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/segue/internal/dispatch"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/models"
	"github.com/tomtom215/segue/internal/operational"
	"github.com/tomtom215/segue/internal/validation"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// handleScrape accepts a scrape request and starts an asynchronous job.
func (rt *Router) handleScrape(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req models.ScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			rw.ValidationError("scrape request validation failed", verrs)
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	report, err := rt.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrBackpressure):
			rw.TooManyRequests(ErrCodeBackpressure, err.Error())
		default:
			rw.Error(http.StatusBadRequest, ErrCodeUnknownSource, err.Error())
		}
		return
	}
	rw.Accepted(report)
}

// handleJobs lists all scrape jobs, newest first.
func (rt *Router) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := rt.dispatcher.Jobs()
	NewResponseWriter(w, r).SuccessWithPagination(jobs, &PaginationMeta{Count: len(jobs)})
}

func (rt *Router) handleJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		rw.BadRequest("invalid job ID")
		return
	}
	report, ok := rt.dispatcher.Job(id)
	if !ok {
		rw.NotFound("job not found")
		return
	}
	rw.Success(report)
}

func (rt *Router) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		rw.BadRequest("invalid job ID")
		return
	}
	if !rt.dispatcher.Cancel(id) {
		rw.NotFound("job not found")
		return
	}
	rw.Success(map[string]string{"job_id": id.String(), "status": "cancelling"})
}

// handleHealth reports liveness, a database round trip, and the fetch
// substrate's posture: proxy pool size, average adaptive host rate, and
// queue depths.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if err := rt.db.Conn().PingContext(r.Context()); err != nil {
		rw.Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "database unreachable")
		return
	}
	backlog, err := rt.dispatcher.Backlog(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	inFlight, _, _ := rt.dispatcher.Counters()
	rw.Success(map[string]any{
		"status":           "ok",
		"version":          Version,
		"proxies":          rt.client.ProxyCount(),
		"avg_host_rate":    rt.client.AvgHostRate(),
		"pipeline_backlog": backlog,
		"jobs_in_flight":   inFlight,
	})
}

// handleStats snapshots row counts across all medallion layers.
func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	stats := models.PipelineStats{}
	counts := []struct {
		table string
		dest  *int64
	}{
		{"bronze_playlist", &stats.BronzePlaylists},
		{"bronze_track", &stats.BronzeTracks},
		{"silver_canonical_track", &stats.CanonicalTracks},
		{"silver_artist", &stats.Artists},
		{"silver_adjacency_observation", &stats.Observations},
		{"gold_transition", &stats.Transitions},
		{"operational_graph_node", &stats.GraphNodes},
		{"operational_graph_edge", &stats.GraphEdges},
		{"pipeline_dlq", &stats.DLQEntries},
	}
	for _, c := range counts {
		n, err := rt.db.CountRows(ctx, c.table)
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		*c.dest = n
	}
	stats.JobsInFlight, stats.JobsCompleted, stats.JobsFailed = rt.dispatcher.Counters()

	rw.Success(stats)
}

// handleDLQ lists poisoned pipeline messages.
func (rt *Router) handleDLQ(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := pageParams(r)

	rows, err := rt.db.Query(r.Context(), "select", "pipeline_dlq", `
		SELECT id, topic, message_id, payload, reason, recorded_at
		FROM pipeline_dlq
		ORDER BY recorded_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	defer func() { _ = rows.Close() }()

	entries := make([]models.DLQEntry, 0, limit)
	for rows.Next() {
		var e models.DLQEntry
		var rawID string
		if err := rows.Scan(&rawID, &e.Topic, &e.MessageID, &e.Payload, &e.Reason, &e.RecordedAt); err != nil {
			rw.DatabaseError(err)
			return
		}
		e.ID = uuid.MustParse(rawID)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(entries, &PaginationMeta{
		Count:   len(entries),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(entries) == limit,
	})
}

// handleGraphNodes serves the read-optimized node projection ordered by
// popularity.
func (rt *Router) handleGraphNodes(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := pageParams(r)

	nodes, err := rt.mat.Nodes(r.Context(), limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithPagination(nodes, &PaginationMeta{
		Count:   len(nodes),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(nodes) == limit,
	})
}

// handleGraphEdges serves edges ordered by weight. ?from=<track-id> narrows
// to one track's outgoing transitions; ?w_min=<n> raises the weight floor.
func (rt *Router) handleGraphEdges(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := pageParams(r)

	var filter operational.EdgeFilter
	if raw := r.URL.Query().Get("from"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			rw.BadRequest("invalid from track ID")
			return
		}
		filter.From = &id
	}
	if raw := r.URL.Query().Get("w_min"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			rw.BadRequest("invalid w_min")
			return
		}
		filter.MinWeight = n
	}

	edges, err := rt.mat.Edges(r.Context(), filter, limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithPagination(edges, &PaginationMeta{
		Count:   len(edges),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(edges) == limit,
	})
}

// handleTargets lists the administrator-maintained search seeds.
func (rt *Router) handleTargets(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	rows, err := rt.db.Query(r.Context(), "select", "target_tracks", `
		SELECT id, artist, title, added_at
		FROM target_tracks
		ORDER BY artist, title`)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	defer func() { _ = rows.Close() }()

	targets := []models.TargetTrack{}
	for rows.Next() {
		var t models.TargetTrack
		var rawID string
		if err := rows.Scan(&rawID, &t.Artist, &t.Title, &t.AddedAt); err != nil {
			rw.DatabaseError(err)
			return
		}
		t.ID = uuid.MustParse(rawID)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.SuccessWithPagination(targets, &PaginationMeta{Count: len(targets)})
}

// handleAddTarget inserts one search seed.
func (rt *Router) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var target models.TargetTrack
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		rw.BadRequest("invalid JSON body: " + err.Error())
		return
	}
	if err := validation.ValidateStruct(&target); err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			rw.ValidationError("target validation failed", verrs)
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	target.ID = uuid.New()
	target.AddedAt = time.Now().UTC()
	_, err := rt.db.Exec(r.Context(), "insert", "target_tracks", `
		INSERT OR IGNORE INTO target_tracks (id, artist, title, added_at)
		VALUES (?, ?, ?, ?)`,
		target.ID.String(), target.Artist, target.Title, target.AddedAt)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Accepted(target)
}

// handleDeleteTarget removes one search seed.
func (rt *Router) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		rw.BadRequest("invalid target ID")
		return
	}

	res, err := rt.db.Exec(r.Context(), "delete", "target_tracks",
		`DELETE FROM target_tracks WHERE id = ?`, id.String())
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		rw.NotFound("target not found")
		return
	}
	rw.Success(map[string]string{"id": id.String(), "status": "deleted"})
}

// handleRebuild replays a layer and everything downstream of it from the
// layer below. Bronze is immutable and cannot be rebuilt.
func (rt *Router) handleRebuild(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	layer := chi.URLParam(r, "layer")
	ctx := r.Context()
	start := time.Now()

	result := map[string]any{"layer": layer}
	switch layer {
	case "silver":
		enrich := r.URL.Query().Get("enrich") == "true"
		playlists, err := rt.canon.Rebuild(ctx, enrich)
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		result["playlists_canonicalized"] = playlists
		fallthrough
	case "gold":
		transitions, err := rt.agg.Rebuild(ctx)
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		result["transitions_rebuilt"] = transitions
		fallthrough
	case "operational":
		nodes, edges, err := rt.mat.Materialize(ctx)
		if err != nil {
			rw.DatabaseError(err)
			return
		}
		result["graph_nodes"] = nodes
		result["graph_edges"] = edges
	default:
		rw.BadRequest("layer must be one of: silver, gold, operational")
		return
	}

	result["elapsed_ms"] = time.Since(start).Milliseconds()
	logging.Ctx(ctx).Info().
		Str("layer", layer).
		Dur("elapsed", time.Since(start)).
		Msg("layer rebuild complete")
	rw.Success(result)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
