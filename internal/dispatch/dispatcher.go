// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

// Package dispatch runs scrape requests: it resolves the source adapter,
// discovers playlist candidates, fans fetches out over a bounded worker
// pool, writes bronze rows, and announces each ingested playlist to the
// pipeline. Jobs run asynchronously; callers poll the job report.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/segue/internal/bronze"
	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/database"
	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/logging"
	"github.com/tomtom215/segue/internal/metrics"
	"github.com/tomtom215/segue/internal/models"
	"github.com/tomtom215/segue/internal/pipeline"
	"github.com/tomtom215/segue/internal/sources"
)

// ErrBackpressure is returned when the pipeline backlog exceeds the high
// water mark and the dispatcher refuses new work.
var ErrBackpressure = errors.New("pipeline backlog above high water mark, request rejected")

// Publisher is the slice of the pipeline router the dispatcher needs.
type Publisher interface {
	PublishIngested(ctx context.Context, event pipeline.PlaylistIngested) error
}

// Dispatcher executes scrape requests.
type Dispatcher struct {
	registry  *sources.Registry
	writer    *bronze.Writer
	publisher Publisher
	db        *database.DB
	cfg       config.ScrapeConfig

	mu   sync.RWMutex
	jobs map[uuid.UUID]*job

	jobsCompleted int64
	jobsFailed    int64
}

type job struct {
	mu     sync.Mutex
	report models.ScrapeReport
	cancel context.CancelFunc

	// failed counts per-candidate failures; it feeds the final status but
	// is not part of the wire report, where Errors carries the detail.
	failed int
}

func (j *job) snapshot() models.ScrapeReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	report := j.report
	report.Errors = append([]models.ScrapeError(nil), j.report.Errors...)
	report.BronzePlaylistIDs = append([]uuid.UUID(nil), j.report.BronzePlaylistIDs...)
	return report
}

func NewDispatcher(
	registry *sources.Registry,
	writer *bronze.Writer,
	publisher Publisher,
	db *database.DB,
	cfg config.ScrapeConfig,
) *Dispatcher {
	return &Dispatcher{
		registry:  registry,
		writer:    writer,
		publisher: publisher,
		db:        db,
		cfg:       cfg,
		jobs:      make(map[uuid.UUID]*job),
	}
}

// Dispatch validates and admits a scrape request, then runs it in the
// background. The returned report has status running; poll Job for
// progress.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.ScrapeRequest) (models.ScrapeReport, error) {
	adapter, err := d.registry.Get(req.Source)
	if err != nil {
		return models.ScrapeReport{}, err
	}

	if req.Limit <= 0 {
		req.Limit = d.cfg.DefaultLimit
	}
	if req.Limit > d.cfg.MaxLimit {
		req.Limit = d.cfg.MaxLimit
	}
	timeout := d.cfg.DefaultTimeout
	if req.Options.Timeout > 0 {
		timeout = time.Duration(req.Options.Timeout) * time.Second
	}

	backlog, err := d.backlog(ctx)
	if err != nil {
		return models.ScrapeReport{}, err
	}
	if backlog > d.cfg.QueueHighWater {
		metrics.ScrapeAdmissionRejections.Inc()
		return models.ScrapeReport{}, fmt.Errorf("%w (backlog %d)", ErrBackpressure, backlog)
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), timeout)
	jobCtx = logging.ContextWithCorrelationID(jobCtx, logging.GenerateCorrelationID())
	switch {
	case req.Options.MaxRetries != nil:
		jobCtx = fetch.WithRetryBudget(jobCtx, *req.Options.MaxRetries)
	case d.cfg.MaxRetries > 0:
		jobCtx = fetch.WithRetryBudget(jobCtx, d.cfg.MaxRetries)
	}

	j := &job{
		report: models.ScrapeReport{
			JobID:     uuid.New(),
			Source:    req.Source,
			Status:    models.JobStatusRunning,
			StartedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	d.mu.Lock()
	d.jobs[j.report.JobID] = j
	d.mu.Unlock()

	metrics.ScrapeJobsInFlight.Inc()
	go d.run(jobCtx, j, adapter, req)

	return j.snapshot(), nil
}

// backlog measures how far silver lags behind bronze, which is exactly the
// number of ingested playlists still queued in the pipeline.
func (d *Dispatcher) backlog(ctx context.Context) (int, error) {
	var backlog int
	err := d.db.QueryRow(ctx, "select", "bronze_playlist", `
		SELECT (SELECT COUNT(*) FROM bronze_playlist) -
		       (SELECT COUNT(*) FROM silver_canonical_playlist)`).Scan(&backlog)
	if err != nil {
		return 0, fmt.Errorf("measure pipeline backlog: %w", err)
	}
	metrics.PipelineQueueDepth.WithLabelValues(pipeline.TopicPlaylistIngested).Set(float64(backlog))
	return backlog, nil
}

func (d *Dispatcher) run(ctx context.Context, j *job, adapter sources.Adapter, req models.ScrapeRequest) {
	defer j.cancel()
	defer metrics.ScrapeJobsInFlight.Dec()
	start := time.Now()

	candidates, err := d.candidates(ctx, adapter, req)
	j.mu.Lock()
	j.report.CandidatesFound = len(candidates)
	j.mu.Unlock()

	if err != nil && len(candidates) == 0 {
		d.finish(j, models.JobStatusFailed, start, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.WorkerPoolSize)
	for _, candidate := range candidates {
		g.Go(func() error {
			// Candidates the deadline cut off before their fetch started
			// still show up in the report, as cancelled entries.
			if gctx.Err() != nil {
				d.recordCancelled(j, candidate)
				return gctx.Err()
			}
			d.processCandidate(gctx, j, adapter, candidate, req)
			// Per-candidate failures are recorded, never fatal to the group;
			// only the deadline stops the job.
			return gctx.Err()
		})
	}
	_ = g.Wait()

	j.mu.Lock()
	persisted := len(j.report.BronzePlaylistIDs)
	failed := j.failed
	j.mu.Unlock()

	status := models.JobStatusCompleted
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && persisted > 0:
		status = models.JobStatusPartial
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = models.JobStatusTimeout
	case failed > 0 && persisted > 0:
		status = models.JobStatusPartial
	case failed > 0:
		status = models.JobStatusFailed
	}
	d.finish(j, status, start, err)
}

func (d *Dispatcher) candidates(ctx context.Context, adapter sources.Adapter, req models.ScrapeRequest) ([]models.PlaylistCandidate, error) {
	if len(req.TargetURLs) > 0 {
		var out []models.PlaylistCandidate
		var errs []error
		for _, raw := range req.TargetURLs {
			c, err := adapter.CandidateFromURL(raw)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, c)
		}
		if len(out) > req.Limit {
			out = out[:req.Limit]
		}
		return out, errors.Join(errs...)
	}

	if req.UseSeeds {
		queries, err := d.seedQueries(ctx)
		if err != nil {
			return nil, err
		}
		if len(queries) == 0 {
			return nil, errors.New("use_seeds requested but target_tracks is empty")
		}
		var out []models.PlaylistCandidate
		seen := make(map[string]bool)
		for _, q := range queries {
			if len(out) >= req.Limit {
				break
			}
			found, err := adapter.Search(ctx, q, req.Limit-len(out))
			if err != nil {
				return out, err
			}
			for _, c := range found {
				if seen[c.URL] {
					continue
				}
				seen[c.URL] = true
				out = append(out, c)
			}
		}
		return out, nil
	}

	return adapter.Search(ctx, req.SearchQuery, req.Limit)
}

// seedQueries builds "artist title" search queries from the
// administrator-maintained seed table.
func (d *Dispatcher) seedQueries(ctx context.Context) ([]string, error) {
	rows, err := d.db.Query(ctx, "select", "target_tracks",
		`SELECT artist, title FROM target_tracks ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("load seed tracks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var queries []string
	for rows.Next() {
		var artist, title string
		if err := rows.Scan(&artist, &title); err != nil {
			return nil, err
		}
		queries = append(queries, artist+" "+title)
	}
	return queries, rows.Err()
}

func (d *Dispatcher) processCandidate(ctx context.Context, j *job, adapter sources.Adapter, candidate models.PlaylistCandidate, req models.ScrapeRequest) {
	payload, err := adapter.Fetch(ctx, candidate)
	if err != nil {
		d.recordFailure(j, candidate, err)
		return
	}

	bronzeRow, outcome, err := d.writer.Write(ctx, payload)
	if err != nil {
		d.recordFailure(j, candidate, err)
		return
	}

	// An unchanged re-scrape has nothing new for the pipeline.
	if outcome == bronze.OutcomeUnchanged {
		j.mu.Lock()
		j.report.PlaylistsSkipped++
		j.mu.Unlock()
		return
	}

	if err := d.publisher.PublishIngested(ctx, pipeline.PlaylistIngested{
		BronzePlaylistID: bronzeRow.ID,
		SourceName:       bronzeRow.SourceName,
		Enrich:           req.Enrich(),
	}); err != nil {
		d.recordFailure(j, candidate, fmt.Errorf("publish ingested event: %w", err))
		return
	}

	j.mu.Lock()
	j.report.PlaylistsScraped++
	j.report.TracksExtracted += bronzeRow.TrackCount
	j.report.BronzePlaylistIDs = append(j.report.BronzePlaylistIDs, bronzeRow.ID)
	j.mu.Unlock()
}

func (d *Dispatcher) recordFailure(j *job, candidate models.PlaylistCandidate, err error) {
	kind := fetch.KindOf(err)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed++
	// Cap stored errors; a source gone bad would otherwise bloat the report.
	if len(j.report.Errors) < 50 {
		j.report.Errors = append(j.report.Errors, models.ScrapeError{
			URL:     candidate.URL,
			Kind:    string(kind),
			Message: err.Error(),
		})
	}
}

func (d *Dispatcher) recordCancelled(j *job, candidate models.PlaylistCandidate) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.report.Errors) < 50 {
		j.report.Errors = append(j.report.Errors, models.ScrapeError{
			URL:     candidate.URL,
			Kind:    string(fetch.KindCancelled),
			Message: "job deadline reached before fetch started",
		})
	}
}

func (d *Dispatcher) finish(j *job, status models.JobStatus, start time.Time, err error) {
	j.mu.Lock()
	bronzeIDs := append([]uuid.UUID(nil), j.report.BronzePlaylistIDs...)
	j.mu.Unlock()

	transitions := d.countTransitions(bronzeIDs)

	j.mu.Lock()
	j.report.Status = status
	j.report.EndedAt = time.Now().UTC()
	j.report.ExecutionSeconds = time.Since(start).Seconds()
	j.report.TransitionsCreated = transitions
	if err != nil && len(j.report.Errors) < 50 {
		j.report.Errors = append(j.report.Errors, models.ScrapeError{
			Kind:    string(fetch.KindOf(err)),
			Message: err.Error(),
		})
	}
	source := j.report.Source
	j.mu.Unlock()

	d.mu.Lock()
	if status == models.JobStatusCompleted || status == models.JobStatusPartial {
		d.jobsCompleted++
	} else {
		d.jobsFailed++
	}
	d.mu.Unlock()

	metrics.RecordScrape(source, string(status), time.Since(start))
	logging.Info().
		Str("job_id", j.report.JobID.String()).
		Str("source", source).
		Str("status", string(status)).
		Dur("elapsed", time.Since(start)).
		Msg("scrape job finished")
}

// countTransitions counts the adjacency observations derived from this
// job's bronze playlists. The pipeline runs asynchronously, so the count is
// a best-effort snapshot taken as the job ends; it settles once the silver
// stage drains. The job context is already spent here, so the query runs on
// its own short deadline.
func (d *Dispatcher) countTransitions(bronzeIDs []uuid.UUID) int {
	if len(bronzeIDs) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	placeholders := make([]string, len(bronzeIDs))
	args := make([]any, len(bronzeIDs))
	for i, id := range bronzeIDs {
		placeholders[i] = "?"
		args[i] = id.String()
	}
	var count int
	err := d.db.QueryRow(ctx, "select", "silver_adjacency_observation", fmt.Sprintf(`
		SELECT COUNT(*)
		FROM silver_adjacency_observation o
		JOIN silver_canonical_playlist p ON p.id = o.playlist_id
		WHERE p.bronze_playlist_id IN (%s)`, strings.Join(placeholders, ",")),
		args...).Scan(&count)
	if err != nil {
		logging.Warn().Err(err).Msg("count job transitions")
		return 0
	}
	return count
}

// Job returns a job's report snapshot.
func (d *Dispatcher) Job(id uuid.UUID) (models.ScrapeReport, bool) {
	d.mu.RLock()
	j, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return models.ScrapeReport{}, false
	}
	return j.snapshot(), true
}

// Jobs lists all job reports, newest first.
func (d *Dispatcher) Jobs() []models.ScrapeReport {
	d.mu.RLock()
	reports := make([]models.ScrapeReport, 0, len(d.jobs))
	for _, j := range d.jobs {
		reports = append(reports, j.snapshot())
	}
	d.mu.RUnlock()

	sort.Slice(reports, func(i, k int) bool {
		return reports[i].StartedAt.After(reports[k].StartedAt)
	})
	return reports
}

// Cancel aborts a running job.
func (d *Dispatcher) Cancel(id uuid.UUID) bool {
	d.mu.RLock()
	j, ok := d.jobs[id]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	j.cancel()
	return true
}

// Counters reports lifetime job totals for /stats.
func (d *Dispatcher) Counters() (inFlight int, completed, failed int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, j := range d.jobs {
		if j.snapshot().Status == models.JobStatusRunning {
			inFlight++
		}
	}
	return inFlight, d.jobsCompleted, d.jobsFailed
}

// Backlog exposes the current pipeline backlog for /stats.
func (d *Dispatcher) Backlog(ctx context.Context) (int, error) {
	return d.backlog(ctx)
}
