// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package silver

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/segue/internal/config"
	"github.com/tomtom215/segue/internal/metrics"
)

// AudioFeatures are the attributes the enrichment oracle can supply.
// Partial answers are normal; absent fields stay nil on the track.
type AudioFeatures struct {
	BPM        *float64 `json:"bpm,omitempty"`
	MusicalKey *string  `json:"key,omitempty"`
	Energy     *float64 `json:"energy,omitempty"`
}

// Enricher asks an external service for audio features of a track.
// Enrichment is strictly best-effort: a failure never fails the playlist
// that triggered it.
type Enricher interface {
	Enrich(ctx context.Context, artist, title string) (AudioFeatures, error)
}

type enrichRequest struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

// httpEnricher calls the oracle over HTTP, rate limited and behind a
// circuit breaker so a struggling oracle cannot slow the silver stage.
type httpEnricher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[AudioFeatures]
}

// NewEnricher builds the oracle client. Empty URL returns nil, which
// disables enrichment entirely.
func NewEnricher(cfg config.EnrichmentConfig) Enricher {
	if cfg.URL == "" {
		return nil
	}
	settings := gobreaker.Settings{
		Name:    "enrichment-oracle",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &httpEnricher{
		url:     cfg.URL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		breaker: gobreaker.NewCircuitBreaker[AudioFeatures](settings),
	}
}

func (e *httpEnricher) Enrich(ctx context.Context, artist, title string) (AudioFeatures, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return AudioFeatures{}, err
	}

	features, err := e.breaker.Execute(func() (AudioFeatures, error) {
		return e.call(ctx, artist, title)
	})
	if err != nil {
		metrics.EnrichmentCalls.WithLabelValues("failed").Inc()
		return AudioFeatures{}, err
	}

	if features.BPM == nil && features.MusicalKey == nil && features.Energy == nil {
		metrics.EnrichmentCalls.WithLabelValues("skipped").Inc()
	} else if features.BPM == nil || features.MusicalKey == nil || features.Energy == nil {
		metrics.EnrichmentCalls.WithLabelValues("partial").Inc()
	} else {
		metrics.EnrichmentCalls.WithLabelValues("completed").Inc()
	}
	return features, nil
}

func (e *httpEnricher) call(ctx context.Context, artist, title string) (AudioFeatures, error) {
	body, err := json.Marshal(enrichRequest{Artist: artist, Title: title})
	if err != nil {
		return AudioFeatures{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/enrich", bytes.NewReader(body))
	if err != nil {
		return AudioFeatures{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return AudioFeatures{}, fmt.Errorf("enrichment request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return AudioFeatures{}, fmt.Errorf("enrichment oracle returned status %d", resp.StatusCode)
	}

	var features AudioFeatures
	if err := json.NewDecoder(resp.Body).Decode(&features); err != nil {
		return AudioFeatures{}, fmt.Errorf("decode enrichment response: %w", err)
	}
	return features, nil
}
