// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
)

const beatportBase = "https://api.beatport.com/v4"

// Beatport pulls curated DJ charts from the public Beatport API. Charts are
// ordered track selections, which is the closest thing Beatport has to a
// setlist; they carry clean metadata (BPM, key, ISRC) that the silver layer
// uses directly.
type Beatport struct {
	client *fetch.Client
	base   string
}

func NewBeatport(client *fetch.Client) *Beatport {
	return &Beatport{client: client, base: beatportBase}
}

func (b *Beatport) Name() string { return "beatport" }

type beatportChartList struct {
	Results []struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		Slug  string `json:"slug"`
		Artist struct {
			Name string `json:"name"`
		} `json:"artist"`
		PublishDate string `json:"publish_date"`
	} `json:"results"`
}

type beatportChartTracks struct {
	Results []struct {
		ID       int    `json:"id"`
		Name     string `json:"name"`
		MixName  string `json:"mix_name"`
		ISRC     string `json:"isrc"`
		Artists  []struct {
			Name string `json:"name"`
		} `json:"artists"`
		Release struct {
			Label struct {
				Name string `json:"name"`
			} `json:"label"`
		} `json:"release"`
	} `json:"results"`
}

func (b *Beatport) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	searchURL := fmt.Sprintf("%s/catalog/charts/?name=%s&per_page=%d",
		b.base, url.QueryEscape(query), limit)
	body, err := b.client.Get(ctx, searchURL, fetch.Options{})
	if err != nil {
		return nil, err
	}

	var list beatportChartList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, malformed(searchURL, err)
	}
	var candidates []models.PlaylistCandidate
	for _, chart := range list.Results {
		if len(candidates) >= limit {
			break
		}
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: b.Name(),
			ExternalID: strconv.Itoa(chart.ID),
			URL:        fmt.Sprintf("%s/catalog/charts/%d/tracks/?per_page=100", b.base, chart.ID),
			Title:      chart.Name,
		})
	}
	return candidates, nil
}

func (b *Beatport) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "beatport.com") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a beatport URL: %s", raw)
	}
	// Chart page URLs end in /chart/<slug>/<id>.
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	id := parts[len(parts)-1]
	if _, err := strconv.Atoi(id); err != nil {
		return models.PlaylistCandidate{}, fmt.Errorf("no chart id in URL: %s", raw)
	}
	return models.PlaylistCandidate{
		SourceName: b.Name(),
		ExternalID: id,
		URL:        fmt.Sprintf("%s/catalog/charts/%s/tracks/?per_page=100", b.base, id),
	}, nil
}

func (b *Beatport) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := b.client.Get(ctx, candidate.URL, fetch.Options{})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	var tracks beatportChartTracks
	if err := json.Unmarshal(body, &tracks); err != nil {
		return nil, malformed(candidate.URL, err)
	}
	if len(tracks.Results) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("chart has no tracks"))
	}

	records := make([]models.TrackRecord, 0, len(tracks.Results))
	for i, tr := range tracks.Results {
		artistNames := make([]string, 0, len(tr.Artists))
		for _, a := range tr.Artists {
			artistNames = append(artistNames, a.Name)
		}
		remix := tr.MixName
		if remix == "Original Mix" {
			remix = ""
		}
		records = append(records, models.TrackRecord{
			Position:   i + 1,
			Artist:     strings.Join(artistNames, ", "),
			Title:      tr.Name,
			Remix:      remix,
			Label:      tr.Release.Label.Name,
			ExternalID: strconv.Itoa(tr.ID),
			ISRC:       tr.ISRC,
		})
	}

	return &models.PlaylistPayload{
		SourceName: b.Name(),
		ExternalID: candidate.ExternalID,
		URL:        candidate.URL,
		Title:      candidate.Title,
		DJName:     candidate.Title, // charts are credited to their curator
		Tracks:     records,
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}
