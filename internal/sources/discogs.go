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

const discogsBase = "https://api.discogs.com"

// Discogs pulls DJ-mix releases from the Discogs API. Mix CD tracklists are
// ordered and well-labeled, which makes them high-quality adjacency sources
// for older material that never reaches tracklist sites.
type Discogs struct {
	client *fetch.Client
	base   string
}

func NewDiscogs(client *fetch.Client) *Discogs {
	return &Discogs{client: client, base: discogsBase}
}

func (d *Discogs) Name() string { return "discogs" }

type discogsSearchResponse struct {
	Results []struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
		Year  string `json:"year"`
	} `json:"results"`
}

type discogsRelease struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	URI     string `json:"uri"`
	Year    int    `json:"year"`
	Genres  []string `json:"genres"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Tracklist []struct {
		Position string `json:"position"`
		Title    string `json:"title"`
		Artists  []struct {
			Name string `json:"name"`
		} `json:"artists"`
	} `json:"tracklist"`
}

func (d *Discogs) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	searchURL := fmt.Sprintf("%s/database/search?q=%s&format=Mixed&type=release&per_page=%d",
		d.base, url.QueryEscape(query), limit)
	body, err := d.client.Get(ctx, searchURL, fetch.Options{})
	if err != nil {
		return nil, err
	}

	var resp discogsSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed(searchURL, err)
	}
	var candidates []models.PlaylistCandidate
	for _, res := range resp.Results {
		if len(candidates) >= limit {
			break
		}
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: d.Name(),
			ExternalID: strconv.Itoa(res.ID),
			URL:        fmt.Sprintf("%s/releases/%d", d.base, res.ID),
			Title:      res.Title,
		})
	}
	return candidates, nil
}

func (d *Discogs) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "discogs.com") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a discogs URL: %s", raw)
	}
	// Web URLs: /release/<id>-<slug>; API URLs: /releases/<id>.
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if (p == "release" || p == "releases") && i+1 < len(parts) {
			id := strings.SplitN(parts[i+1], "-", 2)[0]
			if _, err := strconv.Atoi(id); err == nil {
				return models.PlaylistCandidate{
					SourceName: d.Name(),
					ExternalID: id,
					URL:        fmt.Sprintf("%s/releases/%s", d.base, id),
				}, nil
			}
		}
	}
	return models.PlaylistCandidate{}, fmt.Errorf("no release id in URL: %s", raw)
}

func (d *Discogs) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := d.client.Get(ctx, candidate.URL, fetch.Options{})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	var rel discogsRelease
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, malformed(candidate.URL, err)
	}
	if len(rel.Tracklist) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("release %d has no tracklist", rel.ID))
	}

	djName := ""
	if len(rel.Artists) > 0 {
		djName = rel.Artists[0].Name
	}

	var eventDate *time.Time
	if rel.Year > 0 {
		t := time.Date(rel.Year, 1, 1, 0, 0, 0, 0, time.UTC)
		eventDate = &t
	}

	genre := ""
	if len(rel.Genres) > 0 {
		genre = rel.Genres[0]
	}

	records := make([]models.TrackRecord, 0, len(rel.Tracklist))
	for _, tr := range rel.Tracklist {
		artist := djName
		if len(tr.Artists) > 0 {
			artist = tr.Artists[0].Name
		}
		rec := models.TrackRecord{
			Position: len(records) + 1,
			Artist:   artist,
			Title:    tr.Title,
		}
		if m := remixRe.FindStringSubmatch(tr.Title); m != nil {
			rec.Remix = strings.TrimSpace(m[1])
			rec.Title = strings.TrimSpace(remixRe.ReplaceAllString(tr.Title, ""))
		}
		records = append(records, rec)
	}

	// The API URL is the stable upsert key; rel.URI points at the web page
	// and is sometimes absent.
	return &models.PlaylistPayload{
		SourceName: d.Name(),
		ExternalID: strconv.Itoa(rel.ID),
		URL:        candidate.URL,
		Title:      rel.Title,
		DJName:     djName,
		EventDate:  eventDate,
		Genre:      genre,
		Tracks:     records,
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}
