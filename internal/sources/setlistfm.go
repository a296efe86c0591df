// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
)

const setlistFMBase = "https://api.setlist.fm/rest/1.0"

// SetlistFM pulls concert setlists from the setlist.fm REST API. Setlists
// list songs by name under the performing artist, so every track shares the
// playlist's artist unless a cover is flagged.
type SetlistFM struct {
	client *fetch.Client
	base   string
}

func NewSetlistFM(client *fetch.Client) *SetlistFM {
	return &SetlistFM{client: client, base: setlistFMBase}
}

func (s *SetlistFM) Name() string { return "setlistfm" }

type setlistSearchResponse struct {
	Setlist []setlistJSON `json:"setlist"`
}

type setlistJSON struct {
	ID        string `json:"id"`
	EventDate string `json:"eventDate"` // dd-MM-yyyy
	URL       string `json:"url"`
	Artist    struct {
		Name string `json:"name"`
	} `json:"artist"`
	Venue struct {
		Name string `json:"name"`
		City struct {
			Name string `json:"name"`
		} `json:"city"`
	} `json:"venue"`
	Sets struct {
		Set []struct {
			Song []struct {
				Name  string `json:"name"`
				Cover *struct {
					Name string `json:"name"`
				} `json:"cover"`
			} `json:"song"`
		} `json:"set"`
	} `json:"sets"`
}

func (s *SetlistFM) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	searchURL := fmt.Sprintf("%s/search/setlists?artistName=%s&p=1",
		s.base, url.QueryEscape(query))
	body, err := s.client.Get(ctx, searchURL, fetch.Options{})
	if err != nil {
		return nil, err
	}

	var resp setlistSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed(searchURL, err)
	}
	var candidates []models.PlaylistCandidate
	for _, sl := range resp.Setlist {
		if len(candidates) >= limit {
			break
		}
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: s.Name(),
			ExternalID: sl.ID,
			URL:        fmt.Sprintf("%s/setlist/%s", s.base, sl.ID),
			Title:      fmt.Sprintf("%s @ %s", sl.Artist.Name, sl.Venue.Name),
		})
	}
	return candidates, nil
}

func (s *SetlistFM) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "setlist.fm") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a setlist.fm URL: %s", raw)
	}
	// Web URLs end in "...-<id>.html"; the id segment feeds the REST API.
	path := strings.TrimSuffix(u.Path, ".html")
	idx := strings.LastIndex(path, "-")
	if idx < 0 || idx == len(path)-1 {
		return models.PlaylistCandidate{}, fmt.Errorf("no setlist id in URL: %s", raw)
	}
	id := path[idx+1:]
	return models.PlaylistCandidate{
		SourceName: s.Name(),
		ExternalID: id,
		URL:        fmt.Sprintf("%s/setlist/%s", s.base, id),
	}, nil
}

func (s *SetlistFM) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := s.client.Get(ctx, candidate.URL, fetch.Options{})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	var sl setlistJSON
	if err := json.Unmarshal(body, &sl); err != nil {
		return nil, malformed(candidate.URL, err)
	}

	var eventDate *time.Time
	if t, err := time.Parse("02-01-2006", sl.EventDate); err == nil {
		eventDate = &t
	}

	var records []models.TrackRecord
	for _, set := range sl.Sets.Set {
		for _, song := range set.Song {
			artist := sl.Artist.Name
			if song.Cover != nil && song.Cover.Name != "" {
				artist = song.Cover.Name
			}
			if song.Name == "" {
				continue
			}
			records = append(records, models.TrackRecord{
				Position: len(records) + 1,
				Artist:   artist,
				Title:    song.Name,
			})
		}
	}
	if len(records) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("setlist %s has no songs", sl.ID))
	}

	// Key on the REST URL; sl.URL is the web page and can be rewritten when
	// the setlist is edited.
	return &models.PlaylistPayload{
		SourceName: s.Name(),
		ExternalID: sl.ID,
		URL:        candidate.URL,
		Title:      fmt.Sprintf("%s @ %s", sl.Artist.Name, sl.Venue.Name),
		DJName:     sl.Artist.Name,
		Venue:      sl.Venue.Name,
		EventDate:  eventDate,
		Tracks:     records,
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}
