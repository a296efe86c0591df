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

const redditBase = "https://www.reddit.com"

// Reddit scrapes tracklist posts from DJ-mix subreddits via the public JSON
// endpoints. Post bodies are freeform; the shared line parser deals with
// the usual numbered-list formats, and anything unparseable becomes an ID
// placeholder to preserve positions.
type Reddit struct {
	client     *fetch.Client
	base       string
	subreddits []string
}

func NewReddit(client *fetch.Client) *Reddit {
	return &Reddit{
		client:     client,
		base:       redditBase,
		subreddits: []string{"DJs", "tracklists", "electronicmusic"},
	}
}

func (r *Reddit) Name() string { return "reddit" }

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	SelfText   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

func (r *Reddit) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	var candidates []models.PlaylistCandidate
	for _, sub := range r.subreddits {
		if len(candidates) >= limit {
			return candidates, nil
		}
		searchURL := fmt.Sprintf("%s/r/%s/search.json?q=%s+tracklist&restrict_sr=1&limit=%d",
			r.base, sub, url.QueryEscape(query), limit)
		body, err := r.client.Get(ctx, searchURL, fetch.Options{})
		if err != nil {
			return candidates, err
		}

		var listing redditListing
		if err := json.Unmarshal(body, &listing); err != nil {
			return candidates, malformed(searchURL, err)
		}
		for _, child := range listing.Data.Children {
			if len(candidates) >= limit {
				break
			}
			if child.Data.SelfText == "" {
				continue
			}
			candidates = append(candidates, models.PlaylistCandidate{
				SourceName: r.Name(),
				ExternalID: child.Data.ID,
				URL:        r.base + child.Data.Permalink + ".json",
				Title:      child.Data.Title,
			})
		}
	}
	return candidates, nil
}

func (r *Reddit) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "reddit.com") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a reddit URL: %s", raw)
	}
	// /r/<sub>/comments/<id>/<slug>/
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	id := ""
	for i, p := range parts {
		if p == "comments" && i+1 < len(parts) {
			id = parts[i+1]
			break
		}
	}
	if id == "" {
		return models.PlaylistCandidate{}, fmt.Errorf("no post id in URL: %s", raw)
	}
	jsonURL := strings.TrimSuffix(raw, "/") + ".json"
	return models.PlaylistCandidate{
		SourceName: r.Name(),
		ExternalID: id,
		URL:        jsonURL,
	}, nil
}

func (r *Reddit) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := r.client.Get(ctx, candidate.URL, fetch.Options{})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	// Comment pages return an array: [post listing, comments listing].
	var listings []redditListing
	if err := json.Unmarshal(body, &listings); err != nil {
		return nil, malformed(candidate.URL, err)
	}
	if len(listings) == 0 || len(listings[0].Data.Children) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("post not found in listing"))
	}
	post := listings[0].Data.Children[0].Data

	records := parseTrackLines(strings.Split(post.SelfText, "\n"))
	// Posts are mostly prose; require a real tracklist, not one stray line.
	if len(records) < 3 {
		return nil, malformed(candidate.URL, fmt.Errorf("post body has no usable tracklist"))
	}

	djName, eventName, eventDate := splitMixTitle(post.Title)
	if eventDate == nil && post.CreatedUTC > 0 {
		t := time.Unix(int64(post.CreatedUTC), 0).UTC()
		eventDate = &t
	}

	return &models.PlaylistPayload{
		SourceName: r.Name(),
		ExternalID: post.ID,
		URL:        r.base + post.Permalink,
		Title:      post.Title,
		DJName:     djName,
		EventName:  eventName,
		EventDate:  eventDate,
		Tracks:     records,
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}
