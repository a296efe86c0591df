// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/tomtom215/segue/internal/fetch"
	"github.com/tomtom215/segue/internal/models"
)

const tracklistsBase = "https://www.1001tracklists.com"

// Tracklists scrapes 1001tracklists.com. Tracklist pages render most of the
// track table server-side but hide cue times behind JS, so the plain HTML
// path works; rendering is only needed for the newest page layout.
type Tracklists struct {
	client *fetch.Client
	base   string
	render bool
}

func NewTracklists(client *fetch.Client) *Tracklists {
	return &Tracklists{client: client, base: tracklistsBase}
}

func (t *Tracklists) Name() string { return "tracklists1001" }

func (t *Tracklists) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	searchURL := fmt.Sprintf("%s/search/result.php?main_search=%s&search_selection=9",
		t.base, url.QueryEscape(query))
	body, err := t.client.Get(ctx, searchURL, fetch.Options{Render: t.render})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(searchURL, err)
	}

	var candidates []models.PlaylistCandidate
	doc.Find("div.tlLink a, div.bItm a.tlLink").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || !strings.Contains(href, "/tracklist/") {
			return true
		}
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: t.Name(),
			ExternalID: tracklistID(href),
			URL:        t.base + href,
			Title:      strings.TrimSpace(s.Text()),
		})
		return len(candidates) < limit
	})
	return candidates, nil
}

// tracklistID extracts the stable ID segment from
// "/tracklist/2kwq51t9/ben-klock-berghain-2024-06-01.html".
func tracklistID(href string) string {
	parts := strings.Split(strings.Trim(href, "/"), "/")
	for i, p := range parts {
		if p == "tracklist" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return strings.Trim(href, "/")
}

func (t *Tracklists) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "1001tracklists.com") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a 1001tracklists URL: %s", raw)
	}
	return models.PlaylistCandidate{
		SourceName: t.Name(),
		ExternalID: tracklistID(u.Path),
		URL:        raw,
	}, nil
}

func (t *Tracklists) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := t.client.Get(ctx, candidate.URL, fetch.Options{Render: t.render})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(candidate.URL, err)
	}

	title := strings.TrimSpace(doc.Find("h1#pageTitle, h1.spotifyTitle").First().Text())
	djName := strings.TrimSpace(doc.Find("h1#pageTitle a").First().Text())
	if djName == "" {
		djName, _, _ = splitMixTitle(title)
	}

	var eventDate *time.Time
	if raw, ok := doc.Find("meta[itemprop='startDate']").Attr("content"); ok {
		if parsed, err := time.Parse("2006-01-02", raw[:min(10, len(raw))]); err == nil {
			eventDate = &parsed
		}
	}

	var records []models.TrackRecord
	doc.Find("div.tlpItem, tr.tlpItem").Each(func(_ int, s *goquery.Selection) {
		artist := strings.TrimSpace(s.Find("span.trackArtist, meta[itemprop='byArtist']").First().Text())
		track := strings.TrimSpace(s.Find("span.trackValue, span.trackTitle").First().Text())

		var rec models.TrackRecord
		if artist != "" && track != "" {
			rec = models.TrackRecord{Artist: artist, Title: track}
			if m := remixRe.FindStringSubmatch(track); m != nil {
				rec.Remix = strings.TrimSpace(m[1])
				rec.Title = strings.TrimSpace(remixRe.ReplaceAllString(track, ""))
			}
		} else {
			// Combined "Artist - Title" cell or an unreleased ID slot.
			combined := strings.TrimSpace(s.Find("span.trackValue").Text())
			var ok bool
			rec, ok = parseTrackLine(combined)
			if !ok {
				rec = models.TrackRecord{Artist: "ID", Title: "ID"}
			}
		}
		if label, ok := s.Find("span.trackLabel").Attr("title"); ok {
			rec.Label = strings.TrimSpace(label)
		}
		rec.Position = len(records) + 1
		rec.RawBlob = strings.Join(strings.Fields(s.Text()), " ")
		records = append(records, rec)
	})
	if len(records) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("no track rows found"))
	}

	return &models.PlaylistPayload{
		SourceName: t.Name(),
		ExternalID: candidate.ExternalID,
		URL:        candidate.URL,
		Title:      title,
		DJName:     djName,
		EventDate:  eventDate,
		Tracks:     records,
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}
