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

const mixesDBBase = "https://www.mixesdb.com"

// MixesDB scrapes the MixesDB wiki. Mix pages are MediaWiki articles whose
// tracklist lives in <ol>/<ul> lists under the "Tracklist" heading.
type MixesDB struct {
	client *fetch.Client
	base   string
}

func NewMixesDB(client *fetch.Client) *MixesDB {
	return &MixesDB{client: client, base: mixesDBBase}
}

func (m *MixesDB) Name() string { return "mixesdb" }

func (m *MixesDB) Search(ctx context.Context, query string, limit int) ([]models.PlaylistCandidate, error) {
	searchURL := fmt.Sprintf("%s/w/index.php?title=Special:Search&search=%s&fulltext=1",
		m.base, url.QueryEscape(query))
	body, err := m.client.Get(ctx, searchURL, fetch.Options{})
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(searchURL, err)
	}

	var candidates []models.PlaylistCandidate
	doc.Find("ul.mw-search-results li a, div.searchresults a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, ok := s.Attr("href")
		if !ok || !strings.HasPrefix(href, "/") {
			return true
		}
		candidates = append(candidates, models.PlaylistCandidate{
			SourceName: m.Name(),
			ExternalID: strings.TrimPrefix(href, "/"),
			URL:        m.base + href,
			Title:      strings.TrimSpace(s.Text()),
		})
		return len(candidates) < limit
	})
	return candidates, nil
}

func (m *MixesDB) CandidateFromURL(raw string) (models.PlaylistCandidate, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.PlaylistCandidate{}, err
	}
	if !strings.HasSuffix(u.Host, "mixesdb.com") {
		return models.PlaylistCandidate{}, fmt.Errorf("not a mixesdb URL: %s", raw)
	}
	return models.PlaylistCandidate{
		SourceName: m.Name(),
		ExternalID: strings.TrimPrefix(u.Path, "/"),
		URL:        raw,
	}, nil
}

func (m *MixesDB) Fetch(ctx context.Context, candidate models.PlaylistCandidate) (*models.PlaylistPayload, error) {
	body, err := m.client.Get(ctx, candidate.URL, fetch.Options{})
	if err != nil {
		return nil, err
	}
	fetchedAt := time.Now().UTC()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, malformed(candidate.URL, err)
	}

	title := strings.TrimSpace(doc.Find("h1#firstHeading, h1.firstHeading").First().Text())
	if title == "" {
		title = candidate.Title
	}

	// Page titles follow "YYYY-MM-DD - DJ Name @ Event".
	djName, eventName, eventDate := splitMixTitle(title)

	var lines []string
	doc.Find("div.list ol li, div.list ul li, ol.tracklist li").Each(func(_ int, s *goquery.Selection) {
		lines = append(lines, strings.TrimSpace(s.Text()))
	})
	if len(lines) == 0 {
		return nil, malformed(candidate.URL, fmt.Errorf("no tracklist found on page"))
	}

	genre := strings.TrimSpace(doc.Find("div.cat-genre a, td.genre").First().Text())

	return &models.PlaylistPayload{
		SourceName: m.Name(),
		ExternalID: candidate.ExternalID,
		URL:        candidate.URL,
		Title:      title,
		DJName:     djName,
		EventName:  eventName,
		EventDate:  eventDate,
		Genre:      genre,
		Tracks:     parseTrackLines(lines),
		RawBlob:    body,
		FetchedAt:  fetchedAt,
	}, nil
}

// splitMixTitle decomposes "2024-06-01 - Ben Klock @ Berghain" style titles.
// Anything that does not match leaves DJName as the whole title.
func splitMixTitle(title string) (dj, event string, date *time.Time) {
	rest := title
	if len(rest) >= 10 {
		if t, err := time.Parse("2006-01-02", rest[:10]); err == nil {
			date = &t
			rest = strings.TrimSpace(strings.TrimPrefix(rest[10:], " -"))
		}
	}
	if idx := strings.Index(rest, " @ "); idx > 0 {
		return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+3:]), date
	}
	return strings.TrimSpace(rest), "", date
}
