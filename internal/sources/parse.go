// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package sources

import (
	"regexp"
	"strings"

	"github.com/tomtom215/segue/internal/models"
)

// Track lines in the wild look like:
//
//	01. Artist - Title (Some Remix) [Label]
//	[0:42:10] Artist - Title
//	Artist - Title
//	?? - ID
//
// parseTrackLine extracts the artist/title/remix/label parts; the position
// is assigned by the caller from line order, never from the printed number,
// because printed numbers skip and repeat on real pages.

var (
	// Leading track numbers ("01.", "12)", "3:") and cue timestamps
	// ("[1:02:45]", "(0:42)").
	leadingNoiseRe = regexp.MustCompile(`^\s*(?:\[?\(?\d{1,2}:\d{2}(?::\d{2})?\)?\]?|\d{1,3}[.):])\s*`)

	remixRe = regexp.MustCompile(`\(([^()]*(?:[Rr]emix|[Mm]ix|[Ee]dit|[Dd]ub|[Bb]ootleg|[Vv]ersion|VIP)[^()]*)\)`)
	labelRe = regexp.MustCompile(`\[([^\[\]]+)\]\s*$`)
)

// parseTrackLine parses one raw track line. ok is false when the line has
// no recognizable artist/title split.
func parseTrackLine(line string) (rec models.TrackRecord, ok bool) {
	line = strings.TrimSpace(line)
	line = leadingNoiseRe.ReplaceAllString(line, "")
	if line == "" {
		return rec, false
	}

	if m := labelRe.FindStringSubmatch(line); m != nil {
		rec.Label = strings.TrimSpace(m[1])
		line = strings.TrimSpace(labelRe.ReplaceAllString(line, ""))
	}
	if m := remixRe.FindStringSubmatch(line); m != nil {
		rec.Remix = strings.TrimSpace(m[1])
		line = strings.TrimSpace(remixRe.ReplaceAllString(line, ""))
	}

	artist, title, found := splitArtistTitle(line)
	if !found {
		return rec, false
	}
	rec.Artist = artist
	rec.Title = title
	return rec, true
}

// splitArtistTitle splits on the first separator that has whitespace on
// both sides. Plain hyphens inside names ("Jean-Michel") survive.
func splitArtistTitle(line string) (artist, title string, ok bool) {
	for _, sep := range []string{" - ", " – ", " — ", " – "} {
		if idx := strings.Index(line, sep); idx > 0 {
			artist = strings.TrimSpace(line[:idx])
			title = strings.TrimSpace(line[idx+len(sep):])
			if artist != "" && title != "" {
				return artist, title, true
			}
		}
	}
	return "", "", false
}

// parseTrackLines parses a block of raw lines into positioned records.
// Unparseable lines become "ID - ID" placeholders so positions stay
// contiguous; the silver layer drops them via the sentinel filter.
func parseTrackLines(lines []string) []models.TrackRecord {
	var records []models.TrackRecord
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, ok := parseTrackLine(line)
		if !ok {
			rec = models.TrackRecord{Artist: "ID", Title: "ID"}
		}
		rec.Position = len(records) + 1
		rec.RawBlob = line
		records = append(records, rec)
	}
	return records
}
