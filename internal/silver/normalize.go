// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package silver

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics decomposes to NFD, drops combining marks, and recomposes,
// so "Rødhåd" and "Rodhad" normalize identically.
var stripDiacritics = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize produces the matching key for artist names and track titles:
// lowercase, diacritics stripped, punctuation removed, whitespace collapsed.
// Display strings keep their original form; only matching uses this.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	if out, _, err := transform.String(stripDiacritics, s); err == nil {
		s = out
	}

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case r == '&':
			// "&" and "and" must collide: "Above & Beyond" == "Above and Beyond".
			if !lastSpace {
				b.WriteRune(' ')
			}
			b.WriteString("and ")
			lastSpace = true
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// sentinelSet holds normalized sentinel artist names for O(1) lookup.
type sentinelSet map[string]struct{}

func newSentinelSet(names []string) sentinelSet {
	set := make(sentinelSet, len(names))
	for _, name := range names {
		set[Normalize(name)] = struct{}{}
	}
	return set
}

// contains reports whether the raw artist name is a placeholder. Matching
// runs on the normalized form, so "unknown artist" and "Unknown Artist"
// both hit.
func (s sentinelSet) contains(artist string) bool {
	_, ok := s[Normalize(artist)]
	return ok
}
