// Segue - DJ Setlist Transition Graph Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/segue

package gold

import (
	"regexp"
	"strconv"
	"strings"
)

// camelotKey is a position on the Camelot wheel: number 1..12 plus ring
// A (minor) or B (major).
type camelotKey struct {
	number int
	ring   byte
}

var camelotRe = regexp.MustCompile(`^(\d{1,2})([ABab])$`)

// standardToCamelot maps conventional key names (normalized to lowercase,
// "#"/"b" accidentals) onto the wheel.
var standardToCamelot = map[string]camelotKey{
	"abm": {1, 'A'}, "g#m": {1, 'A'}, "b": {1, 'B'},
	"ebm": {2, 'A'}, "d#m": {2, 'A'}, "f#": {2, 'B'}, "gb": {2, 'B'},
	"bbm": {3, 'A'}, "a#m": {3, 'A'}, "db": {3, 'B'}, "c#": {3, 'B'},
	"fm": {4, 'A'}, "ab": {4, 'B'}, "g#": {4, 'B'},
	"cm": {5, 'A'}, "eb": {5, 'B'}, "d#": {5, 'B'},
	"gm": {6, 'A'}, "bb": {6, 'B'}, "a#": {6, 'B'},
	"dm": {7, 'A'}, "f": {7, 'B'},
	"am": {8, 'A'}, "c": {8, 'B'},
	"em": {9, 'A'}, "g": {9, 'B'},
	"bm": {10, 'A'}, "d": {10, 'B'},
	"f#m": {11, 'A'}, "gbm": {11, 'A'}, "a": {11, 'B'},
	"c#m": {12, 'A'}, "dbm": {12, 'A'}, "e": {12, 'B'},
}

// parseKey accepts Camelot notation ("8A") or conventional names ("Am",
// "C# minor", "F major"). ok is false for anything unrecognizable.
func parseKey(raw string) (camelotKey, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return camelotKey{}, false
	}

	if m := camelotRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n >= 1 && n <= 12 {
			return camelotKey{number: n, ring: byte(strings.ToUpper(m[2])[0])}, true
		}
		return camelotKey{}, false
	}

	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "♯", "#")
	s = strings.ReplaceAll(s, "♭", "b")
	s = strings.ReplaceAll(s, " minor", "m")
	s = strings.ReplaceAll(s, " min", "m")
	s = strings.ReplaceAll(s, " major", "")
	s = strings.ReplaceAll(s, " maj", "")
	s = strings.ReplaceAll(s, " ", "")

	key, ok := standardToCamelot[s]
	return key, ok
}

// keysCompatible implements harmonic mixing compatibility: same slot, one
// step around the wheel in the same ring, or the relative major/minor swap.
func keysCompatible(a, b camelotKey) bool {
	if a.ring == b.ring {
		diff := a.number - b.number
		if diff < 0 {
			diff = -diff
		}
		return diff == 0 || diff == 1 || diff == 11 // 12 and 1 are adjacent
	}
	return a.number == b.number
}

// KeyCompat scores the harmonic compatibility of two key strings: 1 for
// compatible, 0 for clashing, nil when either side is missing or
// unparseable.
func KeyCompat(from, to *string) *float64 {
	if from == nil || to == nil {
		return nil
	}
	a, okA := parseKey(*from)
	b, okB := parseKey(*to)
	if !okA || !okB {
		return nil
	}
	score := 0.0
	if keysCompatible(a, b) {
		score = 1.0
	}
	return &score
}
