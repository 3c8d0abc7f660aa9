package scanner

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultDuplicateWindow is how long an accepted title suppresses look-alikes.
const DefaultDuplicateWindow = 30 * time.Second

const (
	duplicateOverlap = 0.6
	minTokenLength   = 3
)

var nonTitleChars = regexp.MustCompile(`[^a-z0-9äöüß ]`)

// NormalizeTitle lowercases a title and strips everything except ASCII
// letters, digits, German umlauts, ß and spaces.
func NormalizeTitle(title string) string {
	return strings.TrimSpace(nonTitleChars.ReplaceAllString(strings.ToLower(title), ""))
}

func titleTokens(normalized string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.Fields(normalized) {
		if utf8.RuneCountInString(f) >= minTokenLength {
			tokens[f] = struct{}{}
		}
	}
	return tokens
}

// IsDuplicate reports whether a new title repeats the last accepted one.
// Titles are never duplicates once window has passed since the last acceptance.
func IsDuplicate(newTitle, lastTitle string, elapsed, window time.Duration) bool {
	if elapsed >= window {
		return false
	}

	a := NormalizeTitle(newTitle)
	b := NormalizeTitle(lastTitle)
	if a == b {
		return true
	}

	ta := titleTokens(a)
	tb := titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}

	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	return float64(shared)/float64(max(len(ta), len(tb))) > duplicateOverlap
}
