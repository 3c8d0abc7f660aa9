package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/raine/werkaholic-scanner/internal/listing"
)

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Classifier turns a still image into a resale listing.
type Classifier interface {
	// Classify analyzes one encoded image. Detected is false when no sellable
	// item is in view.
	Classify(ctx context.Context, imageData []byte, mimeType string) (*listing.ScanResult, error)
}

// RateLimitError signals that the vision API refused the call because of a
// rate limit or an exhausted API quota.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return "vision api rate limited (429): " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// RateLimited marks the error for the scan loop.
func (e *RateLimitError) RateLimited() bool {
	return true
}

// IsRateLimited reports whether err is a RateLimitError.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// maxKeywords caps the keyword list of a listing.
const maxKeywords = 10

// cleanKeywords trims, lowercases and de-duplicates keywords, keeping order.
func cleanKeywords(keywords []string) []string {
	seen := make(map[string]bool, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
