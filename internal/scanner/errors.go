package scanner

import (
	"errors"
	"strings"

	"github.com/raine/werkaholic-scanner/internal/frame"
)

var (
	ErrRateLimited       = errors.New("vision api rate limited")
	ErrQuotaExceeded     = errors.New("daily scan quota exceeded")
	ErrBusy              = errors.New("analysis already in progress")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStopped           = errors.New("scanner stopped")
	// ErrDiscarded is returned to a manual caller whose result arrived after a reset.
	ErrDiscarded = errors.New("result discarded after reset")
)

// User-visible messages.
const (
	msgRateLimited   = "Das Analyse-Kontingent der KI ist erschöpft. Bitte später erneut versuchen und zurücksetzen."
	msgQuotaExceeded = "Tageslimit erreicht. Upgrade auf Pro für unbegrenzte Scans."
	msgAnalysisFail  = "Analyse fehlgeschlagen. Nächster Versuch läuft automatisch."
	msgNoFrame       = "Kein Bild verfügbar."
)

// UserMessage returns the German text for errors returned by the controller.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, ErrQuotaExceeded):
		return msgQuotaExceeded
	case errors.Is(err, ErrBusy):
		return "Analyse läuft bereits."
	case errors.Is(err, ErrInvalidTransition):
		return "Aktion im aktuellen Zustand nicht möglich."
	case errors.Is(err, ErrStopped):
		return "Scanner ist beendet."
	case errors.Is(err, ErrDiscarded):
		return "Ergebnis verworfen."
	case errors.Is(err, frame.ErrNoFrame):
		return msgNoFrame
	default:
		return msgAnalysisFail
	}
}

// captureError marks a frame source failure. It never counts as a rate limit,
// whatever the source's error text says.
type captureError struct {
	err error
}

func (e *captureError) Error() string { return "failed to capture frame: " + e.err.Error() }
func (e *captureError) Unwrap() error { return e.err }

type rateLimiter interface {
	RateLimited() bool
}

var rateLimitMarkers = []string{"429", "resource_exhausted", "rate limit", "quota exceeded"}

// isRateLimit reports whether a classifier failure signals a rate limit.
func isRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var rl rateLimiter
	if errors.As(err, &rl) && rl.RateLimited() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
