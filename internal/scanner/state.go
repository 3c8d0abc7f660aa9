package scanner

import (
	"fmt"
	"time"

	"github.com/raine/werkaholic-scanner/internal/listing"
)

// LoopState is the state of the auto-scan loop.
type LoopState int

const (
	Idle LoopState = iota
	Running
	Paused
	QuotaExceeded
)

var loopStateNames = map[LoopState]string{
	Idle:          "idle",
	Running:       "running",
	Paused:        "paused",
	QuotaExceeded: "quota_exceeded",
}

func (s LoopState) String() string {
	if name, ok := loopStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LoopState(%d)", int(s))
}

// MarshalText encodes the state as its lowercase name.
func (s LoopState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LastSuccess is the most recently accepted detection.
type LastSuccess struct {
	Title           string `json:"title"`
	TimestampMillis int64  `json:"timestampMillis"`
}

// At returns the acceptance time.
func (l LastSuccess) At() time.Time {
	return time.UnixMilli(l.TimestampMillis)
}

// Status is a read-only snapshot of the controller for the rendering layer.
type Status struct {
	State     LoopState           `json:"state"`
	Analyzing bool                `json:"analyzing"`
	Preview   *listing.ScanResult `json:"preview,omitempty"`
	Duplicate bool                `json:"duplicate"`
	Error     string              `json:"error,omitempty"`
	Quota     listing.QuotaState  `json:"quota"`
	// LastSuccess is nil until the first acceptance.
	LastSuccess *LastSuccess `json:"lastSuccess,omitempty"`
}
