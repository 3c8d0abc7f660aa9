package listing

import (
	"strings"
	"time"
)

// Plan is the subscription tier of a user.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// FreeDailyScans is the number of scans a free plan may run per day.
const FreeDailyScans = 11

// ParsePlan parses a plan name. Anything that is not "pro" is the free plan.
func ParsePlan(s string) Plan {
	if strings.EqualFold(strings.TrimSpace(s), string(PlanPro)) {
		return PlanPro
	}
	return PlanFree
}

// QuotaState is the daily scan counter of a user.
type QuotaState struct {
	Plan      Plan      `json:"plan"`
	ScansUsed int       `json:"scansUsed"`
	ResetDate time.Time `json:"resetDate"`
}

// CeilingReached reports whether the quota gate must refuse further scans.
// The pro plan never has a ceiling.
func (q QuotaState) CeilingReached() bool {
	return q.Plan != PlanPro && q.ScansUsed >= FreeDailyScans
}

// Limit returns the daily scan limit, -1 for unlimited.
func (q QuotaState) Limit() int {
	if q.Plan == PlanPro {
		return -1
	}
	return FreeDailyScans
}

// Remaining returns the scans left today, -1 for unlimited.
func (q QuotaState) Remaining() int {
	if q.Plan == PlanPro {
		return -1
	}
	if left := FreeDailyScans - q.ScansUsed; left > 0 {
		return left
	}
	return 0
}

// NextReset returns the local midnight following now.
func NextReset(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
}
