package storage

import (
	"database/sql"
	"fmt"

	"github.com/raine/werkaholic-scanner/internal/listing"
)

// GetQuota returns the user's quota for the current day. A user seen for the
// first time starts on the free plan.
func (s *SQLiteStore) GetQuota(userID string) (listing.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := s.loadQuota(tx, userID)
	if err != nil {
		return listing.QuotaState{}, err
	}
	if err := tx.Commit(); err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to commit quota: %w", err)
	}
	return q, nil
}

// IncrementQuota counts one scan and returns the updated quota.
func (s *SQLiteStore) IncrementQuota(userID string) (listing.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := s.loadQuota(tx, userID)
	if err != nil {
		return listing.QuotaState{}, err
	}

	if _, err := tx.Exec(`UPDATE quotas SET scans_used = scans_used + 1 WHERE user_id = ?`, userID); err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to increment quota: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to commit quota: %w", err)
	}

	q.ScansUsed++
	return q, nil
}

// SetPlan changes the user's plan without touching the scan counter.
func (s *SQLiteStore) SetPlan(userID string, plan listing.Plan) (listing.QuotaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	q, err := s.loadQuota(tx, userID)
	if err != nil {
		return listing.QuotaState{}, err
	}

	if _, err := tx.Exec(`UPDATE quotas SET plan = ? WHERE user_id = ?`, string(plan), userID); err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to set plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to commit plan: %w", err)
	}

	q.Plan = plan
	return q, nil
}

// loadQuota reads the quota row inside tx, creating it on first use and
// rolling the counter over once the reset date has passed.
func (s *SQLiteStore) loadQuota(tx *sql.Tx, userID string) (listing.QuotaState, error) {
	now := s.now()

	var plan string
	var q listing.QuotaState
	err := tx.QueryRow(
		`SELECT plan, scans_used, reset_date FROM quotas WHERE user_id = ?`,
		userID,
	).Scan(&plan, &q.ScansUsed, &q.ResetDate)

	if err == sql.ErrNoRows {
		q = listing.QuotaState{
			Plan:      listing.PlanFree,
			ScansUsed: 0,
			ResetDate: listing.NextReset(now).UTC(),
		}
		_, err := tx.Exec(
			`INSERT INTO quotas (user_id, plan, scans_used, reset_date) VALUES (?, ?, ?, ?)`,
			userID, string(q.Plan), q.ScansUsed, q.ResetDate,
		)
		if err != nil {
			return listing.QuotaState{}, fmt.Errorf("failed to create quota: %w", err)
		}
		return q, nil
	}
	if err != nil {
		return listing.QuotaState{}, fmt.Errorf("failed to query quota: %w", err)
	}

	q.Plan = listing.ParsePlan(plan)

	if !now.Before(q.ResetDate) {
		q.ScansUsed = 0
		q.ResetDate = listing.NextReset(now).UTC()
		_, err := tx.Exec(
			`UPDATE quotas SET scans_used = 0, reset_date = ? WHERE user_id = ?`,
			q.ResetDate, userID,
		)
		if err != nil {
			return listing.QuotaState{}, fmt.Errorf("failed to reset quota: %w", err)
		}
	}

	return q, nil
}
