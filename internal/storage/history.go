package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raine/werkaholic-scanner/internal/listing"
)

// DefaultHistoryLimit is used when ListHistory is called with a non-positive limit.
const DefaultHistoryLimit = 20

// HistoryEntry is an accepted scan result.
type HistoryEntry struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Result    listing.ScanResult `json:"result"`
	Manual    bool               `json:"manual"`
	CreatedAt time.Time          `json:"createdAt"`
}

// AddHistory stores an accepted scan result and returns its ID.
func (s *SQLiteStore) AddHistory(userID string, result *listing.ScanResult, manual bool) (string, error) {
	if result == nil {
		return "", fmt.Errorf("nil scan result")
	}

	keywords, err := json.Marshal(result.Keywords)
	if err != nil {
		return "", fmt.Errorf("failed to marshal keywords: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	_, err = s.db.Exec(`
		INSERT INTO scan_history
			(id, user_id, title, price_estimate, condition, category, description, keywords, reasoning, manual, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, userID, result.Title, result.PriceEstimate, string(result.Condition), result.Category,
		result.Description, string(keywords), result.Reasoning, manual, s.now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to add history entry: %w", err)
	}

	return id, nil
}

// ListHistory returns the user's most recent history entries, newest first.
func (s *SQLiteStore) ListHistory(userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, title, price_estimate, condition, category, description, keywords, reasoning, manual, created_at
		FROM scan_history
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var condition, keywords string
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.Result.Title, &e.Result.PriceEstimate, &condition, &e.Result.Category,
			&e.Result.Description, &keywords, &e.Result.Reasoning, &e.Manual, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.Result.Detected = true
		e.Result.Condition = listing.Condition(condition)
		if keywords != "" {
			if err := json.Unmarshal([]byte(keywords), &e.Result.Keywords); err != nil {
				return nil, fmt.Errorf("failed to unmarshal keywords for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
