package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raine/werkaholic-scanner/internal/listing"
)

// GetVisionCache retrieves a cached classification by image hash.
// Returns nil, nil if no cache entry exists.
func (s *SQLiteStore) GetVisionCache(imageHash string) (*listing.ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(
		"SELECT result FROM vision_cache WHERE image_hash = ?",
		imageHash,
	).Scan(&raw)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vision cache: %w", err)
	}

	var result listing.ScanResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}
	return &result, nil
}

// SetVisionCache stores a classification in the cache.
func (s *SQLiteStore) SetVisionCache(imageHash string, result *listing.ScanResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO vision_cache (image_hash, result, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(image_hash) DO UPDATE SET
			result = excluded.result,
			created_at = excluded.created_at
	`, imageHash, string(raw), s.now().UTC())

	if err != nil {
		return fmt.Errorf("failed to cache vision result: %w", err)
	}
	return nil
}

// PruneVisionCache removes cache entries older than the given duration.
func (s *SQLiteStore) PruneVisionCache(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-olderThan)
	result, err := s.db.Exec(`DELETE FROM vision_cache WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune vision cache: %w", err)
	}

	return result.RowsAffected()
}
