package storage

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists quotas, scan history and the vision cache.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite with WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0600); err != nil {
			log.Warn().Err(err).Str("dbPath", dbPath).Msg("failed to restrict database permissions")
		}
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	quotasQuery := `
	CREATE TABLE IF NOT EXISTS quotas (
		user_id TEXT PRIMARY KEY,
		plan TEXT NOT NULL DEFAULT 'free',
		scans_used INTEGER NOT NULL DEFAULT 0,
		reset_date DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(quotasQuery); err != nil {
		return fmt.Errorf("failed to create quotas table: %w", err)
	}

	historyQuery := `
	CREATE TABLE IF NOT EXISTS scan_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		price_estimate TEXT,
		condition TEXT,
		category TEXT,
		description TEXT,
		keywords TEXT,
		reasoning TEXT,
		manual INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(historyQuery); err != nil {
		return fmt.Errorf("failed to create scan_history table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_scan_history_user ON scan_history(user_id, created_at)`); err != nil {
		return fmt.Errorf("failed to create scan_history index: %w", err)
	}

	visionCacheQuery := `
	CREATE TABLE IF NOT EXISTS vision_cache (
		image_hash TEXT PRIMARY KEY,
		result TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(visionCacheQuery); err != nil {
		return fmt.Errorf("failed to create vision_cache table: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
