// Package watermark persists and retrieves a peer's last-successful-sync
// timestamp.
package watermark

import (
	"database/sql"
	"fmt"

	"github.com/relaylink/syncengine/internal/timeutil"
)

// Key is the single persisted key name, kept stable for compatibility
// with existing deployments.
const Key = "last_sync_timestamp"

// Store reads and writes the watermark against a *sql.DB. Set must only
// be called after the corresponding apply transaction has already
// committed — never from inside it.
type Store struct {
	conn *sql.DB
}

// New wraps a database connection for watermark access.
func New(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Get returns the current watermark, or 0 if none has ever been written.
func (s *Store) Get() (int64, error) {
	var value string
	err := s.conn.QueryRow(`SELECT value FROM sync_watermark WHERE key = ?`, Key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("watermark: get: %w", err)
	}
	return timeutil.ParseWatermark(value)
}

// Set writes the watermark, upserting the single row. Callers must only
// invoke this after the corresponding apply transaction has committed
// and the completion event has been emitted.
func (s *Store) Set(unixSeconds int64) error {
	_, err := s.conn.Exec(`
		INSERT INTO sync_watermark (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, Key, timeutil.FormatWatermark(unixSeconds))
	if err != nil {
		return fmt.Errorf("watermark: set: %w", err)
	}
	return nil
}
