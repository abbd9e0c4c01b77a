// Package store opens the local SQLite database for one sync peer
// (mobile or host — the schema and access pattern are identical on both
// sides) and bootstraps the reference tables used to exercise the sync
// engine.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a peer-local SQLite connection.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the bootstrap schema. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{conn: conn}, nil
}

// openConn opens a SQLite connection with the same safe defaults the
// rest of this engine's host process relies on: a single pinned
// connection (SQLite has one writer) and WAL mode for concurrent reads.
func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")
	conn.Exec("PRAGMA foreign_keys=ON")

	return conn, nil
}

// Conn returns the underlying *sql.DB for use by the Change Reader,
// Record Applier, and Watermark Store, which each need raw transaction
// access.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

// Close closes the underlying connection, checkpointing the WAL first
// so a later opener of the same path sees a clean file.
func (s *Store) Close() error {
	s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.conn.Close()
}

// schema creates the eight reference tables plus the sync_watermark
// key/value table. Every reference table carries the same soft-delete
// columns so the reader and applier can treat them
// uniformly. This is bootstrap DDL for exercising the engine, not a
// migrations system — schema migrations are an external collaborator
// owned elsewhere.
const schema = `
CREATE TABLE IF NOT EXISTS character_profiles (
	id TEXT PRIMARY KEY,
	name TEXT,
	description TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS character_images (
	id TEXT PRIMARY KEY,
	character_id TEXT,
	image_data BLOB,
	content_type TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS provider_configurations (
	id TEXT PRIMARY KEY,
	provider_name TEXT,
	settings TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS module_configurations (
	id TEXT PRIMARY KEY,
	module_name TEXT,
	settings TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	name TEXT,
	kind TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS entity_module_mappings (
	entity_id TEXT PRIMARY KEY,
	module_id TEXT,
	config TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS conversation_threads (
	id TEXT PRIMARY KEY,
	title TEXT,
	character_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT,
	role TEXT,
	text TEXT,
	audio_data BLOB,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS sync_watermark (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
