package reader

import (
	"bytes"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupEntitiesDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE entities (
		id TEXT PRIMARY KEY,
		name TEXT,
		kind TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertEntity(t *testing.T, db *sql.DB, id string, createdUnix int) {
	t.Helper()
	ts := time.Unix(int64(createdUnix), 0).UTC().Format(time.RFC3339)
	_, err := db.Exec(`INSERT INTO entities (id, name, kind, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, "name-"+id, "thing", ts, ts)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestReadSinceZeroReturnsEverything(t *testing.T) {
	db := setupEntitiesDB(t)
	insertEntity(t, db, "e1", 1000)
	insertEntity(t, db, "e2", 2000)

	rows, err := ReadSince(db, "entities", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2 (first-sync rule)", len(rows))
	}
}

func TestReadSinceFiltersByWatermark(t *testing.T) {
	db := setupEntitiesDB(t)
	insertEntity(t, db, "e1", 1000)
	insertEntity(t, db, "e2", 2000)

	rows, err := ReadSince(db, "entities", 1500)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0]["id"] != "e2" {
		t.Errorf("got id %v, want e2", rows[0]["id"])
	}
}

func TestReadSinceUnregisteredTable(t *testing.T) {
	db := setupEntitiesDB(t)
	if _, err := ReadSince(db, "nope", 0); err == nil {
		t.Error("expected error for unregistered table")
	}
}

func TestReadBlobTableSmallInline(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE character_images (
		id TEXT PRIMARY KEY,
		character_id TEXT,
		image_data BLOB,
		content_type TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		deleted_at TEXT
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	blob := bytes.Repeat([]byte{0xAB}, 128)
	ts := "2024-01-01T00:00:00Z"
	if _, err := db.Exec(`INSERT INTO character_images (id, character_id, image_data, content_type, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		"img1", "c1", blob, "image/png", ts, ts); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := ReadSince(db, "character_images", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	got, ok := rows[0]["image_data"].([]byte)
	if !ok {
		t.Fatalf("image_data type = %T, want []byte", rows[0]["image_data"])
	}
	if !bytes.Equal(got, blob) {
		t.Error("image_data did not round-trip")
	}
}
