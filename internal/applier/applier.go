// Package applier applies a batch of change records to the local store
// within one transaction, using last-write-wins conflict resolution and
// rolling back on any failure.
package applier

import (
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/relaylink/syncengine/internal/model"
	"github.com/relaylink/syncengine/internal/timeutil"
)

var validColumnName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ConflictNote records that an incoming row overwrote a local one, for
// observability only — resolution itself stays unconditional
// last-write-wins.
type ConflictNote struct {
	Table         string
	PrimaryKey    string
	OverwrittenAt time.Time
}

// Result summarizes one atomic apply of the incoming buffer.
type Result struct {
	Applied   int
	Skipped   int // incoming row was older than stored — LWW skip
	Conflicts []ConflictNote
}

// ApplyBatch applies every record in order within tx. On the first
// failure it returns the error immediately; the caller is responsible
// for rolling back tx.
func ApplyBatch(tx *sql.Tx, records []model.ChangeRecord) (Result, error) {
	var result Result

	for i, rec := range records {
		if err := model.Validate(rec.Table); err != nil {
			return result, fmt.Errorf("apply record %d: %w", i, err)
		}

		pk := model.PrimaryKeyColumn(rec.Table)
		switch rec.Operation {
		case model.OpDelete:
			if err := applyDelete(tx, rec, pk); err != nil {
				return result, fmt.Errorf("apply delete %d (%s): %w", i, rec.Table, err)
			}
			result.Applied++
		default:
			overwrote, skipped, err := applyUpsert(tx, rec, pk)
			if err != nil {
				return result, fmt.Errorf("apply %s %d (%s): %w", rec.Operation, i, rec.Table, err)
			}
			if skipped {
				result.Skipped++
				continue
			}
			result.Applied++
			if overwrote {
				result.Conflicts = append(result.Conflicts, ConflictNote{
					Table:         rec.Table,
					PrimaryKey:    fmt.Sprint(rec.Record[pk]),
					OverwrittenAt: time.Now().UTC(),
				})
			}
		}
	}

	return result, nil
}

// applyDelete performs a soft delete: the row is never physically
// removed, only its deleted_at/updated_at columns are set. A missing
// row is acceptable — the delete is idempotent.
func applyDelete(tx *sql.Tx, rec model.ChangeRecord, pk string) error {
	pkVal, ok := rec.Record[pk]
	if !ok {
		return fmt.Errorf("delete record missing primary key %q", pk)
	}
	deletedAt := rec.Record["deleted_at"]
	updatedAt := rec.Record["updated_at"]

	query := fmt.Sprintf("UPDATE %s SET deleted_at = ?, updated_at = ? WHERE %s = ?", rec.Table, pk)
	_, err := tx.Exec(query, deletedAt, updatedAt, pkVal)
	return err
}

// applyUpsert resolves an insert/update record: missing row -> INSERT;
// present row with incoming.updated_at >= stored -> UPDATE every non-PK
// column; otherwise skip (local is newer).
func applyUpsert(tx *sql.Tx, rec model.ChangeRecord, pk string) (overwrote, skipped bool, err error) {
	pkVal, ok := rec.Record[pk]
	if !ok {
		return false, false, fmt.Errorf("record missing primary key %q", pk)
	}
	incomingUpdatedAt, ok := rec.Record["updated_at"]
	if !ok {
		return false, false, fmt.Errorf("record missing updated_at")
	}
	incomingUnix, err := toUnix(incomingUpdatedAt)
	if err != nil {
		return false, false, fmt.Errorf("parse incoming updated_at: %w", err)
	}

	var storedUpdatedAt string
	err = tx.QueryRow(fmt.Sprintf("SELECT updated_at FROM %s WHERE %s = ?", rec.Table, pk), pkVal).Scan(&storedUpdatedAt)
	switch {
	case err == sql.ErrNoRows:
		if err := insertRow(tx, rec); err != nil {
			return false, false, err
		}
		return false, false, nil
	case err != nil:
		return false, false, fmt.Errorf("select stored row: %w", err)
	}

	storedUnix, err := toUnix(storedUpdatedAt)
	if err != nil {
		return false, false, fmt.Errorf("parse stored updated_at: %w", err)
	}
	if incomingUnix < storedUnix {
		slog.Debug("applier: LWW skip, local is newer", "table", rec.Table, "pk", pkVal)
		return false, true, nil
	}

	if err := updateRow(tx, rec, pk, pkVal); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func toUnix(v model.Value) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected string timestamp, got %T", v)
	}
	return timeutil.ToUnixSeconds(s)
}

func insertRow(tx *sql.Tx, rec model.ChangeRecord) error {
	cols, err := validColumns(tx, rec.Table)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.Record))
	for k := range rec.Record {
		if !cols[k] || !validColumnName.MatchString(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	placeholders := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		vals[i] = rec.Record[k]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		rec.Table, joinCols(keys), joinPlaceholders(placeholders))
	_, err = tx.Exec(query, vals...)
	return err
}

func updateRow(tx *sql.Tx, rec model.ChangeRecord, pk string, pkVal model.Value) error {
	cols, err := validColumns(tx, rec.Table)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(rec.Record))
	for k := range rec.Record {
		if k == pk || !cols[k] || !validColumnName.MatchString(k) {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	setClauses := make([]string, len(keys))
	vals := make([]any, len(keys)+1)
	for i, k := range keys {
		setClauses[i] = fmt.Sprintf("%s = ?", k)
		vals[i] = rec.Record[k]
	}
	vals[len(keys)] = pkVal

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", rec.Table, joinCols(setClauses), pk)
	_, err = tx.Exec(query, vals...)
	return err
}

func validColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info(%s): %w", table, err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(ph []string) string {
	return joinCols(ph)
}
