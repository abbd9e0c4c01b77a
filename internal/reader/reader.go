// Package reader returns locally changed rows for a table. Given
// (table, since) it returns every row changed after since, with a
// first-sync rule for brand-new peers and a two-phase metadata+BLOB
// read for tables carrying large binary columns.
package reader

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/relaylink/syncengine/internal/model"
)

// blobInlineThreshold is the size above which a BLOB column is fetched
// in windows instead of directly.
const blobInlineThreshold = 2 * 1024 * 1024

// blobWindowSize is the fixed window used for chunked BLOB reads above
// the threshold.
const blobWindowSize = 1024 * 1024

// ReadSince returns every row of table changed since the given
// watermark, as column-name-keyed maps. The returned rows are not yet
// classified into insert/update/delete — that happens downstream, once
// it's known which peer's watermark the rows are being sent against.
func ReadSince(db *sql.DB, table string, since int64) ([]map[string]model.Value, error) {
	if err := model.Validate(table); err != nil {
		return nil, err
	}

	if model.IsBlobTable(table) {
		return readBlobTable(db, table, since)
	}
	return readPlainTable(db, table, since, "*")
}

func readPlainTable(db *sql.DB, table string, since int64, cols string) ([]map[string]model.Value, error) {
	query, args := changePredicateQuery(table, cols, since)
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("reader: query %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// changePredicateQuery builds the since-based change query. since=0
// triggers the first-sync rule: return every row (live or soft
// deleted) so a brand-new peer receives the full seed dataset,
// regardless of historical created/updated/deleted timestamps.
func changePredicateQuery(table, cols string, since int64) (string, []any) {
	if since == 0 {
		return fmt.Sprintf("SELECT %s FROM %s", cols, table), nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE CAST(strftime('%%s', created_at) AS INTEGER) > ?
		   OR CAST(strftime('%%s', updated_at) AS INTEGER) > ?
		   OR (deleted_at IS NOT NULL AND CAST(strftime('%%s', deleted_at) AS INTEGER) > ?)
	`, cols, table)
	return query, []any{since, since, since}
}

func scanRows(rows *sql.Rows) ([]map[string]model.Value, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]model.Value
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("reader: scan row: %w", err)
		}
		rec := make(map[string]model.Value, len(cols))
		for i, c := range cols {
			rec[c] = vals[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// readBlobTable reads a BLOB-bearing table in two phases: metadata-only
// rows first, then per-row, per-column BLOB fetches, so a single large
// row never has to be materialized all at once.
func readBlobTable(db *sql.DB, table string, since int64) ([]map[string]model.Value, error) {
	schema, _ := model.Lookup(table)
	blobSet := make(map[string]bool, len(schema.BlobCols))
	for _, c := range schema.BlobCols {
		blobSet[c] = true
	}

	metaCols, err := nonBlobColumns(db, table, blobSet)
	if err != nil {
		return nil, fmt.Errorf("reader: introspect %s: %w", table, err)
	}

	rows, err := readPlainTable(db, table, since, metaCols)
	if err != nil {
		return nil, err
	}

	pk := model.PrimaryKeyColumn(table)
	for _, row := range rows {
		pkVal := row[pk]
		for _, col := range schema.BlobCols {
			data, err := readBlobColumn(db, table, pk, pkVal, col)
			if err != nil {
				slog.Warn("reader: blob read failed, nulling field", "table", table, "column", col, "err", err)
				row[col] = nil
				continue
			}
			row[col] = data
		}
	}
	return rows, nil
}

func nonBlobColumns(db *sql.DB, table string, blobSet map[string]bool) (string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return "", err
	}
	defer rows.Close()

	cols := ""
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return "", err
		}
		if blobSet[name] {
			continue
		}
		if cols != "" {
			cols += ", "
		}
		cols += name
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if cols == "" {
		return "", fmt.Errorf("table %s has no non-blob columns", table)
	}
	return cols, nil
}

// readBlobColumn fetches one BLOB field for one row: direct read when
// small, windowed substr reads when large.
func readBlobColumn(db *sql.DB, table, pk string, pkVal model.Value, col string) ([]byte, error) {
	var length sql.NullInt64
	err := db.QueryRow(fmt.Sprintf("SELECT length(%s) FROM %s WHERE %s = ?", col, table, pk), pkVal).Scan(&length)
	if err != nil {
		return nil, fmt.Errorf("length(%s): %w", col, err)
	}
	if !length.Valid || length.Int64 == 0 {
		return nil, nil
	}

	if length.Int64 <= blobInlineThreshold {
		var data []byte
		if err := db.QueryRow(fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", col, table, pk), pkVal).Scan(&data); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", col, err)
		}
		return data, nil
	}

	full := make([]byte, 0, length.Int64)
	for offset := int64(0); offset < length.Int64; offset += blobWindowSize {
		n := blobWindowSize
		if remaining := length.Int64 - offset; remaining < int64(n) {
			n = int(remaining)
		}
		var window []byte
		query := fmt.Sprintf("SELECT substr(%s, ?, ?) FROM %s WHERE %s = ?", col, table, pk)
		if err := db.QueryRow(query, offset+1, n, pkVal).Scan(&window); err != nil {
			return nil, fmt.Errorf("fetch %s window at %d: %w", col, offset, err)
		}
		full = append(full, window...)
	}
	return full, nil
}
