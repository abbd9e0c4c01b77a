// Package syncharness wires a pair of in-process engines (mobile and
// host) over a transport.NewPair for integration tests that exercise
// the whole protocol, not one package at a time.
package syncharness

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/relaylink/syncengine/internal/engine"
	"github.com/relaylink/syncengine/internal/model"
	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/internal/transport"
)

// Offset formats a timestamp d away from now as the RFC3339 text every
// synced row's created_at/updated_at/deleted_at column carries.
func Offset(d time.Duration) string {
	return time.Now().Add(d).UTC().Format(time.RFC3339)
}

// SetWatermark writes peer's persisted watermark directly, bypassing a
// real sync — scenarios that need to start from `W = now - Ns` use this
// instead of running a session just to advance the clock.
func (h *Harness) SetWatermark(peer *engine.Engine, unixSeconds int64) {
	h.t.Helper()
	_, err := peer.Conn().Conn().Exec(`
		INSERT INTO sync_watermark (key, value) VALUES ('last_sync_timestamp', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fmt.Sprint(unixSeconds))
	if err != nil {
		h.t.Fatalf("set watermark: %v", err)
	}
}

// entityTables lists the tables AssertConverged compares. Kept
// separate from model.ClientSendOrder so a harness scenario can seed
// rows in any table without tying the comparison set to send order.
var entityTables = []string{
	"character_profiles",
	"character_images",
	"provider_configurations",
	"module_configurations",
	"entities",
	"entity_module_mappings",
	"conversation_threads",
	"conversation_messages",
}

// Harness orchestrates a two-peer sync scenario: one Mobile engine, one
// Host engine, and the in-memory transport pair connecting them.
type Harness struct {
	t *testing.T

	Mobile *engine.Engine
	Host   *engine.Engine

	MobileEvents []observer.Event
	HostEvents   []observer.Event
}

// New builds a Harness with fresh in-memory databases on both sides.
func New(t *testing.T) *Harness {
	t.Helper()

	mobileSide, hostSide := transport.NewPair(16)

	mobile, err := engine.New(engine.Options{
		DBPath:    ":memory:",
		Transport: mobileSide,
		Device:    engine.Device{DeviceID: "mobile-1", DeviceName: "Test Mobile", DeviceType: "phone", DevicePlatform: "ios"},
	})
	if err != nil {
		t.Fatalf("open mobile engine: %v", err)
	}
	t.Cleanup(func() { mobile.Close() })

	host, err := engine.New(engine.Options{
		DBPath:    ":memory:",
		Transport: hostSide,
		Device:    engine.Device{DeviceID: "host-1", DeviceName: "Test Host", DeviceType: "desktop", DevicePlatform: "linux"},
	})
	if err != nil {
		t.Fatalf("open host engine: %v", err)
	}
	t.Cleanup(func() { host.Close() })

	h := &Harness{t: t, Mobile: mobile, Host: host}
	mobile.Subscribe(func(ev observer.Event) { h.MobileEvents = append(h.MobileEvents, ev) })
	host.Subscribe(func(ev observer.Event) { h.HostEvents = append(h.HostEvents, ev) })

	return h
}

// SeedRow inserts a row directly into one peer's local database,
// bypassing the sync protocol — the way a scenario sets up "what this
// peer already has" before a sync runs.
func (h *Harness) SeedRow(peer *engine.Engine, table string, cols map[string]any) {
	h.t.Helper()
	if _, ok := model.Lookup(table); !ok {
		h.t.Fatalf("SeedRow: unregistered table %q", table)
	}

	keys := make([]string, 0, len(cols))
	for k := range cols {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	placeholders := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = "?"
		vals[i] = cols[k]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(keys, ", "), strings.Join(placeholders, ", "))
	if _, err := peer.Conn().Conn().Exec(query, vals...); err != nil {
		h.t.Fatalf("seed %s: %v", table, err)
	}
}

// Row returns one row's columns as a map, or nil if no row matches id.
func (h *Harness) Row(peer *engine.Engine, table, id string) map[string]any {
	h.t.Helper()
	pk := model.PrimaryKeyColumn(table)
	rows, err := peer.Conn().Conn().Query(fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", table, pk), id)
	if err != nil {
		h.t.Fatalf("query %s: %v", table, err)
	}
	defer rows.Close()
	return scanOne(h.t, rows)
}

// Count returns the number of rows in table on peer, including
// soft-deleted ones.
func (h *Harness) Count(peer *engine.Engine, table string) int {
	h.t.Helper()
	var n int
	if err := peer.Conn().Conn().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n); err != nil {
		h.t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// Sync runs one full sync session: the host serves in a background
// goroutine, the mobile initiates, and the background serve is
// cancelled once InitiateSync returns. Fails the test on any engine
// error.
func (h *Harness) Sync(ctx context.Context) {
	h.t.Helper()

	serveCtx, cancel := context.WithCancel(ctx)
	serveDone := make(chan error, 1)
	go func() { serveDone <- h.Host.Serve(serveCtx) }()

	if err := h.Mobile.InitiateSync(ctx); err != nil {
		cancel()
		<-serveDone
		h.t.Fatalf("InitiateSync: %v", err)
	}

	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		h.t.Fatal("host.Serve did not return after cancel")
	}
}

// AssertConverged fails the test if Mobile and Host disagree on any
// entity table's contents (timestamps and BLOB columns excluded from
// comparison — clocks differ per call site and byte dumps are noisy).
func (h *Harness) AssertConverged() {
	h.t.Helper()
	for _, table := range entityTables {
		a := h.dump(h.Mobile, table)
		b := h.dump(h.Host, table)
		if a != b {
			h.t.Fatalf("DIVERGENCE in table %q:\n--- mobile ---\n%s\n--- host ---\n%s", table, a, b)
		}
	}
}

var noCompareCols = map[string]bool{
	"created_at": true, "updated_at": true, "deleted_at": true,
	"image_data": true, "audio_data": true,
}

func (h *Harness) dump(peer *engine.Engine, table string) string {
	h.t.Helper()
	pk := model.PrimaryKeyColumn(table)
	rows, err := peer.Conn().Conn().Query(fmt.Sprintf("SELECT * FROM %s ORDER BY %s", table, pk))
	if err != nil {
		h.t.Fatalf("dump %s: %v", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		h.t.Fatalf("columns %s: %v", table, err)
	}

	var sb strings.Builder
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			h.t.Fatalf("scan %s: %v", table, err)
		}
		var parts []string
		for i, col := range cols {
			if noCompareCols[col] {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s=%v", col, vals[i]))
		}
		sb.WriteString(strings.Join(parts, " | "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

func scanOne(t *testing.T, rows *sql.Rows) map[string]any {
	t.Helper()
	if !rows.Next() {
		return nil
	}
	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		t.Fatalf("scan: %v", err)
	}
	result := make(map[string]any, len(cols))
	for i, col := range cols {
		result[col] = vals[i]
	}
	return result
}
