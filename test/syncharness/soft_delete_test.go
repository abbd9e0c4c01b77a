package syncharness_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaylink/syncengine/test/syncharness"
)

// Scenario 5: the host soft-deletes a row; after sync the mobile peer's
// copy has deleted_at set but the row still physically exists, and an
// untouched sibling row is retained.
func TestSoftDeleteFromHostPropagates(t *testing.T) {
	h := syncharness.New(t)

	h.SetWatermark(h.Mobile, time.Now().Add(-10*time.Second).Unix())
	h.SeedRow(h.Mobile, "entities", map[string]any{
		"id": "d1", "name": "Doomed", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-30 * time.Second),
	})
	h.SeedRow(h.Mobile, "entities", map[string]any{
		"id": "keep", "name": "Sibling", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-30 * time.Second),
	})
	h.SeedRow(h.Host, "entities", map[string]any{
		"id": "d1", "name": "Doomed", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-3 * time.Second),
		"deleted_at": syncharness.Offset(-3 * time.Second),
	})
	h.SeedRow(h.Host, "entities", map[string]any{
		"id": "keep", "name": "Sibling", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-30 * time.Second),
	})

	h.Sync(context.Background())

	if h.Count(h.Mobile, "entities") != 2 {
		t.Fatalf("mobile has %d entities rows, want 2 (soft delete must not remove rows)", h.Count(h.Mobile, "entities"))
	}
	deleted := h.Row(h.Mobile, "entities", "d1")
	if deleted == nil {
		t.Fatal("soft-deleted row d1 was physically removed")
	}
	if deleted["deleted_at"] == nil || deleted["deleted_at"] == "" {
		t.Error("mobile row d1 deleted_at was not set")
	}
	sibling := h.Row(h.Mobile, "entities", "keep")
	if sibling == nil || sibling["deleted_at"] != nil {
		t.Errorf("sibling row was unexpectedly affected: %+v", sibling)
	}
}

// Scenario 6: a local soft delete is sent to the host as a delete
// operation and lands there as a soft delete too.
func TestLocalDeletePropagatesToHost(t *testing.T) {
	h := syncharness.New(t)

	w := time.Now().Add(-10 * time.Second).Unix()
	h.SetWatermark(h.Host, w)
	h.SeedRow(h.Host, "entities", map[string]any{
		"id": "d2", "name": "Doomed", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-30 * time.Second),
	})
	h.SeedRow(h.Mobile, "entities", map[string]any{
		"id": "d2", "name": "Doomed", "kind": "npc",
		"created_at": syncharness.Offset(-30 * time.Second),
		"updated_at": syncharness.Offset(-3 * time.Second),
		"deleted_at": syncharness.Offset(-3 * time.Second),
	})

	h.Sync(context.Background())

	row := h.Row(h.Host, "entities", "d2")
	if row == nil {
		t.Fatal("host row d2 was physically removed, want soft delete")
	}
	if row["deleted_at"] == nil || row["deleted_at"] == "" {
		t.Error("host row d2 deleted_at was not propagated")
	}
}
