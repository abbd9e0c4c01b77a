package syncharness_test

import (
	"context"
	"testing"
	"time"

	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/test/syncharness"
)

// Scenario 7: the receiving side's apply transaction fails on the first
// incoming row (simulated here by dropping the destination table out
// from under the receiver). Expected: the session terminates with
// sync:error, nothing is persisted, and the watermark is left
// untouched.
func TestApplyFailureAbortsSessionWithoutAdvancingWatermark(t *testing.T) {
	h := syncharness.New(t)

	before, err := h.Mobile.Watermark()
	if err != nil {
		t.Fatalf("read mobile watermark: %v", err)
	}

	h.SeedRow(h.Host, "entities", map[string]any{
		"id": "x1", "name": "Will Not Land", "kind": "npc",
		"created_at": syncharness.Offset(0), "updated_at": syncharness.Offset(0),
	})

	if _, err := h.Mobile.Conn().Conn().Exec(`DROP TABLE entities`); err != nil {
		t.Fatalf("drop mobile entities table: %v", err)
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- h.Host.Serve(serveCtx) }()

	err = h.Mobile.InitiateSync(context.Background())
	cancel()
	select {
	case <-serveDone:
	case <-time.After(2 * time.Second):
		t.Fatal("host.Serve did not return after cancel")
	}

	if err == nil {
		t.Fatal("InitiateSync succeeded despite a dropped destination table")
	}

	after, werr := h.Mobile.Watermark()
	if werr != nil {
		t.Fatalf("read mobile watermark after failure: %v", werr)
	}
	if after != before {
		t.Errorf("watermark changed from %d to %d on a failed session", before, after)
	}

	sawError := false
	for _, ev := range h.MobileEvents {
		if ev.Kind == observer.Error {
			sawError = true
		}
		if ev.Kind == observer.Completed {
			t.Error("sync:completed fired despite apply failure")
		}
	}
	if !sawError {
		t.Error("sync:error was never observed on the mobile side")
	}
}
