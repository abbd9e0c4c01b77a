package syncharness_test

import (
	"context"
	"testing"

	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/test/syncharness"
)

// Scenario 8: with no records on either side, a sync session still
// completes cleanly on both peers: the first event is sync:started, the
// last is sync:completed, no other terminal event fires, and the
// watermark advances on each.
func TestFullProtocolOrderingWithNoRecords(t *testing.T) {
	h := syncharness.New(t)

	mobileBefore, _ := h.Mobile.Watermark()
	hostBefore, _ := h.Host.Watermark()

	h.Sync(context.Background())

	assertStartedThenCompleted(t, "mobile", h.MobileEvents)
	assertStartedThenCompleted(t, "host", h.HostEvents)

	mobileAfter, err := h.Mobile.Watermark()
	if err != nil {
		t.Fatalf("read mobile watermark: %v", err)
	}
	if mobileAfter <= mobileBefore {
		t.Errorf("mobile watermark did not advance: before=%d after=%d", mobileBefore, mobileAfter)
	}

	hostAfter, err := h.Host.Watermark()
	if err != nil {
		t.Fatalf("read host watermark: %v", err)
	}
	if hostAfter <= hostBefore {
		t.Errorf("host watermark did not advance: before=%d after=%d", hostBefore, hostAfter)
	}
}

func assertStartedThenCompleted(t *testing.T, who string, events []observer.Event) {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("%s: no events observed", who)
	}
	if events[0].Kind != observer.Started {
		t.Errorf("%s: first event = %v, want sync:started", who, events[0].Kind)
	}
	last := events[len(events)-1]
	if last.Kind != observer.Completed {
		t.Errorf("%s: last event = %v, want sync:completed", who, last.Kind)
	}
	terminalCount := 0
	for _, ev := range events {
		switch ev.Kind {
		case observer.Completed, observer.Error, observer.Rejected:
			terminalCount++
		}
	}
	if terminalCount != 1 {
		t.Errorf("%s: saw %d terminal events, want exactly 1", who, terminalCount)
	}
}
