package output

import (
	"strings"
	"testing"

	"github.com/relaylink/syncengine/internal/observer"
)

func TestFormatPhaseKnownPhaseIsBracketed(t *testing.T) {
	got := FormatPhase("CLIENT_SENDING")
	if !strings.Contains(got, "[CLIENT_SENDING]") {
		t.Errorf("FormatPhase(CLIENT_SENDING) = %q, want it to contain the bracketed phase name", got)
	}
}

func TestFormatPhaseUnknownPhasePassesThrough(t *testing.T) {
	got := FormatPhase("SOMETHING_ELSE")
	if got != "SOMETHING_ELSE" {
		t.Errorf("FormatPhase(unknown) = %q, want unchanged passthrough", got)
	}
}

func TestFormatEventIncludesCounters(t *testing.T) {
	ev := observer.Event{
		Kind:     observer.Progress,
		Snapshot: observer.Snapshot{Phase: "SERVER_SENDING", RecordsSent: 2, RecordsReceived: 5},
	}
	line := FormatEvent(ev)
	if !strings.Contains(line, "sent=2") || !strings.Contains(line, "received=5") {
		t.Errorf("FormatEvent = %q, want counters sent=2 received=5", line)
	}
}

func TestFormatEventIncludesMessageWhenPresent(t *testing.T) {
	ev := observer.Event{Kind: observer.Error, Message: "boom"}
	line := FormatEvent(ev)
	if !strings.Contains(line, "boom") {
		t.Errorf("FormatEvent = %q, want it to include the error message", line)
	}
}
