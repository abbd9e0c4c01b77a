package transport

import (
	"encoding/json"
	"testing"
)

func TestNewPairCrossWires(t *testing.T) {
	a, b := NewPair(4)

	env, err := Marshal("e1", EventSyncRequest, StatusNew, map[string]string{"x": "1"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := a.Send(ChannelSync, env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-b.Inbox():
		if got.EventID != "e1" || got.EventType != EventSyncRequest {
			t.Errorf("got %+v, want event e1/SYNC_REQUEST", got)
		}
	default:
		t.Fatal("b.Inbox() had nothing queued")
	}
}

func TestSendRejectsUnknownChannel(t *testing.T) {
	a, _ := NewPair(1)
	env, _ := Marshal("e1", EventSyncRequest, StatusNew, nil)
	if err := a.Send("not-sync", env); err == nil {
		t.Error("Send on unknown channel should fail")
	}
}

func TestCloseFailsSubsequentSends(t *testing.T) {
	a, _ := NewPair(1)
	a.Close()
	env, _ := Marshal("e1", EventSyncRequest, StatusNew, nil)
	if err := a.Send(ChannelSync, env); err != ErrChannelClosed {
		t.Errorf("Send after Close = %v, want ErrChannelClosed", err)
	}
}

func TestMarshalRoundTripsPayload(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	env, err := Marshal("e2", EventSyncData, StatusPending, payload{Foo: "bar"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got payload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Foo != "bar" {
		t.Errorf("got.Foo = %q, want bar", got.Foo)
	}
}
