package engine

import (
	"context"
	"testing"
	"time"

	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/internal/transport"
)

func TestNewOpensStoreAndStartsAtWatermarkZero(t *testing.T) {
	mobileSide, hostSide := transport.NewPair(4)
	defer hostSide.Close()

	e, err := New(Options{DBPath: ":memory:", Transport: mobileSide, Device: Device{DeviceID: "d1"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	w, err := e.Watermark()
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if w != 0 {
		t.Errorf("Watermark() on fresh engine = %d, want 0", w)
	}
}

func TestSubscribeReceivesSessionEvents(t *testing.T) {
	mobileSide, hostSide := transport.NewPair(4)

	mobile, err := New(Options{DBPath: ":memory:", Transport: mobileSide, Device: Device{DeviceID: "mobile"}})
	if err != nil {
		t.Fatalf("New mobile: %v", err)
	}
	defer mobile.Close()
	host, err := New(Options{DBPath: ":memory:", Transport: hostSide, Device: Device{DeviceID: "host"}})
	if err != nil {
		t.Fatalf("New host: %v", err)
	}
	defer host.Close()

	var kinds []observer.Kind
	mobile.Subscribe(func(ev observer.Event) { kinds = append(kinds, ev.Kind) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- host.Serve(ctx) }()

	if err := mobile.InitiateSync(context.Background()); err != nil {
		cancel()
		t.Fatalf("InitiateSync: %v", err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("host.Serve did not return")
	}

	if len(kinds) < 2 || kinds[0] != observer.Started || kinds[len(kinds)-1] != observer.Completed {
		t.Errorf("observed kinds = %v, want started...completed", kinds)
	}
}
