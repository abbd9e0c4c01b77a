// Package engine is the single public entry point a peer uses to join
// the sync system: construct one Engine and call InitiateSync or Serve
// and observe the event stream. It wires a local SQLite store, the
// change reader, record applier, watermark store, event observer, a
// transport adapter, and the protocol driver into one object per peer.
package engine

import (
	"context"
	"fmt"

	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/internal/protocol"
	"github.com/relaylink/syncengine/internal/store"
	"github.com/relaylink/syncengine/internal/transport"
	"github.com/relaylink/syncengine/internal/watermark"
)

// Device identifies this peer to whichever peer it syncs with.
type Device = protocol.DeviceInfo

// Engine is one peer's handle onto the sync system: a local store, a
// transport channel to the other peer, and the driver that speaks the
// wire protocol over it.
type Engine struct {
	store     *store.Store
	watermark *watermark.Store
	observer  *observer.Bus
	driver    *protocol.Driver
}

// Options configures a new Engine.
type Options struct {
	// DBPath is the local SQLite database path, or ":memory:" for an
	// ephemeral peer (tests, demos).
	DBPath string
	// Transport is this peer's half of a paired Adapter. The real
	// socket/channel implementation lives outside this module.
	Transport transport.Adapter
	Device    Device
}

// New opens the local store and wires every collaborator together.
func New(opts Options) (*Engine, error) {
	st, err := store.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	wm := watermark.New(st.Conn())
	bus := observer.New()

	driver := protocol.New(protocol.Config{
		Device:    opts.Device,
		DB:        st.Conn(),
		Transport: opts.Transport,
		Watermark: wm,
		Observer:  bus,
	})

	return &Engine{store: st, watermark: wm, observer: bus, driver: driver}, nil
}

// InitiateSync starts a sync session as the initiating ("client") peer
// and blocks until it completes or fails terminally.
func (e *Engine) InitiateSync(ctx context.Context) error {
	return e.driver.InitiateSync(ctx)
}

// Serve runs this peer as the accepting ("server") side: it reacts to
// whatever SYNC_REQUEST arrives next, one session at a time, until ctx
// is cancelled or the transport is torn down. Call this in a goroutine
// on the peer that is expected to receive connections (typically the
// host).
func (e *Engine) Serve(ctx context.Context) error {
	return e.driver.Serve(ctx)
}

// Subscribe registers an observer for the lifecycle/progress event
// stream. Returns an unsubscribe function.
func (e *Engine) Subscribe(h observer.Handler) func() {
	return e.observer.Subscribe(h)
}

// Watermark returns the peer's current last-synced watermark (unix
// seconds), mainly useful for diagnostics and the demo CLI.
func (e *Engine) Watermark() (int64, error) {
	return e.watermark.Get()
}

// Conn exposes the underlying local store (its Conn method returns the
// *sql.DB) for callers seeding or inspecting local rows outside of a sync session (tests, the demo
// CLI). The engine itself never exposes a query surface beyond this.
func (e *Engine) Conn() *store.Store {
	return e.store
}

// Close releases the local store.
func (e *Engine) Close() error {
	return e.store.Close()
}
