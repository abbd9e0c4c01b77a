package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaylink/syncengine/internal/engine"
	"github.com/relaylink/syncengine/internal/observer"
	"github.com/relaylink/syncengine/internal/output"
	"github.com/relaylink/syncengine/internal/transport"
)

var (
	mobileDBPath string
	hostDBPath   string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync session between a mobile peer and a host peer",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&mobileDBPath, "mobile-db", ":memory:", "mobile peer's local SQLite database path")
	syncCmd.Flags().StringVar(&hostDBPath, "host-db", ":memory:", "host peer's local SQLite database path")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mobileTransport, hostTransport := transport.NewPair(8)

	mobile, err := engine.New(engine.Options{
		DBPath:    mobileDBPath,
		Transport: mobileTransport,
		Device: engine.Device{
			DeviceID:       uuid.NewString(),
			DeviceName:     "demo-mobile",
			DeviceType:     "mobile",
			DevicePlatform: "cli",
		},
	})
	if err != nil {
		return fmt.Errorf("open mobile peer: %w", err)
	}
	defer mobile.Close()

	host, err := engine.New(engine.Options{
		DBPath:    hostDBPath,
		Transport: hostTransport,
		Device: engine.Device{
			DeviceID:       uuid.NewString(),
			DeviceName:     "demo-host",
			DeviceType:     "host",
			DevicePlatform: "cli",
		},
	})
	if err != nil {
		return fmt.Errorf("open host peer: %w", err)
	}
	defer host.Close()

	mobile.Subscribe(func(ev observer.Event) { output.Info("mobile: %s", output.FormatEvent(ev)) })
	host.Subscribe(func(ev observer.Event) { output.Info("host:   %s", output.FormatEvent(ev)) })

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- host.Serve(serveCtx) }()

	if err := mobile.InitiateSync(ctx); err != nil {
		output.Error("sync failed: %v", err)
		return err
	}

	cancelServe()
	<-serveErrCh

	watermark, err := mobile.Watermark()
	if err != nil {
		return fmt.Errorf("read mobile watermark: %w", err)
	}
	output.Success("sync complete, watermark=%d", watermark)
	return nil
}
