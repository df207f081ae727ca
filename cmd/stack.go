// File: cmd/stack.go
// Description: Per-device wiring. One deviceStack owns everything from the
// adb connection down to the sandbox for a single serial.

package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/internal/adb"
	"github.com/ybeetle8/droidrun-vl/internal/config"
	"github.com/ybeetle8/droidrun-vl/internal/device/indexer"
	"github.com/ybeetle8/droidrun-vl/internal/device/protocol"
	"github.com/ybeetle8/droidrun-vl/internal/device/transport"
	"github.com/ybeetle8/droidrun-vl/internal/sandbox"
)

type deviceStack struct {
	serial    string
	transport *transport.Transport
	indexer   *indexer.Indexer
	executor  *sandbox.Executor
}

// newDeviceStack wires the transport, indexer, protocol and sandbox for one
// device. The caller owns the returned stack and must Close it.
func newDeviceStack(cfg *config.Config, serial string, logger *zap.Logger) *deviceStack {
	client := adb.NewClient(cfg.ADB.Addr, logger)
	dev := client.Device(serial)

	var direct transport.Channel
	if !cfg.Device.DirectDisabled {
		direct = transport.NewDirectChannel(dev, cfg.Device.PortalPort, logger)
	}
	forwarded := transport.NewForwardedChannel(dev, logger)
	tr := transport.New(direct, forwarded, logger)

	ix := indexer.New(tr, logger)
	proto := protocol.New(tr, logger)
	exec := sandbox.New(proto, ix, logger, sandbox.Options{
		Telemetry: cfg.Loop.Telemetry,
	})

	return &deviceStack{
		serial:    serial,
		transport: tr,
		indexer:   ix,
		executor:  exec,
	}
}

func (s *deviceStack) Close() error {
	return s.transport.Close()
}

// resolveSerials picks the device set for a command: an explicit serial wins,
// then the configured one, then whatever adb reports.
func resolveSerials(ctx context.Context, cfg *config.Config, flagSerial string, all bool, logger *zap.Logger) ([]string, error) {
	if flagSerial != "" {
		return []string{flagSerial}, nil
	}
	if cfg.ADB.Serial != "" {
		return []string{cfg.ADB.Serial}, nil
	}

	client := adb.NewClient(cfg.ADB.Addr, logger)
	infos, err := client.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	serials := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.State == "device" {
			serials = append(serials, info.Serial)
		}
	}
	if len(serials) == 0 {
		return nil, fmt.Errorf("no connected devices")
	}
	if len(serials) > 1 && !all {
		return nil, fmt.Errorf("%d devices connected; pass --serial or --all", len(serials))
	}
	return serials, nil
}
