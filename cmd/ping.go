// File: cmd/ping.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ybeetle8/droidrun-vl/internal/config"
	"github.com/ybeetle8/droidrun-vl/internal/observability"
)

// newPingCmd creates the `ping` command: probe the portal and report which
// channel answered.
func newPingCmd(getConfig func() *config.Config) *cobra.Command {
	var serial string

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Probes the on-device portal and reports the bound channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := getConfig()
			logger := observability.GetLogger()

			serials, err := resolveSerials(ctx, cfg, serial, true, logger)
			if err != nil {
				return err
			}

			var failures int
			for _, s := range serials {
				stack := newDeviceStack(cfg, s, logger)
				if stack.transport.Probe(ctx) {
					fmt.Printf("%s\treachable\tchannel=%s\n", s, stack.transport.State())
				} else {
					fmt.Printf("%s\tunreachable\n", s)
					failures++
				}
				_ = stack.Close()
			}

			if failures > 0 {
				return fmt.Errorf("%d of %d devices unreachable", failures, len(serials))
			}
			return nil
		},
	}

	pingCmd.Flags().StringVarP(&serial, "serial", "s", "", "Device serial. Defaults to every connected device.")

	return pingCmd
}
