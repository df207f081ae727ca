// File: cmd/devices.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ybeetle8/droidrun-vl/internal/adb"
	"github.com/ybeetle8/droidrun-vl/internal/config"
	"github.com/ybeetle8/droidrun-vl/internal/observability"
)

func newDevicesCmd(getConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Lists devices known to the adb host server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			client := adb.NewClient(cfg.ADB.Addr, observability.GetLogger())

			infos, err := client.Devices(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			if len(infos) == 0 {
				fmt.Println("no devices")
				return nil
			}
			for _, info := range infos {
				fmt.Printf("%s\t%s\n", info.Serial, info.State)
			}
			return nil
		},
	}
}
