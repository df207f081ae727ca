// File: cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/internal/config"
	"github.com/ybeetle8/droidrun-vl/internal/observability"
)

// NewRootCommand builds a fresh command tree. Each invocation gets its own
// instance so flag state never leaks between runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:     "droidrun",
		Short:   "droidrun drives Android devices with LLM-generated action programs",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "droidrun"})
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg = loaded

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting droidrun", zap.String("version", Version))
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./droidrun.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	// Subcommands read the loaded config through the accessor so they see
	// the value PersistentPreRunE produced, not the nil from build time.
	getConfig := func() *config.Config { return cfg }

	rootCmd.AddCommand(newRunCmd(getConfig))
	rootCmd.AddCommand(newDevicesCmd(getConfig))
	rootCmd.AddCommand(newPingCmd(getConfig))

	return rootCmd
}

// Execute runs the CLI with the given signal-aware context.
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}
