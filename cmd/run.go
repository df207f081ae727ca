// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ybeetle8/droidrun-vl/internal/agent"
	"github.com/ybeetle8/droidrun-vl/internal/config"
	"github.com/ybeetle8/droidrun-vl/internal/loop"
	"github.com/ybeetle8/droidrun-vl/internal/observability"
)

// newRunCmd creates the `run` command: drive one or more devices toward a
// natural-language goal.
func newRunCmd(getConfig func() *config.Config) *cobra.Command {
	var (
		serial   string
		all      bool
		maxSteps int
	)

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Runs the agent loop against connected devices until the goal is reached",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := getConfig()

			goal := strings.TrimSpace(strings.Join(args, " "))
			if goal == "" {
				return fmt.Errorf("a non-empty goal is required")
			}
			if maxSteps > 0 {
				cfg.Loop.MaxSteps = maxSteps
			}

			serials, err := resolveSerials(ctx, cfg, serial, all, logger)
			if err != nil {
				return err
			}

			runID := uuid.New().String()
			logger.Info("Starting run",
				zap.String("run_id", runID),
				zap.String("goal", goal),
				zap.Strings("serials", serials),
				zap.Int("max_steps", cfg.Loop.MaxSteps),
			)

			g, gctx := errgroup.WithContext(ctx)
			for _, s := range serials {
				s := s
				g.Go(func() error {
					return runDevice(gctx, cfg, s, goal, runID, logger)
				})
			}

			if err := g.Wait(); err != nil {
				if errors.Is(err, context.Canceled) {
					return fmt.Errorf("run aborted by user signal")
				}
				return err
			}

			fmt.Printf("\nRun complete. Run ID: %s\n", runID)
			return nil
		},
	}

	runCmd.Flags().StringVarP(&serial, "serial", "s", "", "Device serial. Defaults to the configured or only connected device.")
	runCmd.Flags().BoolVar(&all, "all", false, "Drive every connected device in parallel.")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Step budget per device. (Overrides config/env)")

	return runCmd
}

// runDevice executes one full loop on one device. The stack is torn down by
// the controller when the loop finishes.
func runDevice(ctx context.Context, cfg *config.Config, serial, goal, runID string, logger *zap.Logger) error {
	logger = logger.With(zap.String("serial", serial), zap.String("run_id", runID))

	stack := newDeviceStack(cfg, serial, logger)

	source, err := agent.NewGeminiSource(goal, cfg.Agent, stack.executor.Memory(), logger)
	if err != nil {
		_ = stack.Close()
		return fmt.Errorf("failed to initialize decision source: %w", err)
	}

	controller := loop.NewController(stack.indexer, stack.executor, source, stack.transport, cfg.Loop.MaxSteps, logger)
	state := controller.Run(ctx)

	logger.Info("Loop finished",
		zap.Int("steps", state.StepCount),
		zap.Bool("success", state.Success),
		zap.String("reason", state.Reason),
	)

	fmt.Printf("[%s] steps=%d success=%t", serial, state.StepCount, state.Success)
	if state.Reason != "" {
		fmt.Printf(" reason=%s", state.Reason)
	}
	fmt.Println()

	if !state.Success {
		return fmt.Errorf("device %s: goal not reached (%s)", serial, state.Reason)
	}
	return nil
}
