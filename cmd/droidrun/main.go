// File: cmd/droidrun/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ybeetle8/droidrun-vl/cmd"
	"github.com/ybeetle8/droidrun-vl/internal/observability"
)

var osExit = os.Exit

func main() {
	// A signal-aware context lets Ctrl+C unwind the loop at the next state
	// boundary instead of killing an in-flight gesture.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			osExit(0)
		}
		osExit(1)
	}
}
