package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/marionette-cli/cmd"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

// main runs the CLI under a signal-aware context so SIGINT and SIGTERM
// cancel in-flight episodes at their next step boundary instead of killing
// the process mid-action.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Graceful shutdown requested by the operator.
			os.Exit(0)
		}
		os.Exit(1)
	}
}
