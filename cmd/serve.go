package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/service"
	"github.com/xkilldash9x/marionette-cli/internal/tasks"
)

// newServeCmd creates the `serve` command, exposing the episode manager
// over HTTP until the process is signalled.
func newServeCmd(state *appState) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the episode manager over HTTP",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind the flag so it overrides file and environment values
			// with the right precedence.
			if err := state.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return state.v.BindPFlag("server.max_concurrent_episodes", cmd.Flags().Lookup("max-episodes"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			comps, err := service.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				comps.Shutdown(shutdownCtx)
			}()

			var catalog *tasks.Catalog
			if cfg.Tasks.CatalogPath != "" {
				catalog, err = tasks.Load(cfg.Tasks.CatalogPath)
				if err != nil {
					return fmt.Errorf("load task catalog: %w", err)
				}
				logger.Info("Task catalog loaded.",
					zap.Int("tasks", len(catalog.Tasks)),
					zap.String("path", cfg.Tasks.CatalogPath))
			}

			return service.NewServer(comps, catalog).Run(ctx)
		},
	}

	serveCmd.Flags().String("addr", "", "Listen address (overrides config/env)")
	serveCmd.Flags().Int("max-episodes", 0, "Concurrent episode limit (overrides config/env)")

	return serveCmd
}
