package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/internal/memory"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

// newMemoryCmd groups the procedural memory inspection commands.
func newMemoryCmd(state *appState) *cobra.Command {
	memoryCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the procedural memory store",
	}
	memoryCmd.AddCommand(newMemoryListCmd(state))
	return memoryCmd
}

func newMemoryListCmd(state *appState) *cobra.Command {
	var asJSON bool

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored action sequences, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			out := cmd.OutOrStdout()

			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Memory.Enabled {
				fmt.Fprintln(out, "Procedural memory is disabled (memory.enabled: false).")
				return nil
			}

			store, err := memory.Open(ctx, cfg.Memory, logger)
			if err != nil {
				return fmt.Errorf("open procedural memory: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Warn("Memory store did not close cleanly.", zap.Error(err))
				}
			}()

			entries, err := store.Entries(ctx)
			if err != nil {
				return fmt.Errorf("list memory entries: %w", err)
			}

			if asJSON {
				payload, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return fmt.Errorf("encode memory entries: %w", err)
				}
				fmt.Fprintln(out, string(payload))
				return nil
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "No procedural memory entries.")
				return nil
			}
			for _, entry := range entries {
				fmt.Fprintf(out, "%s  uses=%d  actions=%d  last=%s\n",
					entry.Signature, entry.SuccessCount, len(entry.ActionSequence),
					entry.LastUsed.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}

	listCmd.Flags().BoolVar(&asJSON, "json", false, "Emit the entries as JSON")
	return listCmd
}
