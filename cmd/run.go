package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
	"github.com/xkilldash9x/marionette-cli/internal/service"
	"github.com/xkilldash9x/marionette-cli/internal/tasks"
)

// newRunCmd creates the `run` command: one goal, one episode, result on
// stdout.
func newRunCmd(state *appState) *cobra.Command {
	var (
		goal       string
		taskName   string
		deviceKind string
		serial     string
		targetURL  string
		maxSteps   int
		timeout    time.Duration
		outputPath string
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single goal on the device and print the episode result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}

			goal = strings.TrimSpace(goal)
			taskName = strings.TrimSpace(taskName)
			switch {
			case goal == "" && taskName == "":
				return errors.New("either --goal or --task is required")
			case goal != "" && taskName != "":
				return errors.New("--goal and --task are mutually exclusive")
			}

			if taskName != "" {
				if cfg.Tasks.CatalogPath == "" {
					return errors.New("tasks.catalog_path is not configured")
				}
				catalog, err := tasks.Load(cfg.Tasks.CatalogPath)
				if err != nil {
					return err
				}
				task, err := catalog.Get(taskName)
				if err != nil {
					return err
				}
				goal = task.Goal
				cfg.Device = task.Device.Apply(cfg.Device)
				if steps := task.EpisodeSteps(cfg.Worker.StepBudgetMultiplier); steps > 0 {
					cfg.Episode.MaxTotalSteps = steps
				}
			}

			// Explicit flags outrank task defaults and the config file.
			if deviceKind != "" {
				cfg.Device.Kind = config.DeviceKind(strings.ToLower(deviceKind))
			}
			if serial != "" {
				cfg.Device.Serial = serial
			}
			if targetURL != "" {
				cfg.Device.TargetURL = targetURL
			}
			if maxSteps > 0 {
				cfg.Episode.MaxTotalSteps = maxSteps
			}
			if timeout > 0 {
				cfg.Episode.WallClockBudget = timeout
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger.Info("Starting episode run.",
				zap.String("goal", goal),
				zap.String("device", string(cfg.Device.Kind)),
				zap.Int("max_total_steps", cfg.Episode.MaxTotalSteps),
				zap.Duration("wall_clock_budget", cfg.Episode.WallClockBudget),
			)

			comps, err := service.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				comps.Shutdown(shutdownCtx)
			}()

			id, err := comps.Manager.Start(goal)
			if err != nil {
				return fmt.Errorf("start episode: %w", err)
			}

			result, err := comps.Manager.Wait(ctx, id)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					return err
				}
				// Interrupted. Stop the episode at its next step boundary
				// and collect the CANCELLED result.
				logger.Warn("Interrupt received, cancelling episode.", zap.String("episode_id", id))
				if cancelErr := comps.Manager.Cancel(id); cancelErr != nil {
					return cancelErr
				}
				drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				result, err = comps.Manager.Wait(drainCtx, id)
				if err != nil {
					return fmt.Errorf("episode did not stop after cancel: %w", err)
				}
			}

			return reportResult(cmd, cfg, result, outputPath)
		},
	}

	runCmd.Flags().StringVarP(&goal, "goal", "g", "", "Natural-language goal to execute")
	runCmd.Flags().StringVarP(&taskName, "task", "t", "", "Named task from the catalog (tasks.catalog_path)")
	runCmd.Flags().StringVar(&deviceKind, "device", "", "Device kind override: adb or cdp")
	runCmd.Flags().StringVar(&serial, "serial", "", "Device serial override (adb)")
	runCmd.Flags().StringVar(&targetURL, "target", "", "Target page URL override (cdp)")
	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Total step budget override")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock budget override")
	runCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the full episode result JSON to this file")

	return runCmd
}

// reportResult prints the outcome summary and optionally writes the full
// result JSON. A non-COMPLETED outcome becomes the command's error so the
// process exits non-zero.
func reportResult(cmd *cobra.Command, cfg *config.Config, result schemas.EpisodeResult, outputPath string) error {
	out := cmd.OutOrStdout()

	if outputPath != "" {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("encode episode result: %w", err)
		}
		if err := os.WriteFile(outputPath, payload, 0o644); err != nil {
			return fmt.Errorf("write episode result: %w", err)
		}
	}

	fmt.Fprintf(out, "\nEpisode %s finished: %s\n", result.EpisodeID, result.Outcome)
	fmt.Fprintf(out, "Subtasks completed: %d, steps: %d, duration: %s\n",
		len(result.Completed), len(result.Steps), result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	for _, answer := range result.Answers {
		fmt.Fprintf(out, "Answer: %s\n", answer)
	}
	if outputPath != "" {
		fmt.Fprintf(out, "Result written to %s\n", outputPath)
	} else if cfg.Artifacts.Enabled {
		fmt.Fprintf(out, "Artifacts under %s\n", cfg.Artifacts.Dir)
	}

	if result.Outcome != schemas.EpisodeCompleted {
		if result.Error != "" {
			return fmt.Errorf("episode ended %s: %s", result.Outcome, result.Error)
		}
		return fmt.Errorf("episode ended %s", result.Outcome)
	}
	return nil
}
