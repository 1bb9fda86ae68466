// Package cmd wires the marionette CLI: configuration loading, logging
// setup, and the run/serve/memory subcommands over the agent stack.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/marionette-cli/internal/config"
	"github.com/xkilldash9x/marionette-cli/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// appState carries the viper instance shared between the root initializer
// and the subcommands. Flags bound in a subcommand's PreRunE override file
// and environment values when the final config is unmarshaled in RunE.
type appState struct {
	v       *viper.Viper
	cfgFile string
}

// loadConfig resolves the fully merged, validated configuration.
func (s *appState) loadConfig() (*config.Config, error) {
	return config.NewConfigFromViper(s.v)
}

// initialize reads the config file and environment and brings up logging.
// It runs before every subcommand.
func (s *appState) initialize() error {
	v := s.v
	if s.cfgFile != "" {
		v.SetConfigFile(s.cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("marionette")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MARIONETTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	config.SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
		// No config file; defaults and env vars carry the run.
	}

	var bootstrap config.Config
	if err := v.Unmarshal(&bootstrap); err != nil {
		// Fall back to a plain console logger so the error is visible.
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "marionette"})
		return fmt.Errorf("unmarshal config: %w", err)
	}
	observability.InitializeLogger(bootstrap.Logger)
	return nil
}

// NewRootCommand builds a fresh command tree. Each invocation gets its own
// viper instance so flags never leak between executions.
func NewRootCommand() *cobra.Command {
	state := &appState{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "marionette",
		Short: "Marionette drives UI goals on a device through an agent loop.",
		Long: `Marionette decomposes a natural-language goal into subtasks, executes
them step by step on an Android device or a browser page, and verifies the
outcome. Successful action sequences are remembered and replayed on later
runs with the same screen context.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.initialize()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&state.cfgFile, "config", "c", "", "config file (default is ./marionette.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "marionette version %s\n" .Version}}`)

	rootCmd.AddCommand(
		newRunCmd(state),
		newServeCmd(state),
		newMemoryCmd(state),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the CLI under ctx. The caller maps the returned error to an
// exit code; cobra has already printed it.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
