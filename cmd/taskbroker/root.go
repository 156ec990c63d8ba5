package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/logging"
)

// envKey stores the loaded env in the command context.
type envKey struct{}

// env is what every subcommand receives once configuration is loaded.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey{}).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "taskbroker",
		Short: "Crawl task broker and fetch workers",
		Long: `taskbroker hands crawl tasks to connected workers over server-sent
events. Tasks are deduplicated by key, suggested to idle workers of a
matching variant and claimed exactly once.`,
		SilenceUsage: true,

		// Runs before every subcommand so each one sees the same config and logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, &env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSubmitCmd(),
		newResyncCmd(),
	)
	return cmd
}
