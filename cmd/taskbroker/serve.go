package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/app"
	"github.com/JakeFAU/taskbroker/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			tp, err := telemetry.InitTracerProvider(cmd.Context(), "taskbroker")
			if err != nil {
				return err
			}
			defer func() {
				if err := tp.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
					e.logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}()

			a, err := app.New(cmd.Context(), e.cfg, e.logger)
			if err != nil {
				return fmt.Errorf("initialize broker: %w", err)
			}
			defer a.Close()

			if err := a.Run(cmd.Context()); err != nil {
				return err
			}
			e.logger.Info("shutdown complete")
			return nil
		},
	}
}
