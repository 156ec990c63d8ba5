package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/coordinator"
	"github.com/JakeFAU/taskbroker/internal/worker"
)

type submitOptions struct {
	namespace   string
	variant     string
	data        string
	description string
	robotsHost  string
}

func newSubmitCmd() *cobra.Command {
	var opts submitOptions
	cmd := &cobra.Command{
		Use:   "submit [key]",
		Short: "Create a task on a running broker",
		Long: `Creates one task keyed by its argument, usually the URL to fetch.
With --robots-host no key is needed: a robots.txt task is queued for the
host instead, and an existing one is left alone.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			client := worker.NewClient(e.cfg.Worker.BrokerURL, e.cfg.Worker.APIKey, nil)
			namespace := opts.namespace
			if namespace == "" {
				namespace = e.cfg.Worker.Namespace
			}

			if opts.robotsHost != "" {
				if err := client.RequestRobots(cmd.Context(), namespace, opts.robotsHost); err != nil {
					return fmt.Errorf("request robots: %w", err)
				}
				e.logger.Info("robots task queued", zap.String("host", opts.robotsHost))
				return nil
			}
			if len(args) == 0 {
				return errors.New("a task key is required")
			}
			req := coordinator.CreateRequest{
				Namespace:   namespace,
				Key:         args[0],
				Variant:     opts.variant,
				Description: opts.description,
			}
			if opts.data != "" {
				if !json.Valid([]byte(opts.data)) {
					return errors.New("--data must be valid JSON")
				}
				req.Data = json.RawMessage(opts.data)
			}
			task, err := client.CreateTask(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.namespace, "namespace", "", "task namespace (defaults to worker.namespace)")
	flags.StringVar(&opts.variant, "variant", "fetch", "task variant")
	flags.StringVar(&opts.data, "data", "", "task data as JSON")
	flags.StringVar(&opts.description, "description", "", "free-form description")
	flags.StringVar(&opts.robotsHost, "robots-host", "", "queue a robots.txt fetch for this host")
	return cmd
}
