package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/taskbroker/internal/worker"
)

func newResyncCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Recompute every pending counter from the task store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if namespace == "" {
				namespace = e.cfg.Worker.Namespace
			}
			client := worker.NewClient(e.cfg.Worker.BrokerURL, e.cfg.Worker.APIKey, nil)
			counts, err := client.ResyncAll(cmd.Context(), namespace)
			if err != nil {
				return fmt.Errorf("resync: %w", err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(counts)
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to resync (defaults to worker.namespace)")
	return cmd
}
