package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the job dispatcher",
		Long: `Starts the HTTP API on the configured port. Submitted jobs are queued and
run by the dispatcher. SIGINT or SIGTERM drains the server and stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(appInstance App) error {
				if err := appInstance.Serve(cmd.Context()); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
}
