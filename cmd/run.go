package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
)

type runOptions struct {
	hours    int
	days     int
	test     bool
	limit    int
	channels []string
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs one ingestion job and prints its summary",
		Long: `Ingests the selected channels (every enabled channel when none is given)
and prints the finished job as JSON. Per-channel failures are reported in the
summary; the command only fails when the job itself could not run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.hours, "hours", 0, "look-back window in hours (default from config)")
	flags.IntVar(&opts.days, "days", 0, "look-back window in days")
	flags.BoolVar(&opts.test, "test", false, "ask the document store to ingest in test mode")
	flags.IntVar(&opts.limit, "limit", 0, "item cap per channel, zero for none")
	flags.StringSliceVar(&opts.channels, "channel", nil, "channel to ingest (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("hours", "days")
	return cmd
}

func runJob(cmd *cobra.Command, opts runOptions) error {
	if opts.hours < 0 || opts.days < 0 {
		return errors.New("window must be positive")
	}
	if opts.limit < 0 {
		return errors.New("limit must be >= 0")
	}
	return withApp(cmd, func(appInstance App) error {
		job, err := appInstance.RunOnce(cmd.Context(), opts.channels, ingestor.JobParams{
			WindowHours: opts.hours,
			WindowDays:  opts.days,
			TestMode:    opts.test,
			ItemCap:     opts.limit,
		})
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(job, "", "  ")
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return err
	})
}
