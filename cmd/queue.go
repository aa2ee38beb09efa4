package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dsi-pipeline/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer the durable Job Queue",
	Long:  "Commands for viewing Job Queue stats and retrying dead-lettered jobs.",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats <queue-name>",
	Short: "Show pending/processing/completed/failed/dead-letter counts for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		q := queue.New(args[0], st, "cli", time.Minute)
		stats, err := q.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "queue stats")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry-dead-letter <queue-name> [job-id...]",
	Short: "Retry dead-lettered jobs, or all of them if no job ids are given",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var ids []uuid.UUID
		for _, raw := range args[1:] {
			id, err := uuid.Parse(raw)
			if err != nil {
				return eris.Wrapf(err, "queue retry-dead-letter: invalid job id %q", raw)
			}
			ids = append(ids, id)
		}

		q := queue.New(args[0], st, "cli", time.Minute)
		n, err := q.RetryDeadLetter(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "queue retry-dead-letter")
		}

		fmt.Fprintf(os.Stdout, "retried %d dead-lettered job(s)\n", n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
