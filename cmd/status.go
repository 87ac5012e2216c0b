package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crimap/crimap-cli/internal/ingest"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show table counts and recent ingest runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		pool, st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		counts, err := st.TableCounts(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Tables:")
		for _, c := range counts {
			fmt.Fprintf(out, "  %-25s %d\n", c.Table, c.Rows)
		}

		runs, err := st.ListIngestRuns(ctx, statusRuns)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, "\nNo ingest runs recorded.")
			return nil
		}

		fmt.Fprintln(out, "\nRecent ingest runs:")
		for _, run := range runs {
			state := "running"
			detail := ""
			if run.FinishedAt != nil {
				state = "finished"
				var stats ingest.Stats
				if err := json.Unmarshal(run.Stats, &stats); err == nil {
					detail = fmt.Sprintf("  rows=%d inserted=%d errors=%d",
						stats.RowsRead, stats.Inserted, stats.LocationErrors)
				}
			}
			fmt.Fprintf(out, "  %s  %s..%s  %s%s\n",
				run.ID,
				run.StartDate.Format("2006-01-02"),
				run.EndDate.Format("2006-01-02"),
				state,
				detail)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
