package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/history"
)

var (
	historyLimit  int
	historyHash   string
	historySinceD int
	historyPruneD int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past query runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		filter := history.RunFilter{SQLHash: historyHash, Limit: historyLimit}
		if historySinceD > 0 {
			filter.Since = time.Now().AddDate(0, 0, -historySinceD)
		}
		runs, err := st.ListRuns(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "no runs recorded")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tWHEN\tOFFICES\tOK\tFAIL\tROWS\tMS\tSQL")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
				r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"),
				len(r.Offices), r.Succeeded, r.Failed, r.RowCount, r.DurationMS,
				firstLine(r.SQL, 60))
		}
		return tw.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run in full, including its SQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		r, err := st.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("id:        %s\n", r.ID)
		fmt.Printf("when:      %s\n", r.CreatedAt.Local().Format(time.RFC3339))
		fmt.Printf("offices:   %s\n", strings.Join(r.Offices, ", "))
		fmt.Printf("succeeded: %d\n", r.Succeeded)
		fmt.Printf("failed:    %d\n", r.Failed)
		fmt.Printf("rows:      %d\n", r.RowCount)
		fmt.Printf("duration:  %dms\n", r.DurationMS)
		if !r.SchemaConsistent {
			fmt.Println("note:      column sets differed across offices")
		}
		fmt.Printf("sql:\n%s\n", r.SQL)
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs older than --days",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		cutoff := time.Now().AddDate(0, 0, -historyPruneD)
		n, err := st.PruneRuns(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d runs\n", n)
		return nil
	},
}

// firstLine collapses SQL to a single truncated line for table display.
func firstLine(sql string, max int) string {
	line := strings.Join(strings.Fields(sql), " ")
	if len(line) > max {
		return line[:max-3] + "..."
	}
	return line
}

func init() {
	historyListCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum runs to list")
	historyListCmd.Flags().StringVar(&historyHash, "hash", "", "only runs of the query with this SQL hash")
	historyListCmd.Flags().IntVar(&historySinceD, "days", 0, "only runs from the last N days")
	historyPruneCmd.Flags().IntVar(&historyPruneD, "days", 90, "delete runs older than this many days")
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}
