package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/persist"
)

var (
	persistSQL     string
	persistFile    string
	persistSaved   string
	persistTable   string
	persistOffices []string
	persistTimeout time.Duration
	persistConc    int
)

var persistCmd = &cobra.Command{
	Use:   "persist",
	Short: "Accumulate query results in the encrypted local database",
}

var persistRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a query and append its rows to a named table",
	Long:  "Executes the query like 'query run' and appends the merged rows to --table in the encrypted persistence database. A table's column set is fixed on first append; later appends must match it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sql, err := resolveSQL(persistSQL, persistFile, persistSaved)
		if err != nil {
			return err
		}

		result, offices, err := dispatchQuery(cmd.Context(), sql, persistOffices, persistTimeout, persistConc)
		if err != nil {
			return err
		}
		if len(result.Succeeded) == 0 {
			return eris.New("query failed on every office")
		}

		recordHistory(cmd, sql, offices, result)

		if len(result.Rows) == 0 {
			fmt.Fprintln(os.Stderr, "query returned no rows, nothing persisted")
			return nil
		}

		st, err := persist.NewStore(cfg.Persist.Path, cfg.Persist.KeyPath)
		if err != nil {
			return err
		}
		n, err := st.AppendResult(cmd.Context(), persistTable, result)
		if err != nil {
			return err
		}
		fmt.Printf("persisted %d rows to table %q\n", n, persistTable)
		return nil
	},
}

var persistTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List persisted tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := persist.NewStore(cfg.Persist.Path, cfg.Persist.KeyPath)
		if err != nil {
			return err
		}
		names, err := st.Tables(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(os.Stderr, "no tables persisted")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var persistShowCmd = &cobra.Command{
	Use:   "show <table>",
	Short: "Print a persisted table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := persist.NewStore(cfg.Persist.Path, cfg.Persist.KeyPath)
		if err != nil {
			return err
		}
		columns, rows, err := st.ReadTable(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(columns, "\t"))
		for _, row := range rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	},
}

func init() {
	persistRunCmd.Flags().StringVar(&persistSQL, "sql", "", "SQL text to execute")
	persistRunCmd.Flags().StringVar(&persistFile, "file", "", "path to a file containing the SQL")
	persistRunCmd.Flags().StringVar(&persistSaved, "saved", "", "name of a saved query")
	persistRunCmd.Flags().StringVar(&persistTable, "table", "", "destination table name")
	persistRunCmd.Flags().StringSliceVar(&persistOffices, "offices", nil, "office IDs to query (default: all in vault)")
	persistRunCmd.Flags().DurationVar(&persistTimeout, "timeout", 0, "per-office timeout override (e.g. 90s)")
	persistRunCmd.Flags().IntVar(&persistConc, "concurrency", 0, "max offices in flight override")
	persistRunCmd.MarkFlagRequired("table") //nolint:errcheck
	persistCmd.AddCommand(persistRunCmd, persistShowCmd, persistTablesCmd)
	rootCmd.AddCommand(persistCmd)
}
