package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/savedquery"
)

var (
	savedSQL  string
	savedFile string
	savedDesc string
)

var savedCmd = &cobra.Command{
	Use:   "saved",
	Short: "Manage the saved-query library",
}

var savedAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Save a query under a name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sql := savedSQL
		if savedFile != "" {
			if sql != "" {
				return eris.New("use --sql or --file, not both")
			}
			data, err := os.ReadFile(savedFile)
			if err != nil {
				return eris.Wrapf(err, "read %s", savedFile)
			}
			sql = string(data)
		}

		if err := savedquery.NewStore(cfg.Saved.Path).Save(args[0], sql, savedDesc); err != nil {
			return err
		}
		fmt.Printf("saved %s\n", args[0])
		return nil
	},
}

var savedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		queries, err := savedquery.NewStore(cfg.Saved.Path).List()
		if err != nil {
			return err
		}
		if len(queries) == 0 {
			fmt.Fprintln(os.Stderr, "no saved queries")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDESCRIPTION\tSQL")
		for _, q := range queries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", q.Name, q.Description, firstLine(q.SQL, 60))
		}
		return tw.Flush()
	},
}

var savedShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a saved query's full SQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := savedquery.NewStore(cfg.Saved.Path).Get(args[0])
		if err != nil {
			return err
		}
		if q.Description != "" {
			fmt.Printf("-- %s\n", q.Description)
		}
		fmt.Println(q.SQL)
		return nil
	},
}

var savedDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := savedquery.NewStore(cfg.Saved.Path).Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func init() {
	savedAddCmd.Flags().StringVar(&savedSQL, "sql", "", "SQL text to save")
	savedAddCmd.Flags().StringVar(&savedFile, "file", "", "path to a file containing the SQL")
	savedAddCmd.Flags().StringVar(&savedDesc, "description", "", "optional description")
	savedCmd.AddCommand(savedAddCmd, savedListCmd, savedShowCmd, savedDeleteCmd)
	rootCmd.AddCommand(savedCmd)
}
