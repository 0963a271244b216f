package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/engine"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/history"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/odapi"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/render"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/savedquery"
	"github.com/zachweisman0105/OpenDentalQueryTool/internal/vault"
)

var (
	querySQL     string
	queryFile    string
	querySaved   string
	queryOffices []string
	queryCSV     string
	queryXLSX    string
	queryMaxRows int
	queryTimeout time.Duration
	queryConc    int
)

var queryGroupCmd = &cobra.Command{
	Use:   "query",
	Short: "Run read-only SQL across offices",
}

var queryRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a read-only SQL query across offices",
	Long:  "Executes one SELECT against every selected office in parallel and prints the merged, ordered result. Exactly one of --sql, --file, or --saved supplies the query.",
	RunE: func(cmd *cobra.Command, args []string) error {
		sql, err := resolveSQL(querySQL, queryFile, querySaved)
		if err != nil {
			return err
		}

		result, offices, err := dispatchQuery(cmd.Context(), sql, queryOffices, queryTimeout, queryConc)
		if err != nil {
			return err
		}
		maxRows := queryMaxRows
		if maxRows == 0 {
			maxRows = cfg.Output.MaxTableRows
		}
		if err := render.Table(os.Stdout, result, render.TableOptions{MaxRows: maxRows}); err != nil {
			return err
		}

		if queryCSV != "" {
			if err := render.ExportCSV(queryCSV, result); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", queryCSV)
		}
		if queryXLSX != "" {
			if err := render.ExportXLSX(queryXLSX, result); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", queryXLSX)
		}

		recordHistory(cmd, sql, offices, result)

		if len(result.Succeeded) == 0 {
			return eris.New("query failed on every office")
		}
		return nil
	},
}

// dispatchQuery runs the full pipeline shared by the query and persist
// commands: unlock the vault, resolve offices, fan the SQL out, and
// report per-office failures. The vault is locked again before return.
func dispatchQuery(ctx context.Context, sql string, officesFlag []string, timeout time.Duration, concurrency int) (*model.MergedResult, []model.OfficeID, error) {
	auditLog := openAudit()
	v, err := openVault(auditLog)
	if err != nil {
		return nil, nil, err
	}
	defer v.Lock()

	offices, err := resolveOffices(v, officesFlag)
	if err != nil {
		return nil, nil, err
	}

	client, err := odapi.NewClient(odapi.Options{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.RequestTimeout(),
		RateLimit: rate.Limit(cfg.API.RateLimit),
		OnRows: func(office model.OfficeID, total int) {
			zap.L().Debug("rows fetched",
				zap.String("office", string(office)),
				zap.Int("total", total))
		},
	})
	if err != nil {
		return nil, nil, err
	}

	dispatcher := engine.NewDispatcher(client, v, cfg.RetryPolicy())
	if auditLog != nil {
		dispatcher.Audit = auditLog
	}

	if timeout <= 0 {
		timeout = cfg.PerOfficeTimeout()
	}
	if concurrency <= 0 {
		concurrency = cfg.Query.MaxConcurrency
	}

	result, err := dispatcher.Dispatch(ctx, model.QueryRequest{
		SQL:              sql,
		OfficeIDs:        offices,
		PerOfficeTimeout: timeout,
		MaxConcurrency:   concurrency,
		SQLHash:          sqlHash(sql),
	})
	if err != nil {
		return nil, nil, err
	}

	reportFailures(result)
	return result, offices, nil
}

// resolveSQL returns the query text from whichever source flag was set.
func resolveSQL(sqlText, file, saved string) (string, error) {
	set := 0
	for _, s := range []string{sqlText, file, saved} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return "", eris.New("exactly one of --sql, --file, or --saved is required")
	}

	switch {
	case sqlText != "":
		return sqlText, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", eris.Wrapf(err, "read %s", file)
		}
		return string(data), nil
	default:
		q, err := savedquery.NewStore(cfg.Saved.Path).Get(saved)
		if err != nil {
			return "", err
		}
		return q.SQL, nil
	}
}

// resolveOffices expands an --offices selection against the vault. An
// empty selection (or "all") means every stored office.
func resolveOffices(v *vault.Vault, selected []string) ([]model.OfficeID, error) {
	stored, err := v.ListOffices()
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, eris.New("vault has no offices, add one with 'opendental-query vault add-office'")
	}

	if len(selected) == 0 || (len(selected) == 1 && strings.EqualFold(selected[0], "all")) {
		selected = stored
	}

	known := make(map[string]bool, len(stored))
	for _, id := range stored {
		known[id] = true
	}

	ids := make([]model.OfficeID, 0, len(selected))
	for _, id := range selected {
		id = strings.TrimSpace(id)
		if !known[id] {
			return nil, eris.Errorf("office %q is not in the vault", id)
		}
		ids = append(ids, model.OfficeID(id))
	}
	return ids, nil
}

// reportFailures lists failed offices on stderr so partial results are
// never mistaken for complete ones.
func reportFailures(result *model.MergedResult) {
	if len(result.Failed) == 0 {
		return
	}
	ids := make([]string, 0, len(result.Failed))
	for id := range result.Failed {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(os.Stderr, "office %s failed: %s\n", id, result.Failed[model.OfficeID(id)])
	}
}

// recordHistory persists the run summary. History problems are reported
// but never fail a query that already produced results.
func recordHistory(cmd *cobra.Command, sql string, offices []model.OfficeID, result *model.MergedResult) {
	st, err := initHistory(cmd.Context())
	if err != nil {
		zap.L().Warn("history unavailable", zap.Error(err))
		return
	}
	defer st.Close() //nolint:errcheck

	officeIDs := make([]string, len(offices))
	for i, id := range offices {
		officeIDs[i] = string(id)
	}
	_, err = st.RecordRun(cmd.Context(), history.Run{
		SQL:              sql,
		SQLHash:          sqlHash(sql),
		Offices:          officeIDs,
		Succeeded:        len(result.Succeeded),
		Failed:           len(result.Failed),
		RowCount:         len(result.Rows),
		SchemaConsistent: result.SchemaConsistent,
		DurationMS:       result.Elapsed.Milliseconds(),
	})
	if err != nil {
		zap.L().Warn("record run failed", zap.Error(err))
	}
}

func init() {
	queryRunCmd.Flags().StringVar(&querySQL, "sql", "", "SQL text to execute")
	queryRunCmd.Flags().StringVar(&queryFile, "file", "", "path to a file containing the SQL")
	queryRunCmd.Flags().StringVar(&querySaved, "saved", "", "name of a saved query")
	queryRunCmd.Flags().StringSliceVar(&queryOffices, "offices", nil, "office IDs to query (default: all in vault)")
	queryRunCmd.Flags().StringVar(&queryCSV, "csv", "", "also export the merged result to this CSV file")
	queryRunCmd.Flags().StringVar(&queryXLSX, "xlsx", "", "also export the merged result to this XLSX file")
	queryRunCmd.Flags().IntVar(&queryMaxRows, "max-rows", 0, "cap printed rows (0 uses output.max_table_rows)")
	queryRunCmd.Flags().DurationVar(&queryTimeout, "timeout", 0, "per-office timeout override (e.g. 90s)")
	queryRunCmd.Flags().IntVar(&queryConc, "concurrency", 0, "max offices in flight override")
	queryGroupCmd.AddCommand(queryRunCmd)
	rootCmd.AddCommand(queryGroupCmd)
}
