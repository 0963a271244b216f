// Package render turns a merged query result into the CLI's output
// formats: an aligned terminal table, CSV for spreadsheets, and XLSX.
// Every format leads with an Office column so rows stay attributable
// after the merge.
package render

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// officeColumn heads the synthetic first column in every output format.
const officeColumn = "Office"

// utf8BOM makes Excel detect CSV files as UTF-8.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// cell maps a stored value to its display form. The absent sentinel never
// reaches output.
func cell(v string) string {
	if v == model.Absent {
		return ""
	}
	return v
}

// TableOptions configures terminal table rendering.
type TableOptions struct {
	// MaxRows caps printed rows; zero means no cap. A truncation note is
	// written when the cap is hit.
	MaxRows int
}

// Table writes an aligned table of the merged rows followed by a run
// summary.
func Table(w io.Writer, result *model.MergedResult, opts TableOptions) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprint(tw, officeColumn)
	for _, col := range result.Columns {
		fmt.Fprintf(tw, "\t%s", col)
	}
	fmt.Fprintln(tw)

	printed := 0
	for _, row := range result.Rows {
		if opts.MaxRows > 0 && printed >= opts.MaxRows {
			break
		}
		fmt.Fprint(tw, string(row.Office))
		for _, col := range result.Columns {
			fmt.Fprintf(tw, "\t%s", cell(row.Row[col]))
		}
		fmt.Fprintln(tw)
		printed++
	}
	if err := tw.Flush(); err != nil {
		return eris.Wrap(err, "render: flush table")
	}

	if printed < len(result.Rows) {
		fmt.Fprintf(w, "... %d more rows (use an export flag for the full set)\n", len(result.Rows)-printed)
	}
	fmt.Fprintln(w, summaryLine(result))
	return nil
}

// summaryLine formats the footer under a rendered table.
func summaryLine(result *model.MergedResult) string {
	line := fmt.Sprintf("%d rows from %d/%d offices in %s",
		len(result.Rows), len(result.Succeeded),
		len(result.Succeeded)+len(result.Failed),
		result.Elapsed.Round(10*time.Millisecond))
	if !result.SchemaConsistent {
		line += " (column sets differed across offices)"
	}
	return line
}

// WriteCSV writes the merged result as UTF-8 CSV with a BOM.
func WriteCSV(w io.Writer, result *model.MergedResult) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return eris.Wrap(err, "render: write BOM")
	}

	cw := csv.NewWriter(w)
	header := append([]string{officeColumn}, result.Columns...)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "render: write csv header")
	}

	record := make([]string, len(header))
	for _, row := range result.Rows {
		record[0] = string(row.Office)
		for i, col := range result.Columns {
			record[i+1] = cell(row.Row[col])
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "render: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "render: flush csv")
}

// ExportCSV writes the merged result to a CSV file.
func ExportCSV(path string, result *model.MergedResult) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "render: create %s", path)
	}
	if err := WriteCSV(f, result); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrapf(f.Close(), "render: close %s", path)
}

// ExportXLSX writes the merged result to an XLSX workbook with a single
// Results sheet.
func ExportXLSX(path string, result *model.MergedResult) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Results")
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	header.AddCell().SetString(officeColumn)
	for _, col := range result.Columns {
		header.AddCell().SetString(col)
	}

	for _, row := range result.Rows {
		r := sheet.AddRow()
		r.AddCell().SetString(string(row.Office))
		for _, col := range result.Columns {
			r.AddCell().SetString(cell(row.Row[col]))
		}
	}

	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}
