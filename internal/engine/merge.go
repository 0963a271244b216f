package engine

import (
	"sort"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// Merge combines per-office outcomes into a single ordered result.
//
// Successful outcomes are checked for schema drift: when offices disagree
// on their column set, the merge switches to the union of observed columns
// and pads missing cells with the absent sentinel instead of dropping data.
//
// Row order is total and reproducible. With a non-empty sort key the rows
// are ordered by the natural-sort comparator over the key columns, ties
// broken by the next component and finally by (office, original row
// index). With an empty key, rows group by office (lexicographic) and keep
// each office's native response order.
func Merge(sortKey model.SortKey, outcomes []model.OfficeOutcome) *model.MergedResult {
	result := &model.MergedResult{
		Failed:           make(map[model.OfficeID]model.ErrorKind),
		SchemaConsistent: true,
		Outcomes:         outcomes,
	}

	var successes []model.OfficeOutcome
	for _, o := range outcomes {
		if o.Success {
			successes = append(successes, o)
			result.Succeeded = append(result.Succeeded, o.OfficeID)
		} else {
			result.Failed[o.OfficeID] = o.ErrKind
		}
	}

	sort.Slice(successes, func(i, j int) bool {
		return successes[i].OfficeID < successes[j].OfficeID
	})
	sort.Slice(result.Succeeded, func(i, j int) bool {
		return result.Succeeded[i] < result.Succeeded[j]
	})

	result.Columns, result.SchemaConsistent = unifyColumns(successes)

	rows := collectRows(successes, result.Columns, result.SchemaConsistent)

	if len(sortKey) > 0 {
		sortRows(rows, sortKey)
	}

	result.Rows = make([]model.MergedRow, len(rows))
	for i, r := range rows {
		result.Rows[i] = model.MergedRow{Office: r.office, Row: r.row}
	}
	return result
}

// taggedRow carries the merge bookkeeping for one row: its office, its
// index within that office's response, and the office's own column list
// for resolving positional sort terms.
type taggedRow struct {
	office  model.OfficeID
	index   int
	row     model.Row
	columns []string
}

// unifyColumns compares the column sets of successful outcomes. Matching
// sets keep the first office's column order; drifted sets produce the
// union in first-seen order with consistent=false. Offices with no rows
// and no column metadata are skipped, they constrain nothing.
func unifyColumns(successes []model.OfficeOutcome) (union []string, consistent bool) {
	consistent = true
	seen := make(map[string]bool)
	var reference map[string]bool

	for _, o := range successes {
		cols := o.Columns
		if len(cols) == 0 {
			continue
		}

		set := make(map[string]bool, len(cols))
		for _, c := range cols {
			set[c] = true
			if !seen[c] {
				seen[c] = true
				union = append(union, c)
			}
		}

		if reference == nil {
			reference = set
			continue
		}
		if !sameColumnSet(reference, set) {
			consistent = false
		}
	}
	return union, consistent
}

func sameColumnSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for c := range a {
		if !b[c] {
			return false
		}
	}
	return true
}

// collectRows flattens the (already office-sorted) successes into tagged
// rows. Under schema drift each row is copied and padded so every union
// column is present, with the absent sentinel filling the gaps.
func collectRows(successes []model.OfficeOutcome, columns []string, consistent bool) []taggedRow {
	var rows []taggedRow
	for _, o := range successes {
		for i, r := range o.Rows {
			if !consistent {
				padded := make(model.Row, len(columns))
				for _, c := range columns {
					if v, ok := r[c]; ok {
						padded[c] = v
					} else {
						padded[c] = model.Absent
					}
				}
				r = padded
			}
			rows = append(rows, taggedRow{
				office:  o.OfficeID,
				index:   i,
				row:     r,
				columns: o.Columns,
			})
		}
	}
	return rows
}

// sortRows orders rows by the extracted sort key. Positional terms resolve
// against each office's own column list, so offices that project the same
// columns in a different order still sort by the column the user asked
// for. Rows missing a key column sort with the absent sentinel and trail
// regardless of direction.
func sortRows(rows []taggedRow, sortKey model.SortKey) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		for _, term := range sortKey {
			va := sortValue(a, term)
			vb := sortValue(b, term)

			// Absent always trails, even under DESC.
			aAbsent := va == model.Absent
			bAbsent := vb == model.Absent
			if aAbsent != bAbsent {
				return bAbsent
			}
			if aAbsent {
				continue
			}

			c := naturalCompare(va, vb)
			if c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}

		if a.office != b.office {
			return a.office < b.office
		}
		return a.index < b.index
	})
}

// sortValue extracts the cell a sort term refers to, or the absent
// sentinel when the row has no such column.
func sortValue(r taggedRow, term model.SortTerm) string {
	col := term.Column
	if term.Position > 0 {
		if term.Position > len(r.columns) {
			return model.Absent
		}
		col = r.columns[term.Position-1]
	}
	v, ok := r.row[col]
	if !ok {
		return model.Absent
	}
	return v
}
