package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

func outcome(office model.OfficeID, columns []string, rows ...model.Row) model.OfficeOutcome {
	return model.OfficeOutcome{
		OfficeID: office,
		Success:  true,
		Rows:     rows,
		Columns:  columns,
		Attempts: 1,
	}
}

func failedOutcome(office model.OfficeID, kind model.ErrorKind) model.OfficeOutcome {
	return model.OfficeOutcome{OfficeID: office, ErrKind: kind, Attempts: 1}
}

func TestMerge_EmptyInput(t *testing.T) {
	t.Parallel()

	result := Merge(nil, nil)
	assert.Empty(t, result.Rows)
	assert.True(t, result.SchemaConsistent)
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, result.Failed)
}

func TestMerge_FallbackOrdering_GroupsByOffice(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("west", []string{"PatNum"}, model.Row{"PatNum": "3"}, model.Row{"PatNum": "1"}),
		outcome("east", []string{"PatNum"}, model.Row{"PatNum": "9"}, model.Row{"PatNum": "2"}),
	}

	result := Merge(nil, outcomes)
	require.Len(t, result.Rows, 4)

	// Offices lexicographic, native row order preserved within an office.
	assert.Equal(t, model.OfficeID("east"), result.Rows[0].Office)
	assert.Equal(t, "9", result.Rows[0].Row["PatNum"])
	assert.Equal(t, "2", result.Rows[1].Row["PatNum"])
	assert.Equal(t, model.OfficeID("west"), result.Rows[2].Office)
	assert.Equal(t, "3", result.Rows[2].Row["PatNum"])
	assert.Equal(t, "1", result.Rows[3].Row["PatNum"])
}

func TestMerge_FallbackOrdering_Deterministic(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("b", []string{"X"}, model.Row{"X": "2"}, model.Row{"X": "1"}),
		outcome("a", []string{"X"}, model.Row{"X": "5"}),
		failedOutcome("c", model.ErrKindTimeout),
	}

	first := Merge(nil, outcomes)
	second := Merge(nil, outcomes)
	assert.Equal(t, first.Rows, second.Rows)
}

func TestMerge_SortKey_NaturalOrder(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"Item"}, model.Row{"Item": "item2"}, model.Row{"Item": "item10"}),
		outcome("b", []string{"Item"}, model.Row{"Item": "item1"}),
	}

	result := Merge(model.SortKey{{Column: "Item"}}, outcomes)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "item1", result.Rows[0].Row["Item"])
	assert.Equal(t, "item2", result.Rows[1].Row["Item"])
	assert.Equal(t, "item10", result.Rows[2].Row["Item"])
}

func TestMerge_SortKey_DescAndTiebreak(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("west", []string{"LName", "FName"},
			model.Row{"LName": "Smith", "FName": "Anna"},
			model.Row{"LName": "Jones", "FName": "Bob"},
		),
		outcome("east", []string{"LName", "FName"},
			model.Row{"LName": "Smith", "FName": "Carl"},
		),
	}

	key := model.SortKey{{Column: "LName"}, {Column: "FName", Desc: true}}
	result := Merge(key, outcomes)
	require.Len(t, result.Rows, 3)

	assert.Equal(t, "Jones", result.Rows[0].Row["LName"])
	// Smith group: FName descending.
	assert.Equal(t, "Carl", result.Rows[1].Row["FName"])
	assert.Equal(t, "Anna", result.Rows[2].Row["FName"])
}

func TestMerge_SortKey_FullTieBreaksByOfficeThenIndex(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("west", []string{"V"}, model.Row{"V": "same"}, model.Row{"V": "same"}),
		outcome("east", []string{"V"}, model.Row{"V": "same"}),
	}

	result := Merge(model.SortKey{{Column: "V"}}, outcomes)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, model.OfficeID("east"), result.Rows[0].Office)
	assert.Equal(t, model.OfficeID("west"), result.Rows[1].Office)
	assert.Equal(t, model.OfficeID("west"), result.Rows[2].Office)
}

func TestMerge_SchemaDrift_UnionAndSentinel(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"PatNum", "LName"}, model.Row{"PatNum": "1", "LName": "Smith"}),
		outcome("b", []string{"PatNum", "Email"}, model.Row{"PatNum": "2", "Email": "x@y.z"}),
	}

	result := Merge(nil, outcomes)
	assert.False(t, result.SchemaConsistent)
	assert.ElementsMatch(t, []string{"PatNum", "LName", "Email"}, result.Columns)

	for _, r := range result.Rows {
		for _, col := range result.Columns {
			_, ok := r.Row[col]
			assert.True(t, ok, "row from %s missing padded column %s", r.Office, col)
		}
	}
	// Office b never returned LName.
	assert.Equal(t, model.Absent, result.Rows[1].Row["LName"])
}

func TestMerge_SchemaDrift_AbsentSortColumnTrails(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("zz-with", []string{"LName"}, model.Row{"LName": "Adams"}),
		outcome("aa-without", []string{"Other"}, model.Row{"Other": "x"}),
	}

	result := Merge(model.SortKey{{Column: "LName"}}, outcomes)
	require.Len(t, result.Rows, 2)
	assert.False(t, result.SchemaConsistent)

	// The row missing the sort column trails despite its office sorting
	// first lexicographically.
	assert.Equal(t, model.OfficeID("zz-with"), result.Rows[0].Office)
	assert.Equal(t, model.OfficeID("aa-without"), result.Rows[1].Office)
}

func TestMerge_AbsentTrailsUnderDesc(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"N"}, model.Row{"N": "1"}, model.Row{"N": "2"}),
		outcome("b", []string{"M"}, model.Row{"M": "x"}),
	}

	result := Merge(model.SortKey{{Column: "N", Desc: true}}, outcomes)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, "2", result.Rows[0].Row["N"])
	assert.Equal(t, "1", result.Rows[1].Row["N"])
	assert.Equal(t, model.OfficeID("b"), result.Rows[2].Office)
}

func TestMerge_PositionalTerm_ResolvesPerOffice(t *testing.T) {
	t.Parallel()

	// Both offices return the same logical columns in different order.
	// Position 1 must resolve against each office's own column list.
	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"LName", "FName"}, model.Row{"LName": "Young", "FName": "Ann"}),
		outcome("b", []string{"FName", "LName"}, model.Row{"LName": "Baker", "FName": "Zed"}),
	}

	result := Merge(model.SortKey{{Position: 1}}, outcomes)
	require.Len(t, result.Rows, 2)
	// Office a sorts by LName ("Young"), office b by FName ("Zed").
	assert.Equal(t, model.OfficeID("a"), result.Rows[0].Office)
	assert.Equal(t, model.OfficeID("b"), result.Rows[1].Office)
}

func TestMerge_PositionalTerm_OutOfRangeTrails(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"X"}, model.Row{"X": "1"}),
		outcome("b", []string{"X", "Y"}, model.Row{"X": "2", "Y": "0"}),
	}

	result := Merge(model.SortKey{{Position: 2}}, outcomes)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, model.OfficeID("b"), result.Rows[0].Office)
	assert.Equal(t, model.OfficeID("a"), result.Rows[1].Office)
}

func TestMerge_FailedOfficesRecorded(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("ok", []string{"X"}, model.Row{"X": "1"}),
		failedOutcome("slow", model.ErrKindTimeout),
		failedOutcome("dead", model.ErrKindTransport),
	}

	result := Merge(nil, outcomes)
	assert.Equal(t, []model.OfficeID{"ok"}, result.Succeeded)
	assert.Equal(t, map[model.OfficeID]model.ErrorKind{
		"slow": model.ErrKindTimeout,
		"dead": model.ErrKindTransport,
	}, result.Failed)
	assert.Len(t, result.Rows, 1)

	// Every office appears exactly once across Succeeded and Failed.
	assert.Len(t, result.Succeeded, 1)
	assert.Len(t, result.Failed, 2)
}

func TestMerge_EmptySuccessfulOutcomes_ConsistentSchema(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", nil),
		outcome("b", nil),
	}

	result := Merge(nil, outcomes)
	assert.True(t, result.SchemaConsistent)
	assert.Empty(t, result.Rows)
	assert.Empty(t, result.Columns)
}

func TestMerge_SortedProperty_AdjacentPairs(t *testing.T) {
	t.Parallel()

	outcomes := []model.OfficeOutcome{
		outcome("a", []string{"K"},
			model.Row{"K": "b2"}, model.Row{"K": "a10"}, model.Row{"K": "a2"}),
		outcome("b", []string{"K"},
			model.Row{"K": "a1"}, model.Row{"K": "b10"}, model.Row{"K": "a2"}),
	}

	result := Merge(model.SortKey{{Column: "K"}}, outcomes)
	for i := 1; i < len(result.Rows); i++ {
		prev := result.Rows[i-1].Row["K"]
		cur := result.Rows[i].Row["K"]
		assert.LessOrEqual(t, naturalCompare(prev, cur), 0,
			"rows %d/%d out of order: %q > %q", i-1, i, prev, cur)
	}
}
