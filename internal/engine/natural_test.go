package engine

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNaturalCompare_DigitRuns(t *testing.T) {
	t.Parallel()

	values := []string{"item2", "item10", "item1"}
	sort.Slice(values, func(i, j int) bool {
		return naturalCompare(values[i], values[j]) < 0
	})
	assert.Equal(t, []string{"item1", "item2", "item10"}, values)
}

func TestNaturalCompare_Ordering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int // sign only
	}{
		{"2", "10", -1},
		{"10", "2", 1},
		{"a", "a", 0},
		{"a", "b", -1},
		{"abc", "abd", -1},
		{"Smith", "smith", -1}, // equal ignoring case; uppercase first for totality
		{"apple", "Banana", -1},
		{"x9y", "x10y", -1},
		{"x10y2", "x10y10", -1},
		{"100", "100", 0},
		{"", "a", -1},
		{"a1", "a1b", -1},
		{"file20", "file3", 1},
	}

	for _, tt := range tests {
		got := naturalCompare(tt.a, tt.b)
		switch {
		case tt.want < 0:
			assert.Negative(t, got, "naturalCompare(%q, %q)", tt.a, tt.b)
		case tt.want > 0:
			assert.Positive(t, got, "naturalCompare(%q, %q)", tt.a, tt.b)
		default:
			assert.Zero(t, got, "naturalCompare(%q, %q)", tt.a, tt.b)
		}
	}
}

func TestNaturalCompare_LeadingZeros(t *testing.T) {
	t.Parallel()

	// Same numeric value: the comparison is deterministic, not equal.
	assert.NotZero(t, naturalCompare("a007", "a7"))
	// Different numeric value wins regardless of zero padding.
	assert.Negative(t, naturalCompare("a007", "a8"))
	assert.Positive(t, naturalCompare("a010", "a8"))
}

func TestNaturalCompare_LongDigitRuns(t *testing.T) {
	t.Parallel()

	// Runs longer than an int64 must not overflow.
	a := "v99999999999999999999999999999998"
	b := "v99999999999999999999999999999999"
	assert.Negative(t, naturalCompare(a, b))
	assert.Positive(t, naturalCompare(b, a))
}

func TestNaturalCompare_Antisymmetry(t *testing.T) {
	t.Parallel()

	values := []string{"item2", "Item2", "item10", "a", "", "10", "2", "x1y", "x01y"}
	for _, a := range values {
		for _, b := range values {
			assert.Equal(t, naturalCompare(a, b), -naturalCompare(b, a),
				"antisymmetry for (%q, %q)", a, b)
		}
	}
}
