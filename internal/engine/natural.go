package engine

import (
	"strings"
)

// naturalCompare compares two strings treating embedded digit runs as
// numbers, so "item2" sorts before "item10". Non-digit runs compare
// case-insensitively; a full case-sensitive comparison breaks remaining
// ties to keep the order total.
func naturalCompare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]

		if isDigit(ca) && isDigit(cb) {
			ia, na := digitRun(a, i)
			jb, nb := digitRun(b, j)
			if c := compareNumeric(na, nb); c != 0 {
				return c
			}
			i, j = ia, jb
			continue
		}

		la, lb := lowerByte(ca), lowerByte(cb)
		if la != lb {
			if la < lb {
				return -1
			}
			return 1
		}
		i++
		j++
	}

	switch {
	case i < len(a):
		return 1
	case j < len(b):
		return -1
	}

	// Equal ignoring case: fall back to exact comparison for totality.
	return strings.Compare(a, b)
}

// digitRun returns the index past the digit run starting at i and the run
// itself.
func digitRun(s string, i int) (int, string) {
	start := i
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i, s[start:i]
}

// compareNumeric compares two digit runs by numeric value without parsing
// into integers, so arbitrarily long runs cannot overflow.
func compareNumeric(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lowerByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
