package engine

import (
	"strconv"
	"strings"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

// The extractor is a narrow, purpose-built scanner, not a SQL parser. It
// only needs to find a trailing top-level ORDER BY and its terms, while
// staying out of string literals, comments and subqueries. Everything
// works on a masked copy of the query (comments and literal bodies
// blanked, indices preserved) so slicing the original text stays cheap.

// ExtractSortKey finds the trailing top-level ORDER BY clause of sql and
// returns its terms. A missing clause yields an empty key, which means
// fallback ordering applies at merge time.
func ExtractSortKey(sql string) model.SortKey {
	masked := maskLiterals(maskComments(sql))

	_, afterBy := findOrderBy(masked)
	if afterBy < 0 {
		return nil
	}

	end := clauseEnd(masked, afterBy)

	var key model.SortKey
	for _, span := range splitTopLevel(masked, afterBy, end) {
		term, ok := parseSortTerm(strings.TrimSpace(sql[span[0]:span[1]]))
		if ok {
			key = append(key, term)
		}
	}
	return key
}

// EnsureOrderBy injects "ORDER BY 1 ASC" when sql has no top-level ORDER
// BY, placing it before a top-level LIMIT/OFFSET when one exists. Queries
// that already order their output are returned unchanged. Per-office
// responses become deterministic this way even before the merge reorders
// them.
func EnsureOrderBy(sql string) string {
	masked := maskLiterals(maskComments(sql))

	if start, _ := findOrderBy(masked); start >= 0 {
		return sql
	}

	limitIdx := indexTopLevelKeyword(masked, "limit", 0, len(masked))
	offsetIdx := indexTopLevelKeyword(masked, "offset", 0, len(masked))
	insertAt := limitIdx
	if insertAt < 0 || (offsetIdx >= 0 && offsetIdx < insertAt) {
		insertAt = offsetIdx
	}

	if insertAt >= 0 {
		left := strings.TrimRight(sql[:insertAt], " \t\r\n")
		right := strings.TrimLeft(sql[insertAt:], " \t\r\n")
		return left + " ORDER BY 1 ASC " + right
	}

	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	return trimmed + " ORDER BY 1 ASC;"
}

// IsReadOnly reports whether sql is a single read-only statement
// (SELECT, SHOW, DESCRIBE, EXPLAIN). Write keywords anywhere outside
// string literals reject the query, as do stacked statements.
func IsReadOnly(sql string) bool {
	stripped := strings.TrimSpace(maskComments(sql))
	if stripped == "" {
		return false
	}

	// Allow one trailing semicolon, nothing after it.
	core := strings.TrimSpace(strings.TrimRight(stripped, "; \t\r\n"))
	if core == "" {
		return false
	}

	masked := maskLiterals(core)
	if strings.ContainsRune(masked, ';') {
		return false
	}

	upper := strings.ToUpper(masked)
	for _, kw := range writeKeywords {
		if containsWord(upper, kw) {
			return false
		}
	}

	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"} {
		if hasWordPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// writeKeywords rejects statements that could mutate the remote database.
// WITH is included even though it excludes CTE SELECTs; MySQL 5.x backends
// behind the vendor API do not support them anyway.
var writeKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "REPLACE", "UPSERT", "MERGE",
	"TRUNCATE", "ALTER", "DROP", "CREATE", "GRANT", "REVOKE",
	"CALL", "EXEC", "EXECUTE", "BEGIN", "END", "COMMIT", "ROLLBACK",
	"SET", "USE", "DECLARE", "LOCK", "UNLOCK", "WITH",
}

func parseSortTerm(text string) (model.SortTerm, bool) {
	if text == "" {
		return model.SortTerm{}, false
	}

	var term model.SortTerm
	lower := strings.ToLower(text)
	if strings.HasSuffix(lower, "desc") && wordBoundaryBefore(text, len(text)-4) {
		term.Desc = true
		text = strings.TrimSpace(text[:len(text)-4])
	} else if strings.HasSuffix(lower, "asc") && wordBoundaryBefore(text, len(text)-3) {
		text = strings.TrimSpace(text[:len(text)-3])
	}
	if text == "" {
		return model.SortTerm{}, false
	}

	text = strings.Trim(text, "`\"")

	if n, err := strconv.Atoi(text); err == nil && n >= 1 {
		term.Position = n
		return term, true
	}

	term.Column = text
	return term, true
}

// maskComments blanks -- line comments and /* */ block comments, leaving
// every other byte (and all indices) intact. Quote state is tracked so a
// comment marker inside a string literal is left alone.
func maskComments(sql string) string {
	out := []byte(sql)
	var inSingle, inDouble, inBacktick bool

	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case inSingle:
			if c == '\\' && i+1 < len(out) {
				i++
			} else if c == '\'' {
				inSingle = false
			}
		case inDouble:
			if c == '\\' && i+1 < len(out) {
				i++
			} else if c == '"' {
				inDouble = false
			}
		case inBacktick:
			if c == '`' {
				inBacktick = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '`':
			inBacktick = true
		case c == '-' && i+1 < len(out) && out[i+1] == '-':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case c == '/' && i+1 < len(out) && out[i+1] == '*':
			for i < len(out) {
				if out[i] == '*' && i+1 < len(out) && out[i+1] == '/' {
					out[i] = ' '
					i++
					out[i] = ' '
					break
				}
				out[i] = ' '
				i++
			}
		}
	}
	return string(out)
}

// maskLiterals blanks the bodies of quoted strings and identifiers
// (quote characters included) so keyword and semicolon scans cannot match
// inside them.
func maskLiterals(sql string) string {
	out := []byte(sql)
	var inSingle, inDouble, inBacktick bool

	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case inSingle:
			if c == '\\' && i+1 < len(out) {
				out[i] = ' '
				i++
				out[i] = ' '
				continue
			}
			if c == '\'' {
				inSingle = false
			}
			out[i] = ' '
		case inDouble:
			if c == '\\' && i+1 < len(out) {
				out[i] = ' '
				i++
				out[i] = ' '
				continue
			}
			if c == '"' {
				inDouble = false
			}
			out[i] = ' '
		case inBacktick:
			if c == '`' {
				inBacktick = false
			}
			out[i] = ' '
		case c == '\'':
			inSingle = true
			out[i] = ' '
		case c == '"':
			inDouble = true
			out[i] = ' '
		case c == '`':
			inBacktick = true
			out[i] = ' '
		}
	}
	return string(out)
}

// findOrderBy locates the last top-level ORDER BY in the masked query.
// It returns the index of "ORDER" and the index just past "BY", or
// (-1, -1) when absent.
func findOrderBy(masked string) (start, afterBy int) {
	start, afterBy = -1, -1
	lower := strings.ToLower(masked)

	depth := 0
	for i := 0; i < len(lower); i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		if depth != 0 {
			continue
		}
		if !matchWordAt(lower, i, "order") {
			continue
		}
		j := i + len("order")
		for j < len(lower) && isSpace(lower[j]) {
			j++
		}
		if matchWordAt(lower, j, "by") {
			start = i
			afterBy = j + len("by")
		}
	}
	return start, afterBy
}

// clauseEnd returns the index where the ORDER BY clause stops: the first
// top-level LIMIT, OFFSET or semicolon after from, else end of string.
func clauseEnd(masked string, from int) int {
	end := len(masked)
	if i := indexTopLevelKeyword(masked, "limit", from, end); i >= 0 {
		end = i
	}
	if i := indexTopLevelKeyword(masked, "offset", from, end); i >= 0 {
		end = i
	}
	if i := indexTopLevelByte(masked, ';', from, end); i >= 0 {
		end = i
	}
	return end
}

// splitTopLevel splits masked[from:end] on depth-0 commas and returns the
// [start, end) spans of each piece.
func splitTopLevel(masked string, from, end int) [][2]int {
	var spans [][2]int
	depth := 0
	start := from
	for i := from; i < end; i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				spans = append(spans, [2]int{start, i})
				start = i + 1
			}
		}
	}
	spans = append(spans, [2]int{start, end})
	return spans
}

func indexTopLevelKeyword(masked, keyword string, from, end int) int {
	lower := strings.ToLower(masked)
	depth := 0
	for i := 0; i < end; i++ {
		switch lower[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		if depth == 0 && i >= from && matchWordAt(lower, i, keyword) {
			return i
		}
	}
	return -1
}

func indexTopLevelByte(masked string, b byte, from, end int) int {
	depth := 0
	for i := 0; i < end; i++ {
		switch masked[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		}
		if depth == 0 && i >= from && masked[i] == b {
			return i
		}
	}
	return -1
}

// matchWordAt reports whether s[i:] starts with word, bounded by
// non-identifier characters on both sides.
func matchWordAt(s string, i int, word string) bool {
	if i < 0 || i+len(word) > len(s) || s[i:i+len(word)] != word {
		return false
	}
	if i > 0 && isIdentChar(s[i-1]) {
		return false
	}
	if i+len(word) < len(s) && isIdentChar(s[i+len(word)]) {
		return false
	}
	return true
}

func containsWord(s, word string) bool {
	for i := 0; i+len(word) <= len(s); i++ {
		if matchWordAt(s, i, word) {
			return true
		}
	}
	return false
}

func hasWordPrefix(s, word string) bool {
	return matchWordAt(s, 0, word)
}

func wordBoundaryBefore(s string, i int) bool {
	return i > 0 && !isIdentChar(s[i-1])
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
