package model

import (
	"time"
)

// OfficeID identifies one remote office deployment. Opaque to the engine;
// unique within a single request.
type OfficeID string

// Row is a single result row keyed by column name. OpenDental's query
// endpoint returns every cell as a string.
type Row map[string]string

// Absent marks a cell for a column an office never returned. It sorts
// after every real value so drifted rows trail the merge instead of
// breaking it.
const Absent = "\x00absent"

// Credential is one office's OpenDental API key pair.
type Credential struct {
	DeveloperKey string `json:"developer_key"`
	CustomerKey  string `json:"customer_key"`
}

// QueryRequest describes one fan-out query. Immutable once dispatched.
type QueryRequest struct {
	SQL              string        `json:"sql"`
	OfficeIDs        []OfficeID    `json:"office_ids"`
	PerOfficeTimeout time.Duration `json:"per_office_timeout"`
	MaxConcurrency   int           `json:"max_concurrency"`

	// SQLHash is a caller-supplied content hash of SQL, used for audit
	// and history records so the statement text never leaves the process.
	SQLHash string `json:"sql_hash,omitempty"`
}

// SortTerm is one component of an ORDER BY key. Either Column is set or
// Position holds a 1-based column reference.
type SortTerm struct {
	Column   string `json:"column,omitempty"`
	Position int    `json:"position,omitempty"`
	Desc     bool   `json:"desc,omitempty"`
}

// SortKey is the ordered list of sort terms extracted from the query.
// Empty means fallback ordering (group by office, preserve response order).
type SortKey []SortTerm

// OfficeOutcome is the terminal result of one office's execution.
// Produced exactly once per office per request; immutable after creation.
type OfficeOutcome struct {
	OfficeID OfficeID      `json:"office_id"`
	Success  bool          `json:"success"`
	Rows     []Row         `json:"rows,omitempty"`
	Columns  []string      `json:"columns,omitempty"`
	ErrKind  ErrorKind     `json:"err_kind,omitempty"`
	Err      error         `json:"-"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// MergedRow is one output row tagged with the office it came from.
type MergedRow struct {
	Office OfficeID `json:"office"`
	Row    Row      `json:"row"`
}

// MergedResult is the final, ordered, labeled result of a request.
// Read-only after construction.
type MergedResult struct {
	Rows             []MergedRow            `json:"rows"`
	Columns          []string               `json:"columns"`
	Succeeded        []OfficeID             `json:"succeeded"`
	Failed           map[OfficeID]ErrorKind `json:"failed"`
	SchemaConsistent bool                   `json:"schema_consistent"`
	Outcomes         []OfficeOutcome        `json:"outcomes"`
	Elapsed          time.Duration          `json:"elapsed"`
}

// RowCount returns the number of merged rows.
func (m *MergedResult) RowCount() int {
	return len(m.Rows)
}

// Summary returns a short human-readable status line, e.g.
// "3 of 5 offices returned data (2 failed), 1204 rows".
func (m *MergedResult) Summary() string {
	return summarize(len(m.Succeeded), len(m.Failed), len(m.Rows))
}
