// Package audit appends a JSONL trail of security-relevant events: query
// executions and vault lifecycle changes. Audit writes are best effort and
// never fail the operation that produced them.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/engine"
)

// record is one line of the audit log.
type record struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Hostname  string    `json:"hostname"`
	Event     string    `json:"event"`
	Success   bool      `json:"success"`

	// Query fields, present on query_execute events only.
	SQLHash     string `json:"sql_hash,omitempty"`
	OfficeCount int    `json:"office_count,omitempty"`
	Succeeded   int    `json:"succeeded,omitempty"`
	Failed      int    `json:"failed,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
}

// Logger appends events to a JSONL file. One logger represents one CLI
// session; every line carries the same session ID. Safe for concurrent
// use.
type Logger struct {
	mu        sync.Mutex
	path      string
	sessionID string
	hostname  string
}

// NewLogger creates the log's parent directory if needed and returns a
// logger with a fresh session ID.
func NewLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, eris.Wrapf(err, "audit: create directory for %s", path)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Logger{
		path:      path,
		sessionID: uuid.NewString(),
		hostname:  hostname,
	}, nil
}

// SessionID returns this session's identifier.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// QueryExecuted records one fan-out summary. Implements the dispatcher's
// audit sink.
func (l *Logger) QueryExecuted(ev engine.QueryEvent) {
	l.append(record{
		Event:       "query_execute",
		Success:     ev.Failed == 0,
		SQLHash:     ev.SQLHash,
		OfficeCount: ev.OfficeCount,
		Succeeded:   ev.Succeeded,
		Failed:      ev.Failed,
		DurationMS:  ev.DurationMS,
	})
}

// VaultEvent records a vault lifecycle change. Its signature matches the
// vault's notification hook.
func (l *Logger) VaultEvent(event string, success bool) {
	l.append(record{Event: event, Success: success})
}

// Event records an arbitrary named event.
func (l *Logger) Event(event string, success bool) {
	l.append(record{Event: event, Success: success})
}

// append writes one line. Failures are logged and swallowed: losing an
// audit line must not abort the work it describes.
func (l *Logger) append(rec record) {
	rec.Timestamp = time.Now().UTC()
	rec.SessionID = l.sessionID
	rec.Hostname = l.hostname

	line, err := json.Marshal(rec)
	if err != nil {
		zap.L().Warn("audit marshal failed", zap.Error(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		zap.L().Warn("audit open failed", zap.String("path", l.path), zap.Error(err))
		return
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(line); err != nil {
		zap.L().Warn("audit write failed", zap.String("path", l.path), zap.Error(err))
	}
}
