// Package persist accumulates query results in named tables inside an
// encrypted local SQLite database, so repeated runs build up a dataset
// that never sits on disk in plaintext.
//
// The database file is sealed with AES-256-GCM under a random key kept
// beside it with owner-only permissions. Every operation decrypts the
// file into a private temp copy, works on that with the sqlite driver,
// and writes re-encrypt the result atomically.
package persist

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/zachweisman0105/OpenDentalQueryTool/internal/model"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12

	metadataTable = "_metadata"
)

// envelope is the on-disk database file: everything needed to decrypt
// except the key.
type envelope struct {
	Version    string `json:"version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

var identPattern = regexp.MustCompile(`[^0-9A-Za-z_]`)

// sanitizeIdentifier maps a user-supplied table or column name onto a
// safe SQL identifier. The original spelling is kept in the metadata
// table so callers keep seeing their own names.
func sanitizeIdentifier(name string) string {
	cleaned := identPattern.ReplaceAllString(strings.TrimSpace(name), "_")
	if cleaned == "" {
		cleaned = "table"
	}
	if cleaned[0] >= '0' && cleaned[0] <= '9' {
		cleaned = "t_" + cleaned
	}
	return strings.ToLower(cleaned)
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// tableInfo is one metadata row: the logical table name's sanitized form
// and the column set fixed on first append.
type tableInfo struct {
	SanitizedName    string
	Columns          []string
	SanitizedColumns []string
}

// Store manages the encrypted results database and its key file.
type Store struct {
	dbPath  string
	keyPath string
	key     []byte
}

// NewStore opens (or creates) the key file and returns a store for the
// database at dbPath. The database file itself is created on first
// append.
func NewStore(dbPath, keyPath string) (*Store, error) {
	key, err := loadKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &Store{dbPath: dbPath, keyPath: keyPath, key: key}, nil
}

// loadKey reads the hex-encoded key, generating a fresh one with
// owner-only permissions when the file does not exist yet.
func loadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(key) != keyLen {
			return nil, eris.Errorf("persist: corrupt key file %s", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "persist: read key %s", path)
	}

	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, eris.Wrap(err, "persist: generate key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, eris.Wrapf(err, "persist: create directory for %s", path)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, eris.Wrapf(err, "persist: write key %s", path)
	}
	return key, nil
}

// Append adds rows to the named table, creating it on first use. A
// table's column set is fixed by its first append; later appends with a
// different column set are rejected.
func (s *Store) Append(ctx context.Context, table string, columns []string, rows [][]string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.New("persist: no columns to store")
	}
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, eris.Errorf("persist: row has %d cells, want %d", len(row), len(columns))
		}
	}

	err := s.withDB(ctx, true, func(db *sql.DB) error {
		if err := ensureMetadata(ctx, db); err != nil {
			return err
		}
		info, err := tableMeta(ctx, db, table)
		if err != nil {
			return err
		}
		if info == nil {
			info = &tableInfo{
				SanitizedName:    sanitizeIdentifier(table),
				Columns:          columns,
				SanitizedColumns: make([]string, len(columns)),
			}
			for i, col := range columns {
				info.SanitizedColumns[i] = sanitizeIdentifier(col)
			}
			if err := createTable(ctx, db, table, info); err != nil {
				return err
			}
		} else if !slices.Equal(info.Columns, columns) {
			return eris.Errorf("persist: table %q expects columns %s",
				table, strings.Join(info.Columns, ", "))
		}

		quoted := make([]string, len(info.SanitizedColumns))
		for i, col := range info.SanitizedColumns {
			quoted[i] = quoteIdent(col)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		insert := "INSERT INTO " + quoteIdent(info.SanitizedName) +
			" (" + strings.Join(quoted, ", ") + ") VALUES (" + placeholders + ")"

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "persist: begin transaction")
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return eris.Wrap(err, "persist: prepare insert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, row := range rows {
			args := make([]any, len(row))
			for i, v := range row {
				args[i] = v
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return eris.Wrapf(err, "persist: insert into %q", table)
			}
		}
		return eris.Wrap(tx.Commit(), "persist: commit")
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// AppendResult stores a merged query result with the office label as the
// first column. Absent cells are stored as empty strings.
func (s *Store) AppendResult(ctx context.Context, table string, result *model.MergedResult) (int, error) {
	if len(result.Rows) == 0 {
		return 0, nil
	}
	columns := append([]string{"Office"}, result.Columns...)
	rows := make([][]string, len(result.Rows))
	for i, mr := range result.Rows {
		row := make([]string, 0, len(columns))
		row = append(row, string(mr.Office))
		for _, col := range result.Columns {
			v := mr.Row[col]
			if v == model.Absent {
				v = ""
			}
			row = append(row, v)
		}
		rows[i] = row
	}
	return s.Append(ctx, table, columns, rows)
}

// ReadTable returns a table's logical column names and all stored rows
// in insertion order.
func (s *Store) ReadTable(ctx context.Context, table string) ([]string, [][]string, error) {
	var columns []string
	var rows [][]string

	err := s.withDB(ctx, false, func(db *sql.DB) error {
		if err := ensureMetadata(ctx, db); err != nil {
			return err
		}
		info, err := tableMeta(ctx, db, table)
		if err != nil {
			return err
		}
		if info == nil {
			return eris.Errorf("persist: table %q not found", table)
		}
		columns = info.Columns

		quoted := make([]string, len(info.SanitizedColumns))
		for i, col := range info.SanitizedColumns {
			quoted[i] = quoteIdent(col)
		}
		res, err := db.QueryContext(ctx,
			"SELECT "+strings.Join(quoted, ", ")+" FROM "+quoteIdent(info.SanitizedName)+" ORDER BY rowid")
		if err != nil {
			return eris.Wrapf(err, "persist: read table %q", table)
		}
		defer res.Close()

		for res.Next() {
			cells := make([]string, len(columns))
			dest := make([]any, len(columns))
			for i := range cells {
				dest[i] = &cells[i]
			}
			if err := res.Scan(dest...); err != nil {
				return eris.Wrap(err, "persist: scan row")
			}
			rows = append(rows, cells)
		}
		return eris.Wrap(res.Err(), "persist: iterate rows")
	})
	if err != nil {
		return nil, nil, err
	}
	return columns, rows, nil
}

// Tables lists the logical table names in sorted order.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withDB(ctx, false, func(db *sql.DB) error {
		if err := ensureMetadata(ctx, db); err != nil {
			return err
		}
		rows, err := db.QueryContext(ctx,
			"SELECT table_name FROM "+metadataTable+" ORDER BY table_name")
		if err != nil {
			return eris.Wrap(err, "persist: list tables")
		}
		defer rows.Close()

		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return eris.Wrap(err, "persist: scan table name")
			}
			names = append(names, name)
		}
		return eris.Wrap(rows.Err(), "persist: iterate tables")
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// withDB decrypts the database into a temp file, runs fn against it, and
// for writes re-encrypts the temp copy back over the database file
// atomically. The plaintext temp copy is removed either way.
func (s *Store) withDB(ctx context.Context, write bool, fn func(db *sql.DB) error) error {
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return eris.Wrapf(err, "persist: create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".persist-*")
	if err != nil {
		return eris.Wrap(err, "persist: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	blob, err := os.ReadFile(s.dbPath)
	switch {
	case err == nil && len(blob) > 0:
		plaintext, err := s.decrypt(blob)
		if err != nil {
			tmp.Close() //nolint:errcheck
			return err
		}
		if _, err := tmp.Write(plaintext); err != nil {
			tmp.Close() //nolint:errcheck
			return eris.Wrap(err, "persist: write temp file")
		}
	case err != nil && !os.IsNotExist(err):
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "persist: read %s", s.dbPath)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "persist: close temp file")
	}

	db, err := sql.Open("sqlite", tmpName)
	if err != nil {
		return eris.Wrap(err, "persist: open database")
	}
	if err := fn(db); err != nil {
		db.Close() //nolint:errcheck
		return err
	}
	if err := db.Close(); err != nil {
		return eris.Wrap(err, "persist: close database")
	}
	if !write {
		return nil
	}

	plaintext, err := os.ReadFile(tmpName)
	if err != nil {
		return eris.Wrap(err, "persist: read temp file")
	}
	sealed, err := s.encrypt(plaintext)
	if err != nil {
		return err
	}
	return s.replaceBlob(sealed)
}

// replaceBlob writes the encrypted database atomically with owner-only
// permissions.
func (s *Store) replaceBlob(blob []byte) error {
	dir := filepath.Dir(s.dbPath)
	tmp, err := os.CreateTemp(dir, ".persist-enc-*")
	if err != nil {
		return eris.Wrap(err, "persist: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "persist: chmod temp file")
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "persist: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "persist: close temp file")
	}
	if err := os.Rename(tmpName, s.dbPath); err != nil {
		return eris.Wrapf(err, "persist: replace %s", s.dbPath)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, eris.Wrap(err, "persist: generate nonce")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, eris.Wrap(err, "persist: create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "persist: create gcm")
	}

	env := envelope{
		Version:    "1.0",
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, eris.Wrap(err, "persist: marshal envelope")
	}
	return out, nil
}

func (s *Store) decrypt(blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, eris.Wrap(err, "persist: corrupt database file")
	}
	if len(env.Nonce) != nonceLen {
		return nil, eris.New("persist: corrupt database file: bad nonce length")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, eris.Wrap(err, "persist: create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "persist: create gcm")
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, eris.New("persist: cannot decrypt database, key file mismatch")
	}
	return plaintext, nil
}

func ensureMetadata(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+metadataTable+` (
			table_name        TEXT PRIMARY KEY,
			sanitized_name    TEXT NOT NULL,
			columns           TEXT NOT NULL,
			sanitized_columns TEXT NOT NULL
		)`)
	return eris.Wrap(err, "persist: ensure metadata table")
}

func tableMeta(ctx context.Context, db *sql.DB, table string) (*tableInfo, error) {
	row := db.QueryRowContext(ctx,
		"SELECT sanitized_name, columns, sanitized_columns FROM "+metadataTable+" WHERE table_name = ?",
		table)

	var info tableInfo
	var columnsJSON, sanitizedJSON string
	err := row.Scan(&info.SanitizedName, &columnsJSON, &sanitizedJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "persist: read table metadata")
	}
	if err := json.Unmarshal([]byte(columnsJSON), &info.Columns); err != nil {
		return nil, eris.Wrap(err, "persist: unmarshal columns")
	}
	if err := json.Unmarshal([]byte(sanitizedJSON), &info.SanitizedColumns); err != nil {
		return nil, eris.Wrap(err, "persist: unmarshal sanitized columns")
	}
	return &info, nil
}

func createTable(ctx context.Context, db *sql.DB, table string, info *tableInfo) error {
	defs := make([]string, len(info.SanitizedColumns))
	for i, col := range info.SanitizedColumns {
		defs[i] = quoteIdent(col) + " TEXT"
	}
	if _, err := db.ExecContext(ctx,
		"CREATE TABLE "+quoteIdent(info.SanitizedName)+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return eris.Wrapf(err, "persist: create table %q", table)
	}

	columnsJSON, err := json.Marshal(info.Columns)
	if err != nil {
		return eris.Wrap(err, "persist: marshal columns")
	}
	sanitizedJSON, err := json.Marshal(info.SanitizedColumns)
	if err != nil {
		return eris.Wrap(err, "persist: marshal sanitized columns")
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO "+metadataTable+" (table_name, sanitized_name, columns, sanitized_columns) VALUES (?, ?, ?, ?)",
		table, info.SanitizedName, string(columnsJSON), string(sanitizedJSON))
	return eris.Wrap(err, "persist: record table metadata")
}
