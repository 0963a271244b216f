// Package savedquery keeps a YAML library of named SQL queries so common
// reports can be run by name instead of pasted each time.
package savedquery

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Query is one saved entry.
type Query struct {
	Name        string    `yaml:"name"`
	SQL         string    `yaml:"sql"`
	Description string    `yaml:"description,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// library is the YAML file layout.
type library struct {
	Queries []Query `yaml:"queries"`
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Store reads and writes the saved-query file. Each operation reloads
// from disk, so concurrent CLI invocations see each other's writes.
type Store struct {
	path string
}

// NewStore returns a store backed by the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Save adds a query, or updates the SQL and description of an existing
// one with the same name.
func (s *Store) Save(name, sql, description string) error {
	if !namePattern.MatchString(name) {
		return eris.Errorf("savedquery: invalid name %q, use letters, digits, hyphen, underscore", name)
	}
	if sql == "" {
		return eris.New("savedquery: sql must not be empty")
	}

	lib, err := s.load()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range lib.Queries {
		if lib.Queries[i].Name == name {
			lib.Queries[i].SQL = sql
			lib.Queries[i].Description = description
			lib.Queries[i].UpdatedAt = now
			return s.write(lib)
		}
	}

	lib.Queries = append(lib.Queries, Query{
		Name:        name,
		SQL:         sql,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return s.write(lib)
}

// Get returns the saved query with the given name.
func (s *Store) Get(name string) (*Query, error) {
	lib, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range lib.Queries {
		if lib.Queries[i].Name == name {
			return &lib.Queries[i], nil
		}
	}
	return nil, eris.Errorf("savedquery: %q not found", name)
}

// List returns all saved queries sorted by name.
func (s *Store) List() ([]Query, error) {
	lib, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(lib.Queries, func(i, j int) bool {
		return lib.Queries[i].Name < lib.Queries[j].Name
	})
	return lib.Queries, nil
}

// Delete removes a saved query by name.
func (s *Store) Delete(name string) error {
	lib, err := s.load()
	if err != nil {
		return err
	}
	for i := range lib.Queries {
		if lib.Queries[i].Name == name {
			lib.Queries = append(lib.Queries[:i], lib.Queries[i+1:]...)
			return s.write(lib)
		}
	}
	return eris.Errorf("savedquery: %q not found", name)
}

func (s *Store) load() (*library, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &library{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "savedquery: read %s", s.path)
	}

	var lib library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, eris.Wrapf(err, "savedquery: parse %s", s.path)
	}
	return &lib, nil
}

// write replaces the library file atomically so a crash mid-write never
// leaves a truncated library behind.
func (s *Store) write(lib *library) error {
	data, err := yaml.Marshal(lib)
	if err != nil {
		return eris.Wrap(err, "savedquery: marshal")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return eris.Wrapf(err, "savedquery: create directory for %s", s.path)
	}

	tmp, err := os.CreateTemp(dir, ".saved-*")
	if err != nil {
		return eris.Wrap(err, "savedquery: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "savedquery: chmod temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrap(err, "savedquery: write temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "savedquery: close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return eris.Wrapf(err, "savedquery: replace %s", s.path)
	}
	return nil
}
