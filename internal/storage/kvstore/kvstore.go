// Package kvstore is a small durable key/value store. Each table is kept in
// memory and persisted as one JSON file, rewritten atomically on every
// committed change. A commit touching several tables goes through a journal
// so that a crash leaves either all or none of them updated.
package kvstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kvstore: key not found")

// journalFile lists the staged tables of a multi-table commit. Its presence
// on disk means the commit is decided and must be rolled forward.
const journalFile = "commit.journal"

type table map[string]json.RawMessage

// Store holds named tables under a base directory.
type Store struct {
	mu      sync.RWMutex
	baseDir string
	tables  map[string]table
}

// Open loads every table found in baseDir, creating the directory if needed.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{baseDir: baseDir, tables: map[string]table{}}
	if err := s.recoverCommit(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("list store dir: %w", err)
	}
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(baseDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read table %s: %w", name, err)
		}
		t := table{}
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal table %s: %w", name, err)
		}
		s.tables[name] = t
	}
	return s, nil
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.baseDir }

// Get decodes the value stored under key into out.
func (s *Store) Get(tableName, key string, out any) error {
	s.mu.RLock()
	raw, ok := s.tables[tableName][key]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", tableName, key, err)
	}
	return nil
}

// Has reports whether key exists in the table.
func (s *Store) Has(tableName, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tables[tableName][key]
	return ok
}

// Keys returns the sorted keys of a table.
func (s *Store) Keys(tableName string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.tables[tableName]))
	for k := range s.tables[tableName] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of entries in a table.
func (s *Store) Len(tableName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[tableName])
}

// Put stores v under key.
func (s *Store) Put(tableName, key string, v any) error {
	return s.Update(func(tx *Tx) error { return tx.Put(tableName, key, v) })
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(tableName, key string) error {
	return s.Update(func(tx *Tx) error {
		tx.Delete(tableName, key)
		return nil
	})
}

// Scan decodes every value of a table, ordered by key.
func Scan[T any](s *Store, tableName string) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scan[T](s.tables[tableName], tableName)
}

func scan[T any](t table, tableName string) ([]T, error) {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var v T
		if err := json.Unmarshal(t[k], &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s/%s: %w", tableName, k, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Tx is a write transaction. Changes are visible to the transaction
// immediately and to other readers only after commit.
type Tx struct {
	s       *Store
	touched map[string]table
}

func (tx *Tx) table(name string) table {
	if t, ok := tx.touched[name]; ok {
		return t
	}
	cp := make(table, len(tx.s.tables[name]))
	for k, v := range tx.s.tables[name] {
		cp[k] = v
	}
	tx.touched[name] = cp
	return cp
}

func (tx *Tx) view(name string) table {
	if t, ok := tx.touched[name]; ok {
		return t
	}
	return tx.s.tables[name]
}

// Get decodes the value under key as seen by the transaction.
func (tx *Tx) Get(tableName, key string, out any) error {
	raw, ok := tx.view(tableName)[key]
	if !ok {
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", tableName, key, err)
	}
	return nil
}

// Has reports whether key exists as seen by the transaction.
func (tx *Tx) Has(tableName, key string) bool {
	_, ok := tx.view(tableName)[key]
	return ok
}

// Keys returns the sorted keys of a table as seen by the transaction.
func (tx *Tx) Keys(tableName string) []string {
	t := tx.view(tableName)
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Put stores v under key.
func (tx *Tx) Put(tableName, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", tableName, key, err)
	}
	tx.table(tableName)[key] = data
	return nil
}

// Delete removes key.
func (tx *Tx) Delete(tableName, key string) {
	delete(tx.table(tableName), key)
}

// ScanTx decodes every value of a table as seen by the transaction.
func ScanTx[T any](tx *Tx, tableName string) ([]T, error) {
	return scan[T](tx.view(tableName), tableName)
}

// Update runs fn in an exclusive transaction. When fn returns nil the touched
// tables are written to disk and published; otherwise nothing changes.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, touched: map[string]table{}}
	if err := fn(tx); err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(tx.touched))
	for _, name := range names {
		if err := s.stageTable(name, tx.touched[name]); err != nil {
			return err
		}
	}
	if len(names) > 1 {
		if err := s.writeJournal(names); err != nil {
			return err
		}
	}
	if err := s.applyStaged(names); err != nil {
		return err
	}
	for _, name := range names {
		s.tables[name] = tx.touched[name]
	}
	return nil
}

func (s *Store) tablePath(name string) string {
	return filepath.Join(s.baseDir, name+".json")
}

// stageTable writes a table to its temp file.
func (s *Store) stageTable(name string, t table) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal table %s: %w", name, err)
	}
	if err := os.WriteFile(s.tablePath(name)+".tmp", data, 0o644); err != nil {
		return fmt.Errorf("write table %s tmp: %w", name, err)
	}
	return nil
}

// writeJournal atomically records the staged tables of a commit.
func (s *Store) writeJournal(names []string) error {
	data, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	path := filepath.Join(s.baseDir, journalFile)
	if err := os.WriteFile(path+".tmp", data, 0o644); err != nil {
		return fmt.Errorf("write journal tmp: %w", err)
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}
	return nil
}

// applyStaged renames the staged temp files into place and clears the
// journal.
func (s *Store) applyStaged(names []string) error {
	for _, name := range names {
		path := s.tablePath(name)
		if err := os.Rename(path+".tmp", path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rename table %s: %w", name, err)
		}
	}
	if err := os.Remove(filepath.Join(s.baseDir, journalFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}

// recoverCommit finishes a journaled commit interrupted by a crash. Temp files
// without a journal belong to a commit that never decided and are dropped.
func (s *Store) recoverCommit() error {
	data, err := os.ReadFile(filepath.Join(s.baseDir, journalFile))
	switch {
	case err == nil:
		var names []string
		if err := json.Unmarshal(data, &names); err != nil {
			return fmt.Errorf("unmarshal journal: %w", err)
		}
		return s.applyStaged(names)
	case !os.IsNotExist(err):
		return fmt.Errorf("read journal: %w", err)
	}
	stray, err := filepath.Glob(filepath.Join(s.baseDir, "*.json.tmp"))
	if err != nil {
		return fmt.Errorf("list temp files: %w", err)
	}
	stray = append(stray, filepath.Join(s.baseDir, journalFile+".tmp"))
	for _, path := range stray {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// AppendJSONL appends a JSON-encoded line to path, creating parent
// directories as needed.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", filepath.Base(path), err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadJSONL reads all JSON lines from path, deserializing each into type T.
// A missing file yields no items.
func LoadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue // skip corrupted lines
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return items, nil
}
