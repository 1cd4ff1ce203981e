// Package store keeps a tenant's dispatch data as JSON files under its data
// directory. Every write goes to a temp file first and is renamed into place,
// so a crash never leaves a half-written record behind.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// MediaDir holds the files referenced by relative media paths.
const MediaDir = "media"

const (
	rulesFile  = "rules.json"
	stateFile  = "state.json"
	listsDir   = "lists"
	historyDir = "history"
	reportsDir = "reports"
	jsonExt    = ".json"
	dirPerm    = 0755
	filePerm   = 0644
)

// Store is the file-backed storage of one tenant.
type Store struct {
	dir string

	rules   *RuleFile
	lists   *ListDir
	state   *StateFile
	history *HistoryDir
	log     *DispatchLogFile
}

// New prepares the tenant layout under dir.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"", listsDir, historyDir, reportsDir, MediaDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return &Store{
		dir:     dir,
		rules:   &RuleFile{path: filepath.Join(dir, rulesFile)},
		lists:   &ListDir{dir: filepath.Join(dir, listsDir)},
		state:   &StateFile{path: filepath.Join(dir, stateFile)},
		history: &HistoryDir{dir: filepath.Join(dir, historyDir)},
		log:     &DispatchLogFile{dir: filepath.Join(dir, reportsDir)},
	}, nil
}

// Dir is the tenant data directory.
func (s *Store) Dir() string { return s.dir }

// Path joins elem onto the tenant data directory.
func (s *Store) Path(elem ...string) string {
	return filepath.Join(append([]string{s.dir}, elem...)...)
}

func (s *Store) Rules() *RuleFile              { return s.rules }
func (s *Store) Lists() *ListDir               { return s.lists }
func (s *Store) State() *StateFile             { return s.state }
func (s *Store) History() *HistoryDir          { return s.history }
func (s *Store) DispatchLog() *DispatchLogFile { return s.log }

// writeJSON atomically replaces path with the indented encoding of v.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// readJSON decodes path into v. A missing file is reported as os.ErrNotExist.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// safeName keeps a record name inside its directory.
func safeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// phoneKey reduces a phone to its digits for use as a file name.
func phoneKey(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// keyedMutex serializes writers per key within the process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
