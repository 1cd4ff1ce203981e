package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

// ListDir keeps one campaign list per file in lists/. The file name is the
// list name.
type ListDir struct {
	dir   string
	locks keyedMutex
}

// Names returns the list names in lexical order, which is dispatch order.
func (d *ListDir) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading lists: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != jsonExt || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), jsonExt))
	}
	sort.Strings(names)
	return names, nil
}

func (d *ListDir) path(name string) (string, error) {
	safe := safeName(name)
	if safe == "" || safe != name {
		return "", fmt.Errorf("invalid list name %q", name)
	}
	return filepath.Join(d.dir, safe+jsonExt), nil
}

// Load always reads the file.
func (d *ListDir) Load(ctx context.Context, name string) (*disparo.CampaignList, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, err
	}
	var l disparo.CampaignList
	if err := readJSON(path, &l); err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, disparo.ErrListNotFound)
		}
		return nil, fmt.Errorf("reading list %s: %w", name, err)
	}
	l.Name = name
	return &l, nil
}

// Save writes l when the stored version still matches l.Version, then bumps
// l.Version. A mismatch returns disparo.ErrVersionConflict and leaves the
// file untouched.
func (d *ListDir) Save(ctx context.Context, l *disparo.CampaignList) error {
	path, err := d.path(l.Name)
	if err != nil {
		return err
	}
	unlock := d.locks.lock(l.Name)
	defer unlock()

	var current struct {
		Version int64 `json:"version"`
	}
	if err := readJSON(path, &current); err != nil && !isNotExist(err) {
		return fmt.Errorf("reading list %s: %w", l.Name, err)
	}
	if current.Version != l.Version {
		return fmt.Errorf("%s at version %d, have %d: %w", l.Name, current.Version, l.Version, disparo.ErrVersionConflict)
	}

	next := *l
	next.Version++
	if err := writeJSON(path, &next); err != nil {
		return fmt.Errorf("writing list %s: %w", l.Name, err)
	}
	l.Version = next.Version
	return nil
}
