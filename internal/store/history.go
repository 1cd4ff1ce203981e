package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

// HistoryDir keeps one conversation log per contact in history/<digits>.json.
type HistoryDir struct {
	dir   string
	locks keyedMutex
}

func (h *HistoryDir) path(phone string) (string, error) {
	key := phoneKey(phone)
	if key == "" {
		return "", fmt.Errorf("invalid phone %q", phone)
	}
	return filepath.Join(h.dir, key+jsonExt), nil
}

// Append adds entry to the contact's log.
func (h *HistoryDir) Append(ctx context.Context, phone string, entry disparo.HistoryEntry) error {
	path, err := h.path(phone)
	if err != nil {
		return err
	}
	unlock := h.locks.lock(path)
	defer unlock()

	var entries []disparo.HistoryEntry
	if err := readJSON(path, &entries); err != nil && !isNotExist(err) {
		return fmt.Errorf("reading history: %w", err)
	}
	entries = append(entries, entry)
	if err := writeJSON(path, entries); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return nil
}

// Load returns the contact's log, oldest first. Unknown contacts have none.
func (h *HistoryDir) Load(ctx context.Context, phone string) ([]disparo.HistoryEntry, error) {
	path, err := h.path(phone)
	if err != nil {
		return nil, err
	}
	var entries []disparo.HistoryEntry
	if err := readJSON(path, &entries); err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return entries, nil
}
