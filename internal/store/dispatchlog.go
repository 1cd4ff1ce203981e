package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// DispatchLogFile appends one JSON line per send attempt to
// reports/dispatch-YYYY-MM-DD.jsonl, dated by the entry timestamp.
type DispatchLogFile struct {
	dir string
	mu  sync.Mutex
}

func (l *DispatchLogFile) path(day time.Time) string {
	return filepath.Join(l.dir, "dispatch-"+day.Format("2006-01-02")+".jsonl")
}

// Record appends entry.
func (l *DispatchLogFile) Record(ctx context.Context, entry disparo.ReportEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding dispatch entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path(entry.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("opening dispatch log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("writing dispatch log: %w", err)
	}
	return nil
}

// Entries reads the log of day. Lines that do not decode are skipped.
func (l *DispatchLogFile) Entries(ctx context.Context, day time.Time) ([]disparo.ReportEntry, error) {
	f, err := os.Open(l.path(day))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dispatch log: %w", err)
	}
	defer f.Close()

	var entries []disparo.ReportEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e disparo.ReportEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			logger.Warn("skipping malformed dispatch log line", "file", filepath.Base(l.path(day)), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("reading dispatch log: %w", err)
	}
	return entries, nil
}
