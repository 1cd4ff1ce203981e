// Package schedule sends one-off messages at a given time of day. Items are
// kept in sqlite; the ones due on the current day are armed as timers at
// every local midnight.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/disparo"
)

// ErrNotFound is returned for unknown schedule ids.
var ErrNotFound = errors.New("schedule not found")

// Message is one scheduled send.
type Message struct {
	ID        string            `json:"id"`
	Phone     string            `json:"phone"`
	Text      string            `json:"message"`
	MediaFile string            `json:"mediaFile,omitempty"`
	MediaKind disparo.MediaKind `json:"mediaKind,omitempty"`
	SendAt    time.Time         `json:"sendAt"`
	SentAt    *time.Time        `json:"sentAt,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

// Validate checks the fields required to send.
func (m Message) Validate() error {
	if m.Phone == "" {
		return errors.New("phone is required")
	}
	if m.Text == "" && m.MediaFile == "" {
		return errors.New("message or mediaFile is required")
	}
	if m.SendAt.IsZero() {
		return errors.New("sendAt is required")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id         TEXT PRIMARY KEY,
	phone      TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	media_file TEXT NOT NULL DEFAULT '',
	media_kind TEXT NOT NULL DEFAULT '',
	send_at    INTEGER NOT NULL,
	sent_at    INTEGER,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS schedules_pending ON schedules (send_at) WHERE sent_at IS NULL;`

// Store persists scheduled messages in sqlite. Times are stored as unix
// milliseconds.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and creates) the database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening schedule store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schedule schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Insert adds m; m.ID must be set.
func (s *Store) Insert(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, phone, message, media_file, media_kind, send_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Phone, m.Text, m.MediaFile, string(m.MediaKind), m.SendAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

// Get returns one message.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM schedules WHERE id = ?`, id)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// All returns every message ordered by send time.
func (s *Store) All(ctx context.Context) ([]Message, error) {
	return s.query(ctx, `SELECT `+columns+` FROM schedules ORDER BY send_at, id`)
}

// PendingBefore returns unsent messages due before t.
func (s *Store) PendingBefore(ctx context.Context, t time.Time) ([]Message, error) {
	return s.query(ctx, `SELECT `+columns+` FROM schedules WHERE sent_at IS NULL AND send_at < ? ORDER BY send_at, id`, t.UnixMilli())
}

// Claim stamps a pending message as taken. It reports false when the
// message is already sent or claimed by another delivery.
func (s *Store) Claim(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, at.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("claiming schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming schedule: %w", err)
	}
	return n == 1, nil
}

// MarkSent stamps the message as done. lastError is kept for messages that
// were dropped rather than delivered.
func (s *Store) MarkSent(ctx context.Context, id string, at time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET sent_at = ?, last_error = ? WHERE id = ?`, at.UnixMilli(), lastError, id)
	if err != nil {
		return fmt.Errorf("marking schedule sent: %w", err)
	}
	return nil
}

// MarkFailed records a transient failure and releases any claim; the
// message stays pending.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET sent_at = NULL, last_error = ? WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("recording schedule failure: %w", err)
	}
	return nil
}

// Delete removes a message.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const columns = `id, phone, message, media_file, media_kind, send_at, sent_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Message, error) {
	var (
		m      Message
		kind   string
		sendAt int64
		sentAt sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Phone, &m.Text, &m.MediaFile, &kind, &sendAt, &sentAt, &m.LastError); err != nil {
		return Message{}, err
	}
	m.MediaKind = disparo.MediaKind(kind)
	m.SendAt = time.UnixMilli(sendAt)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		m.SentAt = &t
	}
	return m, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying schedules: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
