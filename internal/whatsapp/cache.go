package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RegistrationCache remembers positive registration checks in sqlite so a
// restarted tenant does not re-query numbers it already resolved.
type RegistrationCache struct {
	db  *sql.DB
	ttl time.Duration
}

const registrationSchema = `
CREATE TABLE IF NOT EXISTS registrations (
	phone      TEXT PRIMARY KEY,
	jid        TEXT NOT NULL,
	checked_at INTEGER NOT NULL
)`

// OpenRegistrationCache opens (or creates) the cache database at path.
func OpenRegistrationCache(path string, ttl time.Duration) (*RegistrationCache, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening registration cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(registrationSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating registration cache: %w", err)
	}
	return &RegistrationCache{db: db, ttl: ttl}, nil
}

// Get returns the cached chat id for phone if it was checked within the TTL.
func (c *RegistrationCache) Get(ctx context.Context, phone string, now time.Time) (string, bool, error) {
	var jid string
	var checkedAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT jid, checked_at FROM registrations WHERE phone = ?`, phone).Scan(&jid, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if c.ttl > 0 && now.Sub(time.Unix(checkedAt, 0)) > c.ttl {
		return "", false, nil
	}
	return jid, true, nil
}

// Put stores a positive check.
func (c *RegistrationCache) Put(ctx context.Context, phone, jid string, now time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO registrations (phone, jid, checked_at) VALUES (?, ?, ?)
		 ON CONFLICT(phone) DO UPDATE SET jid = excluded.jid, checked_at = excluded.checked_at`,
		phone, jid, now.Unix())
	return err
}

// Purge deletes entries older than the TTL and returns how many went.
func (c *RegistrationCache) Purge(ctx context.Context, now time.Time) (int64, error) {
	if c.ttl <= 0 {
		return 0, nil
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM registrations WHERE checked_at < ?`, now.Add(-c.ttl).Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (c *RegistrationCache) Close() error {
	return c.db.Close()
}
