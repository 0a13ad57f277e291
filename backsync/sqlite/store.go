// Package sqlite provides a backsync.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/request"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_items (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	request_json BLOB    NOT NULL,
	enqueued_at  INTEGER NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 0
)`

// Store is a SQLite-backed backsync.Store. Items are ordered by insertion.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer keeps appends strictly ordered.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append stores item after every existing item.
func (s *Store) Append(ctx context.Context, item backsync.Item) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(item.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_items (id, request_json, enqueued_at, attempt) VALUES (?, ?, ?, ?)`,
		item.ID, body, item.EnqueuedAt.UnixNano(), item.Attempt)
	if err != nil {
		return fmt.Errorf("append sync item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backsync.ErrDuplicate
	}
	return nil
}

// Remove deletes the item with the given ID.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove sync item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backsync.ErrNotFound
	}
	return nil
}

// SetAttempt implements backsync.AttemptRecorder.
func (s *Store) SetAttempt(ctx context.Context, id string, attempt int) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE sync_items SET attempt = ? WHERE id = ?`, attempt, id)
	if err != nil {
		return fmt.Errorf("update sync attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return backsync.ErrNotFound
	}
	return nil
}

// ListPending returns every item in insertion order.
func (s *Store) ListPending(ctx context.Context) ([]backsync.Item, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, request_json, enqueued_at, attempt FROM sync_items ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sync items: %w", err)
	}
	defer rows.Close()

	items := make([]backsync.Item, 0)
	for rows.Next() {
		var (
			it       backsync.Item
			body     []byte
			enqueued int64
		)
		if err := rows.Scan(&it.ID, &body, &enqueued, &it.Attempt); err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		it.Request = &request.Request{}
		if err := json.Unmarshal(body, it.Request); err != nil {
			return nil, fmt.Errorf("decode sync item %s: %w", it.ID, err)
		}
		it.EnqueuedAt = time.Unix(0, enqueued).UTC()
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync items: %w", err)
	}
	return items, nil
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

var (
	_ backsync.Store           = (*Store)(nil)
	_ backsync.AttemptRecorder = (*Store)(nil)
)

