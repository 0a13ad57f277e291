// Package postgres provides a backsync.Store on PostgreSQL, for deployments
// where several gateway instances share one backlog.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
)

const (
	createTableSQL = `CREATE TABLE IF NOT EXISTS infergate_sync_items (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT        NOT NULL UNIQUE,
	request_json JSONB       NOT NULL,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	attempt      INTEGER     NOT NULL DEFAULT 0
)`
	insertSQL = `INSERT INTO infergate_sync_items (id, request_json, enqueued_at, attempt)
VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`
	deleteSQL  = `DELETE FROM infergate_sync_items WHERE id = $1`
	attemptSQL = `UPDATE infergate_sync_items SET attempt = $1 WHERE id = $2`
	listSQL    = `SELECT id, request_json, enqueued_at, attempt FROM infergate_sync_items ORDER BY seq ASC`
)

// Store is a PostgreSQL-backed backsync.Store.
type Store struct {
	db     *sql.DB
	logger observe.Logger
}

// New wraps an open connection pool. Call Migrate before first use.
func New(db *sql.DB, logger observe.Logger) *Store {
	if logger == nil {
		logger = observe.Nop()
	}
	return &Store{db: db, logger: logger}
}

// Open connects to dsn, verifies the connection and creates the table.
func Open(ctx context.Context, dsn string, logger observe.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info(ctx, "sync store connected")
	return s, nil
}

// Migrate creates the backlog table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create sync table: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, item backsync.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(item.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	res, err := s.db.ExecContext(ctx, insertSQL, item.ID, body, item.EnqueuedAt.UTC(), item.Attempt)
	if err != nil {
		return fmt.Errorf("failed to append sync item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backsync.ErrDuplicate
	}
	s.logger.Debug(ctx, "sync item appended", observe.F("request_id", item.ID))
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, deleteSQL, id)
	if err != nil {
		return fmt.Errorf("failed to remove sync item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backsync.ErrNotFound
	}
	return nil
}

// SetAttempt implements backsync.AttemptRecorder.
func (s *Store) SetAttempt(ctx context.Context, id string, attempt int) error {
	res, err := s.db.ExecContext(ctx, attemptSQL, attempt, id)
	if err != nil {
		return fmt.Errorf("failed to update sync attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backsync.ErrNotFound
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]backsync.Item, error) {
	rows, err := s.db.QueryContext(ctx, listSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync items: %w", err)
	}
	defer rows.Close()

	items := make([]backsync.Item, 0)
	for rows.Next() {
		var (
			it   backsync.Item
			body []byte
		)
		if err := rows.Scan(&it.ID, &body, &it.EnqueuedAt, &it.Attempt); err != nil {
			return nil, fmt.Errorf("failed to scan sync item: %w", err)
		}
		it.Request = &request.Request{}
		if err := json.Unmarshal(body, it.Request); err != nil {
			s.logger.Error(ctx, "skipping undecodable sync item",
				observe.F("request_id", it.ID), observe.F("error", err))
			continue
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync items: %w", err)
	}
	return items, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.logger.Info(context.Background(), "closing sync store")
	return s.db.Close()
}

var (
	_ backsync.Store           = (*Store)(nil)
	_ backsync.AttemptRecorder = (*Store)(nil)
)
