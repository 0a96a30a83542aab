// Package store persists report result metadata in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/types"
)

// ErrNotConfigured is returned until a database connection has been configured.
var ErrNotConfigured = errors.New("persistence store is not configured")

const schema = `
CREATE TABLE IF NOT EXISTS report_results (
	report_id      uuid        NOT NULL,
	job_id         uuid        NOT NULL,
	user_id        integer     NOT NULL,
	execution_time timestamptz NOT NULL,
	success        boolean     NOT NULL DEFAULT true,
	PRIMARY KEY (report_id, job_id)
);
CREATE INDEX IF NOT EXISTS report_results_user_idx
	ON report_results (report_id, user_id, execution_time DESC);
`

const connectTimeout = 10 * time.Second

var _ types.Persistence = (*Store)(nil)

// Store implements types.Persistence on a pgx connection pool. The pool is
// replaced whenever the configured DSN changes.
type Store struct {
	mu   sync.RWMutex
	pool *pgxpool.Pool
	dsn  string
}

func New() *Store {
	return &Store{}
}

// Connect opens a pool for dsn, creates the schema and swaps it in. The
// previous pool, if any, is closed.
func (s *Store) Connect(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return fmt.Errorf("create schema: %w", err)
	}

	s.mu.Lock()
	old := s.pool
	s.pool, s.dsn = pool, dsn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// Reconfigure is a config.Settings listener that reconnects when the DSN changes.
func (s *Store) Reconfigure(_, cur config.Snapshot) {
	s.mu.RLock()
	same := cur.DSN == s.dsn
	s.mu.RUnlock()
	if same {
		return
	}
	if cur.DSN == "" {
		s.Close()
		slog.Warn("database connection removed by configuration")
		return
	}
	if err := s.Connect(context.Background(), cur.DSN); err != nil {
		slog.Error("database reconnect failed", "error", err)
		return
	}
	slog.Info("database connected")
}

// Close releases the pool. The store reports ErrNotConfigured afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	pool := s.pool
	s.pool, s.dsn = nil, ""
	s.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}

func (s *Store) db() (*pgxpool.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WithTransaction runs fn inside a transaction that is committed when fn
// returns nil and rolled back otherwise.
func (s *Store) WithTransaction(ctx context.Context, fn func(q types.Querier) error) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback if commit doesn't happen

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) InsertResult(ctx context.Context, r *types.ReportResult) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO report_results (report_id, job_id, user_id, execution_time, success)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ReportID, r.JobID, r.UserID, r.ExecutionTime, r.Success)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns the results of one user for a report, newest first.
func (s *Store) ListResults(ctx context.Context, reportID uuid.UUID, userID int32) ([]*types.ReportResult, error) {
	return s.query(ctx,
		`SELECT report_id, job_id, user_id, execution_time, success
		   FROM report_results
		  WHERE report_id = $1 AND user_id = $2
		  ORDER BY execution_time DESC`, reportID, userID)
}

// ListAllResults returns the results of every user for a report, newest first.
func (s *Store) ListAllResults(ctx context.Context, reportID uuid.UUID) ([]*types.ReportResult, error) {
	return s.query(ctx,
		`SELECT report_id, job_id, user_id, execution_time, success
		   FROM report_results
		  WHERE report_id = $1
		  ORDER BY execution_time DESC`, reportID)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*types.ReportResult, error) {
	pool, err := s.db()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanResult)
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}
	return results, nil
}

func scanResult(row pgx.CollectableRow) (*types.ReportResult, error) {
	var r types.ReportResult
	err := row.Scan(&r.ReportID, &r.JobID, &r.UserID, &r.ExecutionTime, &r.Success)
	return &r, err
}

// DeleteResult removes one result row. A missing row yields types.ErrNotFound.
func (s *Store) DeleteResult(ctx context.Context, reportID, jobID uuid.UUID) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx,
		`DELETE FROM report_results WHERE report_id = $1 AND job_id = $2`, reportID, jobID)
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result %s/%s: %w", reportID, jobID, types.ErrNotFound)
	}
	return nil
}

// DropView drops a per-job data view. name may be schema qualified.
func (s *Store) DropView(ctx context.Context, name string) error {
	pool, err := s.db()
	if err != nil {
		return err
	}
	ident := pgx.Identifier(strings.Split(name, "."))
	if _, err := pool.Exec(ctx, "DROP VIEW IF EXISTS "+ident.Sanitize()); err != nil {
		return fmt.Errorf("drop view %s: %w", name, err)
	}
	return nil
}
