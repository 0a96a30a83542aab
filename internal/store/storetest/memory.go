// Package storetest provides an in-memory persistence store and fake query
// rows for tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/user/reportd/internal/types"
)

var (
	_ types.Persistence = (*Memory)(nil)
	_ pgx.Rows          = (*Rows)(nil)
)

type key struct {
	report, job uuid.UUID
}

// QueryFunc answers queries issued inside WithTransaction.
type QueryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

// Memory implements types.Persistence in memory.
type Memory struct {
	mu      sync.Mutex
	results map[key]*types.ReportResult

	// Query answers fill queries; nil returns no rows.
	Query QueryFunc
	// CommitErr, when set, makes every transaction fail at commit.
	CommitErr error
	// DeleteErr, when set, makes DeleteResult fail.
	DeleteErr error

	Commits   int
	Rollbacks int
	Dropped   []string
}

func NewMemory() *Memory {
	return &Memory{results: make(map[key]*types.ReportResult)}
}

type querier struct {
	fn QueryFunc
}

func (q querier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if q.fn == nil {
		return NewRows(nil), nil
	}
	return q.fn(ctx, sql, args...)
}

func (m *Memory) WithTransaction(ctx context.Context, fn func(q types.Querier) error) error {
	m.mu.Lock()
	qf := m.Query
	m.mu.Unlock()

	if err := fn(querier{fn: qf}); err != nil {
		m.mu.Lock()
		m.Rollbacks++
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		m.Rollbacks++
		return fmt.Errorf("commit: %w", m.CommitErr)
	}
	m.Commits++
	return nil
}

func (m *Memory) InsertResult(_ context.Context, r *types.ReportResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{r.ReportID, r.JobID}
	if _, ok := m.results[k]; ok {
		return fmt.Errorf("insert result: duplicate key %s/%s", r.ReportID, r.JobID)
	}
	cp := *r
	m.results[k] = &cp
	return nil
}

func (m *Memory) ListResults(ctx context.Context, reportID uuid.UUID, userID int32) ([]*types.ReportResult, error) {
	return m.list(reportID, func(r *types.ReportResult) bool { return r.UserID == userID }), nil
}

func (m *Memory) ListAllResults(ctx context.Context, reportID uuid.UUID) ([]*types.ReportResult, error) {
	return m.list(reportID, func(*types.ReportResult) bool { return true }), nil
}

func (m *Memory) list(reportID uuid.UUID, keep func(*types.ReportResult) bool) []*types.ReportResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ReportResult
	for k, r := range m.results {
		if k.report == reportID && keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionTime.After(out[j].ExecutionTime) })
	return out
}

func (m *Memory) DeleteResult(_ context.Context, reportID, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	k := key{reportID, jobID}
	if _, ok := m.results[k]; !ok {
		return fmt.Errorf("result %s/%s: %w", reportID, jobID, types.ErrNotFound)
	}
	delete(m.results, k)
	return nil
}

func (m *Memory) DropView(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dropped = append(m.Dropped, name)
	return nil
}

// Len returns the number of stored results.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

// Rows is a static pgx.Rows.
type Rows struct {
	fields []pgconn.FieldDescription
	data   [][]any
	pos    int
	closed bool
	err    error
}

// NewRows returns rows with the given column names and values.
func NewRows(columns []string, data ...[]any) *Rows {
	fields := make([]pgconn.FieldDescription, len(columns))
	for i, c := range columns {
		fields[i] = pgconn.FieldDescription{Name: c}
	}
	return &Rows{fields: fields, data: data}
}

// WithErr makes the rows report err after the last row.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

func (r *Rows) Close()     { r.closed = true }
func (r *Rows) Err() error { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data)))
}
func (r *Rows) FieldDescriptions() []pgconn.FieldDescription { return r.fields }
func (r *Rows) RawValues() [][]byte                          { return nil }
func (r *Rows) Conn() *pgx.Conn                              { return nil }

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.data) {
		return nil, errors.New("no current row")
	}
	return r.data[r.pos-1], nil
}

// Scan supports whole-row scanners, which is what pgx.RowToMap uses.
func (r *Rows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("storetest: only row scanners are supported")
}
