package types

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a report, result, or document does not exist.
var ErrNotFound = errors.New("not found")

// TemplateStore resolves compiled report templates.
type TemplateStore interface {
	List() []uuid.UUID
	Load(id uuid.UUID) (*Template, error)
}

// Querier is the query surface a fill runs against; pgx.Tx satisfies it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Persistence stores report result metadata. Each call owns its own
// transaction except WithTransaction, which scopes one to fn.
type Persistence interface {
	WithTransaction(ctx context.Context, fn func(q Querier) error) error
	InsertResult(ctx context.Context, r *ReportResult) error
	ListResults(ctx context.Context, reportID uuid.UUID, userID int32) ([]*ReportResult, error)
	ListAllResults(ctx context.Context, reportID uuid.UUID) ([]*ReportResult, error)
	DeleteResult(ctx context.Context, reportID, jobID uuid.UUID) error
	DropView(ctx context.Context, name string) error
}

// FillEngine produces a filled document from a template and typed parameters.
type FillEngine interface {
	Fill(ctx context.Context, tmpl *Template, params map[string]any, q Querier) (*FilledDocument, error)
}

// Mailer delivers a single message, optionally with a file attachment.
type Mailer interface {
	Send(ctx context.Context, to, subject, body, attachmentName, attachmentPath string) error
}

// Notifier pushes a notification to the connected core server. It reports
// whether the notification was written.
type Notifier interface {
	Notify(kind NotificationKind, data string) bool
}
