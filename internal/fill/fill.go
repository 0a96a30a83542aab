// Package fill runs a report query and turns its rows into a filled document.
package fill

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/user/reportd/internal/params"
	"github.com/user/reportd/internal/types"
)

// DataViewPlaceholder in a query is replaced by the quoted data view name.
const DataViewPlaceholder = "{{data_view}}"

// ErrNoDataView is returned when a query references the data view but the job
// did not supply one.
var ErrNoDataView = errors.New("query needs a data view but none was supplied")

// Engine implements types.FillEngine.
type Engine struct {
	// MaxRows bounds the document size; 0 means unlimited.
	MaxRows int
	Now     func() time.Time
}

func New() *Engine {
	return &Engine{Now: time.Now}
}

// Fill runs tmpl.Query through q with the arguments named by tmpl.Args. The
// returned document carries the report id; the caller assigns the job id.
func (e *Engine) Fill(ctx context.Context, tmpl *types.Template, values map[string]any, q types.Querier) (*types.FilledDocument, error) {
	sql, err := expandQuery(tmpl.Query, values)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(tmpl.Args))
	for i, name := range tmpl.Args {
		args[i] = values[name]
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("run report query: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect report rows: %w", err)
	}
	if e.MaxRows > 0 && len(records) > e.MaxRows {
		return nil, fmt.Errorf("report returned %d rows, limit is %d", len(records), e.MaxRows)
	}

	bundle, _ := values[params.ResourceBundle].(map[string]string)
	cols := make([]types.Column, len(tmpl.Columns))
	for i, c := range tmpl.Columns {
		cols[i] = c
		cols[i].Label = translate(bundle, "column."+c.Name, c.Label, c.Name)
	}

	out := make([][]any, 0, len(records))
	for i, rec := range records {
		row := make([]any, len(cols))
		for j, c := range cols {
			v, ok := rec[c.Name]
			if !ok {
				if i == 0 {
					return nil, fmt.Errorf("query does not return column %q", c.Name)
				}
				continue
			}
			row[j] = normalize(v)
		}
		out = append(out, row)
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return &types.FilledDocument{
		ReportID:    tmpl.Definition.ID,
		Title:       translate(bundle, "title", tmpl.Title, tmpl.Definition.Name),
		Columns:     cols,
		Rows:        out,
		Parameters:  printable(values),
		GeneratedAt: now().UTC().Truncate(time.Second),
	}, nil
}

func expandQuery(query string, values map[string]any) (string, error) {
	if !strings.Contains(query, DataViewPlaceholder) {
		return query, nil
	}
	view, _ := values[params.DataView].(string)
	if view == "" {
		return "", ErrNoDataView
	}
	return strings.ReplaceAll(query, DataViewPlaceholder, pgx.Identifier{view}.Sanitize()), nil
}

func translate(bundle map[string]string, key string, fallbacks ...string) string {
	if v, ok := bundle[key]; ok && v != "" {
		return v
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}

// normalize converts driver values into JSON-stable scalars.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int16, int32, int64, int, float32, float64:
		return x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case []byte:
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case driver.Valuer:
		dv, err := x.Value()
		if err != nil {
			return fmt.Sprint(x)
		}
		return normalize(dv)
	default:
		return fmt.Sprint(x)
	}
}

// printable renders the parameter values as strings, leaving out the
// translation bundle.
func printable(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if k == params.ResourceBundle {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
