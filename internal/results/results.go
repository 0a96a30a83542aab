// Package results lists, deletes and renders the stored outcomes of report
// executions.
package results

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/state"
	"github.com/user/reportd/internal/types"
)

var (
	// ErrNoDocument means the filled document of a result is missing.
	ErrNoDocument = errors.New("filled document not found")
	// ErrUnsupportedFormat is returned for render formats without an exporter.
	ErrUnsupportedFormat = errors.New("unsupported render format")
)

// Exporter writes a filled document in one output format.
type Exporter interface {
	Export(doc *types.FilledDocument, w io.Writer) error
}

// Store combines result metadata with the filled documents on disk.
type Store struct {
	db        types.Persistence
	docs      *state.DocumentStore
	tmpDir    string
	exporters map[types.RenderFormat]Exporter
}

// New creates a Store that renders into tmpDir (os.TempDir when empty).
func New(db types.Persistence, docs *state.DocumentStore, tmpDir string) *Store {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Store{
		db:     db,
		docs:   docs,
		tmpDir: tmpDir,
		exporters: map[types.RenderFormat]Exporter{
			types.FormatPDF:  PDFExporter{},
			types.FormatXLSX: XLSXExporter{},
		},
	}
}

// Documents exposes the filled document store.
func (s *Store) Documents() *state.DocumentStore {
	return s.docs
}

// List returns the results of userID for reportID, newest first.
func (s *Store) List(ctx context.Context, reportID uuid.UUID, userID int32) ([]*types.ReportResult, error) {
	return s.db.ListResults(ctx, reportID, userID)
}

// Delete removes the metadata row and then the filled document. The error
// reports a metadata failure; removed is false when the document could not
// be deleted.
func (s *Store) Delete(ctx context.Context, reportID, jobID uuid.UUID) (removed bool, err error) {
	metaErr := s.db.DeleteResult(ctx, reportID, jobID)
	if metaErr != nil && !errors.Is(metaErr, types.ErrNotFound) {
		return false, metaErr
	}
	// An orphaned document is removed even when the row is already gone.
	if err := s.docs.Delete(ctx, reportID, jobID); err != nil {
		slog.Warn("delete filled document", "report_id", reportID, "job_id", jobID, "error", err)
		return false, metaErr
	}
	return metaErr == nil, metaErr
}

// Render exports the document of (reportID, jobID) to a new temporary file
// and returns its path. The caller owns the file. On failure no file is left.
func (s *Store) Render(ctx context.Context, reportID, jobID uuid.UUID, format types.RenderFormat) (string, error) {
	exp, ok := s.exporters[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	doc, err := s.docs.Get(ctx, reportID, jobID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return "", fmt.Errorf("%w: %s/%s", ErrNoDocument, reportID, jobID)
		}
		return "", err
	}

	path := filepath.Join(s.tmpDir, "render-"+uuid.NewString()+format.Extension())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create render file: %w", err)
	}
	if err := exp.Export(doc, f); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("export %s: %w", format, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close render file: %w", err)
	}
	return path, nil
}
