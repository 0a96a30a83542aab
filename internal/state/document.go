package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/types"
)

// DocumentMeta describes a stored filled document.
type DocumentMeta struct {
	ReportID  uuid.UUID `json:"report_id"`
	JobID     uuid.UUID `json:"job_id"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// documentWrapper is the on-disk format for document files.
// Each document is stored as {"meta": ..., "data": ...}.
type documentWrapper struct {
	Meta *DocumentMeta   `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// DocumentStore stores filled documents as individual JSON files.
// Files are located at results/<reportID>/<jobID>.json.
type DocumentStore struct {
	root string
}

// NewDocumentStore creates a new file-backed DocumentStore rooted at the given directory.
func NewDocumentStore(root string) *DocumentStore {
	return &DocumentStore{root: root}
}

func (d *DocumentStore) reportDir(reportID uuid.UUID) string {
	return filepath.Join(d.root, "results", reportID.String())
}

// Path returns where the document for (reportID, jobID) is stored.
func (d *DocumentStore) Path(reportID, jobID uuid.UUID) string {
	return filepath.Join(d.reportDir(reportID), jobID.String()+".json")
}

func (d *DocumentStore) readWrapper(reportID, jobID uuid.UUID) (*documentWrapper, error) {
	data, err := os.ReadFile(d.Path(reportID, jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("document %s/%s: %w", reportID, jobID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read document file: %w", err)
	}

	var wrapper documentWrapper
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &wrapper, nil
}

// Put stores doc, replacing any previous document with the same key.
func (d *DocumentStore) Put(_ context.Context, doc *types.FilledDocument) error {
	rawData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document data: %w", err)
	}
	wrapper := &documentWrapper{
		Meta: &DocumentMeta{
			ReportID:  doc.ReportID,
			JobID:     doc.JobID,
			Rows:      len(doc.Rows),
			CreatedAt: time.Now(),
		},
		Data: json.RawMessage(rawData),
	}
	content, err := json.Marshal(wrapper)
	if err != nil {
		return fmt.Errorf("marshal document wrapper: %w", err)
	}

	dir := d.reportDir(doc.ReportID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}

	// Atomic write via temp file + rename
	target := d.Path(doc.ReportID, doc.JobID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp document: %w", err)
	}
	return nil
}

// Get returns the stored document.
func (d *DocumentStore) Get(_ context.Context, reportID, jobID uuid.UUID) (*types.FilledDocument, error) {
	wrapper, err := d.readWrapper(reportID, jobID)
	if err != nil {
		return nil, err
	}
	var doc types.FilledDocument
	if err := json.Unmarshal(wrapper.Data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document data: %w", err)
	}
	return &doc, nil
}

// GetMeta returns the metadata of the stored document.
func (d *DocumentStore) GetMeta(_ context.Context, reportID, jobID uuid.UUID) (*DocumentMeta, error) {
	wrapper, err := d.readWrapper(reportID, jobID)
	if err != nil {
		return nil, err
	}
	return wrapper.Meta, nil
}

// Delete removes the document. A document that does not exist is not an error.
func (d *DocumentStore) Delete(_ context.Context, reportID, jobID uuid.UUID) error {
	if err := os.Remove(d.Path(reportID, jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	// Drop the per-report directory once it is empty; failure means it is not.
	_ = os.Remove(d.reportDir(reportID))
	return nil
}
