package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RenderFormat selects the export format of a filled document.
type RenderFormat int32

const (
	FormatNone RenderFormat = 0
	FormatPDF  RenderFormat = 1
	FormatXLSX RenderFormat = 2
)

func (f RenderFormat) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatXLSX:
		return "xlsx"
	default:
		return "none"
	}
}

// Extension returns the file extension used for exported files, including the dot.
func (f RenderFormat) Extension() string {
	switch f {
	case FormatPDF:
		return ".pdf"
	case FormatXLSX:
		return ".xlsx"
	default:
		return ""
	}
}

// ParseRenderFormat accepts a format name ("pdf", "xlsx", "none") or its numeric code.
func ParseRenderFormat(s string) (RenderFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return FormatNone, nil
	case "pdf", "1":
		return FormatPDF, nil
	case "xlsx", "2":
		return FormatXLSX, nil
	}
	return FormatNone, fmt.Errorf("unknown render format %q", s)
}

// UnmarshalJSON accepts either a string name or a number.
func (f *RenderFormat) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := ParseRenderFormat(s)
		if err != nil {
			return err
		}
		*f = v
		return nil
	}
	var n int32
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("render format: %w", err)
	}
	v, err := ParseRenderFormat(strconv.Itoa(int(n)))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// MarshalJSON encodes the format by name.
func (f RenderFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// ReportParameter is one parameter declared by a report template.
type ReportParameter struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Class        string `json:"class,omitempty"`
	Description  string `json:"description,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	Index        int    `json:"index"`
	Span         int    `json:"span,omitempty"`
	DependsOn    string `json:"depends_on,omitempty"`
	Prompt       bool   `json:"prompt"`
	System       bool   `json:"-"`
}

// ReportDefinition describes a deployed report as shown to the core server.
type ReportDefinition struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"name"`
	Parameters []ReportParameter `json:"parameters"`
}

// Column is a single output column of a report query.
type Column struct {
	Name  string  `json:"name"`
	Label string  `json:"label,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// Template is a compiled report template loaded from a deployed bundle.
type Template struct {
	Definition   ReportDefinition
	Title        string
	Query        string
	Args         []string
	Columns      []Column
	Dir          string
	SubreportDir string
}

// JobConfiguration is a single report execution request.
type JobConfiguration struct {
	ReportID        uuid.UUID         `json:"reportId"`
	JobID           uuid.UUID         `json:"jobId"`
	Parameters      map[string]string `json:"parameters"`
	RenderFormat    RenderFormat      `json:"renderFormat"`
	UserID          int32             `json:"userId"`
	Locale          string            `json:"locale,omitempty"`
	EmailRecipients []string          `json:"emailRecipients,omitempty"`
	AuthToken       string            `json:"authToken,omitempty"`
	DataView        string            `json:"dataView,omitempty"`
}

// jobConfigurationJSON mirrors JobConfiguration with ids as plain strings so
// that an empty or missing job id is not a decoding error.
type jobConfigurationJSON struct {
	ReportID        string            `json:"reportId"`
	JobID           string            `json:"jobId"`
	Parameters      map[string]string `json:"parameters"`
	RenderFormat    RenderFormat      `json:"renderFormat"`
	UserID          int32             `json:"userId"`
	Locale          string            `json:"locale"`
	EmailRecipients []string          `json:"emailRecipients"`
	AuthToken       string            `json:"authToken"`
	DataView        string            `json:"dataView"`
}

// ParseJobConfiguration decodes a job configuration document. The report id
// is mandatory; a missing job id is left as uuid.Nil for the caller to fill.
func ParseJobConfiguration(data []byte) (*JobConfiguration, error) {
	var raw jobConfigurationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode job configuration: %w", err)
	}
	reportID, err := ParseID(raw.ReportID)
	if err != nil {
		return nil, fmt.Errorf("report id: %w", err)
	}
	if reportID == uuid.Nil {
		return nil, fmt.Errorf("report id is required")
	}
	jobID, err := ParseID(raw.JobID)
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	params := raw.Parameters
	if params == nil {
		params = map[string]string{}
	}
	return &JobConfiguration{
		ReportID:        reportID,
		JobID:           jobID,
		Parameters:      params,
		RenderFormat:    raw.RenderFormat,
		UserID:          raw.UserID,
		Locale:          raw.Locale,
		EmailRecipients: raw.EmailRecipients,
		AuthToken:       raw.AuthToken,
		DataView:        raw.DataView,
	}, nil
}

// ReportResult is the metadata row recorded for one successful execution.
type ReportResult struct {
	ExecutionTime time.Time `json:"execution_time"`
	ReportID      uuid.UUID `json:"report_id"`
	JobID         uuid.UUID `json:"job_id"`
	UserID        int32     `json:"user_id"`
	Success       bool      `json:"success"`
}

// FilledDocument is the format-independent output of one report fill.
type FilledDocument struct {
	ReportID    uuid.UUID         `json:"report_id"`
	JobID       uuid.UUID         `json:"job_id"`
	Title       string            `json:"title"`
	Columns     []Column          `json:"columns"`
	Rows        [][]any           `json:"rows"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// NotificationKind identifies a proactive notification sent to the core server.
type NotificationKind int32

const (
	NotifyResultsModified      NotificationKind = 1
	NotifyAccessSnapshotNeeded NotificationKind = 2
)
