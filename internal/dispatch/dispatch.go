// Package dispatch maps decoded requests to report server operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/results"
	"github.com/user/reportd/internal/session"
	"github.com/user/reportd/internal/store"
	"github.com/user/reportd/internal/template"
	"github.com/user/reportd/internal/types"
	"github.com/user/reportd/internal/wire"
)

var (
	errInvalidArgument = errors.New("invalid argument")
	errIO              = errors.New("i/o error")
)

// Submitter queues report executions.
type Submitter interface {
	Submit(cfg *types.JobConfiguration) (uuid.UUID, error)
}

// ResultStore lists, deletes and renders stored results.
type ResultStore interface {
	List(ctx context.Context, reportID uuid.UUID, userID int32) ([]*types.ReportResult, error)
	Delete(ctx context.Context, reportID, jobID uuid.UUID) (bool, error)
	Render(ctx context.Context, reportID, jobID uuid.UUID, format types.RenderFormat) (string, error)
}

// Limits are announced during capability negotiation.
type Limits struct {
	MaxFrameSize int
	ChunkSize    int
}

// Dispatcher implements session.Handler.
type Dispatcher struct {
	templates types.TemplateStore
	settings  *config.Settings
	jobs      Submitter
	results   ResultStore
	notifier  types.Notifier
	limits    Limits

	handlers map[wire.Code]func(context.Context, *wire.Message) session.Response
}

var _ session.Handler = (*Dispatcher)(nil)

// New creates a Dispatcher. notifier may be nil.
func New(templates types.TemplateStore, settings *config.Settings, jobs Submitter, res ResultStore, notifier types.Notifier, limits Limits) *Dispatcher {
	if limits.MaxFrameSize <= 0 {
		limits.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = wire.DefaultChunkSize
	}
	d := &Dispatcher{
		templates: templates,
		settings:  settings,
		jobs:      jobs,
		results:   res,
		notifier:  notifier,
		limits:    limits,
	}
	d.handlers = map[wire.Code]func(context.Context, *wire.Message) session.Response{
		wire.CodeKeepalive:           d.keepalive,
		wire.CodeGetCapabilities:     d.capabilities,
		wire.CodeConfigure:           d.configure,
		wire.CodeListReports:         d.listReports,
		wire.CodeGetReportDefinition: d.getDefinition,
		wire.CodeExecuteReport:       d.execute,
		wire.CodeListResults:         d.listResults,
		wire.CodeRenderResult:        d.render,
		wire.CodeDeleteResult:        d.deleteResult,
	}
	return d
}

// Handle answers req with exactly one reply. Unknown codes are answered with
// not-implemented.
func (d *Dispatcher) Handle(ctx context.Context, req *wire.Message) session.Response {
	h, ok := d.handlers[req.Code]
	if !ok {
		slog.Warn("unsupported request", "code", fmt.Sprintf("0x%04x", uint16(req.Code)), "id", req.ID)
		return reply(req, wire.RCNotImplemented)
	}
	slog.Debug("request", "code", req.Code.String(), "id", req.ID)
	return h(ctx, req)
}

func reply(req *wire.Message, rc wire.ResultCode) session.Response {
	return session.Response{Reply: wire.NewReply(req, rc)}
}

func failure(req *wire.Message, err error) session.Response {
	rc := resultCodeFor(err)
	slog.Warn("request failed", "code", req.Code.String(), "id", req.ID, "result", rc, "error", err)
	m := wire.NewReply(req, rc)
	m.SetString(wire.TagErrorText, err.Error())
	return session.Response{Reply: m}
}

// resultCodeFor is the single mapping from errors to wire result codes.
func resultCodeFor(err error) wire.ResultCode {
	switch {
	case err == nil:
		return wire.RCSuccess
	case errors.Is(err, errInvalidArgument), errors.Is(err, results.ErrUnsupportedFormat):
		return wire.RCInvalidArgument
	case errors.Is(err, types.ErrNotFound):
		return wire.RCNotFound
	case errors.Is(err, errIO), errors.Is(err, results.ErrNoDocument), errors.Is(err, store.ErrNotConfigured):
		return wire.RCIOError
	default:
		return wire.RCInternalError
	}
}

func (d *Dispatcher) keepalive(_ context.Context, req *wire.Message) session.Response {
	return reply(req, wire.RCSuccess)
}

func (d *Dispatcher) capabilities(_ context.Context, req *wire.Message) session.Response {
	m := wire.NewReply(req, wire.RCSuccess)
	m.SetInt32(wire.TagProtocolVersion, wire.ProtocolVersion)
	m.SetInt32(wire.TagMaxFrameSize, int32(d.limits.MaxFrameSize))
	m.SetInt32(wire.TagChunkSize, int32(d.limits.ChunkSize))
	return session.Response{Reply: m}
}

func (d *Dispatcher) configure(_ context.Context, req *wire.Message) session.Response {
	props := DecodeProperties(req)
	d.settings.Apply(props)
	return reply(req, wire.RCSuccess)
}

func (d *Dispatcher) listReports(_ context.Context, req *wire.Message) session.Response {
	m := wire.NewReply(req, wire.RCSuccess)
	EncodeReportIDs(m, d.templates.List())
	return session.Response{Reply: m}
}

func (d *Dispatcher) getDefinition(_ context.Context, req *wire.Message) session.Response {
	id := req.UUID(wire.TagReportID)
	if id == uuid.Nil {
		return failure(req, fmt.Errorf("%w: report id missing", errInvalidArgument))
	}
	tmpl, err := d.templates.Load(id)
	if err != nil {
		return failure(req, fmt.Errorf("%w: report %s: %v", types.ErrNotFound, id, err))
	}
	m := wire.NewReply(req, wire.RCSuccess)
	EncodeDefinition(m, localizeDefinition(tmpl, req.Text(wire.TagLocale)))
	return session.Response{Reply: m}
}

// localizeDefinition returns a copy of the report definition with its name
// and parameter descriptions taken from the bundle for locale. Keys are
// "name" and "param.<parameter name>"; missing keys keep the deployed text.
func localizeDefinition(tmpl *types.Template, locale string) types.ReportDefinition {
	def := tmpl.Definition
	bundle, err := template.Bundle(tmpl, locale)
	if err != nil {
		slog.Warn("load translations", "report_id", def.ID, "locale", locale, "error", err)
	}
	if len(bundle) == 0 {
		return def
	}
	if v := bundle["name"]; v != "" {
		def.Name = v
	}
	def.Parameters = make([]types.ReportParameter, len(tmpl.Definition.Parameters))
	for i, p := range tmpl.Definition.Parameters {
		if v := bundle["param."+p.Name]; v != "" {
			p.Description = v
		}
		def.Parameters[i] = p
	}
	return def
}

func (d *Dispatcher) execute(_ context.Context, req *wire.Message) session.Response {
	cfg, err := types.ParseJobConfiguration(req.Bytes(wire.TagJobConfiguration))
	if err != nil {
		return failure(req, fmt.Errorf("%w: %v", errInvalidArgument, err))
	}
	jobID, err := d.jobs.Submit(cfg)
	if err != nil {
		return failure(req, err)
	}
	m := wire.NewReply(req, wire.RCSuccess)
	m.SetUUID(wire.TagJobID, jobID)
	return session.Response{Reply: m}
}

func (d *Dispatcher) listResults(ctx context.Context, req *wire.Message) session.Response {
	reportID := req.UUID(wire.TagReportID)
	if reportID == uuid.Nil {
		return failure(req, fmt.Errorf("%w: report id missing", errInvalidArgument))
	}
	list, err := d.results.List(ctx, reportID, req.Int32(wire.TagUserID))
	if err != nil {
		return failure(req, err)
	}
	m := wire.NewReply(req, wire.RCSuccess)
	EncodeResults(m, list)
	return session.Response{Reply: m}
}

func (d *Dispatcher) render(ctx context.Context, req *wire.Message) session.Response {
	reportID, jobID := req.UUID(wire.TagReportID), req.UUID(wire.TagJobID)
	if reportID == uuid.Nil || jobID == uuid.Nil {
		return failure(req, fmt.Errorf("%w: report and job id are required", errInvalidArgument))
	}
	format := types.RenderFormat(req.Int32(wire.TagRenderFormat))
	path, err := d.results.Render(ctx, reportID, jobID, format)
	if err != nil {
		if !errors.Is(err, results.ErrUnsupportedFormat) {
			err = fmt.Errorf("%w: %w", errIO, err)
		}
		return failure(req, err)
	}
	return session.Response{Reply: wire.NewReply(req, wire.RCSuccess), File: path}
}

func (d *Dispatcher) deleteResult(ctx context.Context, req *wire.Message) session.Response {
	reportID, jobID := req.UUID(wire.TagReportID), req.UUID(wire.TagJobID)
	if reportID == uuid.Nil || jobID == uuid.Nil {
		return failure(req, fmt.Errorf("%w: report and job id are required", errInvalidArgument))
	}
	removed, err := d.results.Delete(ctx, reportID, jobID)
	if d.notifier != nil {
		d.notifier.Notify(types.NotifyResultsModified, reportID.String())
	}
	switch {
	case err != nil:
		return failure(req, err)
	case !removed:
		return failure(req, fmt.Errorf("%w: filled document of %s could not be removed", errIO, jobID))
	}
	return reply(req, wire.RCSuccess)
}
