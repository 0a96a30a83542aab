// Package engine executes report jobs: parameter building, the transactional
// fill, result bookkeeping, completion mails and notifications.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/params"
	"github.com/user/reportd/internal/results"
	"github.com/user/reportd/internal/template"
	"github.com/user/reportd/internal/types"
)

// Deps are the collaborators of an Engine. Mailer and Notifier may be nil.
type Deps struct {
	Templates types.TemplateStore
	Fill      types.FillEngine
	DB        types.Persistence
	Results   *results.Store
	Mailer    types.Mailer
	Notifier  types.Notifier
	Settings  *config.Settings
}

// Engine runs one job at a time per call; it is safe for concurrent use.
type Engine struct {
	Deps
	Now func() time.Time
}

// New creates an Engine.
func New(deps Deps) *Engine {
	if deps.Settings == nil {
		deps.Settings = config.NewSettings(nil)
	}
	return &Engine{Deps: deps, Now: time.Now}
}

// Execute runs cfg to completion. A failed execution leaves neither a result
// row nor a filled document behind. The data view, if any, is dropped in
// every case.
func (e *Engine) Execute(ctx context.Context, cfg *types.JobConfiguration) error {
	log := slog.With("report_id", cfg.ReportID, "job_id", cfg.JobID, "user_id", cfg.UserID)
	if cfg.DataView != "" {
		defer e.dropView(ctx, log, cfg.DataView)
	}

	tmpl, err := e.Templates.Load(cfg.ReportID)
	if err != nil {
		log.Error("load report template", "error", err)
		return fmt.Errorf("load template %s: %w", cfg.ReportID, err)
	}

	e.notify(types.NotifyAccessSnapshotNeeded, strconv.FormatInt(int64(cfg.UserID), 10))

	bundle, err := template.Bundle(tmpl, cfg.Locale)
	if err != nil {
		log.Warn("translation bundle unavailable", "locale", cfg.Locale, "error", err)
	}
	snap := e.Settings.Snapshot()
	values := params.Build(tmpl.Definition.Parameters, cfg.Parameters, params.Context{
		Locale:       cfg.Locale,
		Bundle:       bundle,
		SubreportDir: tmpl.SubreportDir,
		UserID:       cfg.UserID,
		DataView:     cfg.DataView,
		Location:     snap.Location,
	})

	start := e.Now()
	docs := e.Results.Documents()
	stored := false
	err = e.DB.WithTransaction(ctx, func(q types.Querier) error {
		doc, err := e.Fill.Fill(ctx, tmpl, values, q)
		if err != nil {
			return err
		}
		doc.JobID = cfg.JobID
		if err := docs.Put(ctx, doc); err != nil {
			return err
		}
		stored = true
		return nil
	})
	if err == nil {
		err = e.DB.InsertResult(ctx, &types.ReportResult{
			ExecutionTime: start.UTC(),
			ReportID:      cfg.ReportID,
			JobID:         cfg.JobID,
			UserID:        cfg.UserID,
			Success:       true,
		})
	}
	if err != nil {
		if stored {
			if delErr := docs.Delete(ctx, cfg.ReportID, cfg.JobID); delErr != nil {
				log.Warn("remove filled document of failed job", "error", delErr)
			}
		}
		log.Error("report execution failed", "error", err)
		return fmt.Errorf("execute report %s: %w", cfg.ReportID, err)
	}
	log.Info("report executed", "duration", e.Now().Sub(start))

	if len(cfg.EmailRecipients) > 0 {
		e.mail(ctx, log, tmpl, cfg, start)
	}
	e.notify(types.NotifyResultsModified, cfg.ReportID.String())
	return nil
}

func (e *Engine) notify(kind types.NotificationKind, data string) {
	if e.Notifier == nil {
		return
	}
	if !e.Notifier.Notify(kind, data) {
		slog.Debug("notification not delivered", "kind", kind, "data", data)
	}
}

func (e *Engine) dropView(ctx context.Context, log *slog.Logger, name string) {
	if err := e.DB.DropView(ctx, name); err != nil {
		log.Warn("drop data view", "view", name, "error", err)
	}
}

// mail renders the result once and sends it to every recipient. Failures are
// logged per recipient and do not fail the job.
func (e *Engine) mail(ctx context.Context, log *slog.Logger, tmpl *types.Template, cfg *types.JobConfiguration, executed time.Time) {
	if e.Mailer == nil {
		log.Warn("mail recipients given but no mailer configured")
		return
	}
	format := cfg.RenderFormat
	if format != types.FormatPDF && format != types.FormatXLSX {
		format = types.FormatPDF
	}
	path, err := e.Results.Render(ctx, cfg.ReportID, cfg.JobID, format)
	if err != nil {
		log.Error("render mail attachment", "format", format, "error", err)
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove mail attachment", "path", path, "error", err)
		}
	}()

	title := tmpl.Title
	if title == "" {
		title = tmpl.Definition.Name
	}
	subject := fmt.Sprintf("Report %q is ready", title)
	body := fmt.Sprintf("The report %q was executed on %s.\n\nJob: %s\n",
		title, executed.In(e.Settings.Snapshot().Location).Format("2006-01-02 15:04:05 MST"), cfg.JobID)
	name := AttachmentName(title) + format.Extension()

	for _, to := range cfg.EmailRecipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		if err := e.Mailer.Send(ctx, to, subject, body, name, path); err != nil {
			log.Error("send report mail", "to", to, "error", err)
		}
	}
}

// AttachmentName reduces a report title to a portable file name stem.
func AttachmentName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '.':
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "report"
	}
	return b.String()
}
