// Package housekeeper deletes report results that are older than the
// configured retention.
package housekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/types"
)

// DefaultInterval is used when no schedule is configured.
const DefaultInterval = time.Hour

// Deleter removes one result together with its filled document.
type Deleter interface {
	Delete(ctx context.Context, reportID, jobID uuid.UUID) (bool, error)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Housekeeper runs a retention sweep on a cron schedule.
type Housekeeper struct {
	templates types.TemplateStore
	db        types.Persistence
	results   Deleter
	settings  *config.Settings
	notifier  types.Notifier
	schedule  string
	cron      *cron.Cron
	now       func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Housekeeper. every is either a Go duration ("1h", run as
// "@every 1h") or a cron expression; empty selects DefaultInterval.
// notifier may be nil.
func New(templates types.TemplateStore, db types.Persistence, results Deleter, settings *config.Settings, notifier types.Notifier, every string) *Housekeeper {
	return &Housekeeper{
		templates: templates,
		db:        db,
		results:   results,
		settings:  settings,
		notifier:  notifier,
		schedule:  scheduleSpec(every),
		now:       time.Now,
	}
}

func scheduleSpec(every string) string {
	every = strings.TrimSpace(every)
	if every == "" {
		return "@every " + DefaultInterval.String()
	}
	if d, err := time.ParseDuration(every); err == nil && d > 0 {
		return "@every " + d.String()
	}
	return every
}

// Start registers the sweep and starts the cron ticker. A sweep still running
// when the next one is due is not overlapped.
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	logger := cronLogger{}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.cron = cron.New(cron.WithParser(cronParser), cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))

	sweepCtx := h.ctx
	if _, err := h.cron.AddFunc(h.schedule, func() {
		if _, err := h.Sweep(sweepCtx, h.now()); err != nil {
			slog.Warn("housekeeping sweep incomplete", "error", err)
		}
	}); err != nil {
		h.cancel()
		h.cron = nil
		return fmt.Errorf("invalid housekeeping schedule %q: %w", h.schedule, err)
	}
	h.cron.Start()
	slog.Info("housekeeper started", "schedule", h.schedule)
	return nil
}

// Stop stops the ticker and waits for a running sweep, which ends after the
// item it is working on.
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cron == nil {
		return
	}
	h.cancel()
	<-h.cron.Stop().Done()
	h.cron = nil
}

// maxRetentionDays keeps the cutoff computation inside time.Duration's range.
const maxRetentionDays = int(math.MaxInt64 / int64(24*time.Hour))

// Sweep deletes every result executed before now minus the retention period.
// Failures on single reports or results are logged and skipped. It returns
// the number of deleted results and ctx.Err() if interrupted.
func (h *Housekeeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	days := min(h.settings.Snapshot().RetentionDays, maxRetentionDays)
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	deleted := 0

	for _, reportID := range h.templates.List() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		list, err := h.db.ListAllResults(ctx, reportID)
		if err != nil {
			slog.Warn("list results for housekeeping", "report_id", reportID, "error", err)
			continue
		}
		n := 0
		for _, r := range list {
			if !r.ExecutionTime.Before(cutoff) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return deleted + n, err
			}
			removed, err := h.results.Delete(ctx, r.ReportID, r.JobID)
			if err != nil || !removed {
				slog.Warn("delete expired result", "report_id", r.ReportID, "job_id", r.JobID, "error", err)
				continue
			}
			n++
		}
		if n > 0 {
			deleted += n
			slog.Info("expired results deleted", "report_id", reportID, "count", n, "retention_days", days)
			if h.notifier != nil {
				h.notifier.Notify(types.NotifyResultsModified, reportID.String())
			}
		}
	}
	return deleted, nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
