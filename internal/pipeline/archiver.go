package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricewatch/internal/domain"
)

// Archiver copies price history and audit rows that have aged past the
// retention period to cold storage. Source rows are left in place.
type Archiver struct {
	blob          domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(blob domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:          blob,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Window returns the UTC day that most recently aged past retention, as a
// half-open [from, to) range.
func (a *Archiver) Window() (from, to time.Time) {
	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	to = time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -1), to
}

// Run archives the current window.
func (a *Archiver) Run(ctx context.Context) error {
	from, to := a.Window()
	return a.RunWindow(ctx, from, to)
}

// RunWindow archives history and audit rows in [from, to). Both kinds are
// attempted even when the first fails.
func (a *Archiver) RunWindow(ctx context.Context, from, to time.Time) error {
	if !from.Before(to) {
		return fmt.Errorf("archiver: empty window %s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("retention_days", a.retentionDays),
	)

	history, herr := a.blob.ArchivePriceHistory(ctx, from, to)
	if herr != nil {
		herr = fmt.Errorf("archiver: price history: %w", herr)
	}
	audit, aerr := a.blob.ArchiveAuditLog(ctx, from, to)
	if aerr != nil {
		aerr = fmt.Errorf("archiver: audit log: %w", aerr)
	}
	if err := errors.Join(herr, aerr); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("price_history", history),
		slog.Int64("audit_log", audit),
	)
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule (UTC) until ctx is
// cancelled. A failed run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	if _, err := parseCron(expr); err != nil {
		return fmt.Errorf("archiver: cron %q: %w", expr, err)
	}
	for {
		next, err := nextCronTime(expr, a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: %w", err)
		}
		a.logger.Debug("archiver waiting", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
