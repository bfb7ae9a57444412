// Package sweep runs the background checkpoint-expiry pass. Expired rows are
// stamped, never deleted; the checkpoint ledger stays append-only.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskcopilot/taskcopilot/internal/otel"
	"github.com/taskcopilot/taskcopilot/internal/store"
)

// DefaultSchedule sweeps every five minutes. Reads already exclude expired
// checkpoints by timestamp, so the sweep only keeps the stamped flag current.
const DefaultSchedule = "@every 5m"

// Worker marks expired checkpoints on a cron schedule.
type Worker struct {
	Store store.Store
	// Schedule is a cron spec; empty means DefaultSchedule.
	Schedule string
	// Now is overridable for tests.
	Now func() time.Time

	cron *cron.Cron
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run sweeps on the configured schedule until ctx is cancelled. An invalid
// schedule is an error; a failing sweep round is logged and retried on the
// next tick.
func (w *Worker) Run(ctx context.Context) error {
	schedule := w.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	w.cron = cron.New()
	if _, err := w.cron.AddFunc(schedule, func() {
		w.RunOnce(ctx)
	}); err != nil {
		return err
	}
	w.cron.Start()
	<-ctx.Done()
	stop := w.cron.Stop()
	<-stop.Done()
	return nil
}

// RunOnce performs a single expiry pass and returns the number of checkpoints
// stamped.
func (w *Worker) RunOnce(ctx context.Context) int64 {
	n, err := w.Store.MarkExpiredCheckpoints(ctx, w.now())
	if err != nil {
		slog.Error("checkpoint sweep failed", "err", err)
		return 0
	}
	if n > 0 {
		slog.Info("checkpoint sweep marked expired", "count", n)
	}
	otel.RecordSweepExpired(ctx, n)
	return n
}
