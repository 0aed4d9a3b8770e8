package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/sym"
)

// Outcome is what a runner reports back for one firing. Partial marks a
// run that completed with degraded content (parse or download failures).
type Outcome struct {
	MessageCount  int
	FilePath      string
	FileSizeBytes int64
	Partial       bool
}

// Runner executes one export for a fired definition.
type Runner interface {
	RunScheduled(ctx context.Context, se *ScheduledExport, window bridge.TimeWindow) (*Outcome, error)
}

// Scheduler evaluates triggers once a minute and fires matching
// definitions through the runner.
type Scheduler struct {
	store  *Store
	runner Runner
	logger *zap.SugaredLogger
}

// NewScheduler wires a scheduler.
func NewScheduler(store *Store, runner Runner, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{store: store, runner: runner, logger: logger}
}

// Run ticks until ctx is canceled. Each evaluation runs on the wall-clock
// minute boundary.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infow("Scheduler started", "symbol", sym.Pulse)

	// Align the first tick to the next minute boundary.
	now := time.Now()
	wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	s.Evaluate(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Scheduler stopped", "symbol", sym.Pulse)
			return
		case tick := <-ticker.C:
			s.Evaluate(ctx, tick)
		}
	}
}

// Evaluate fires every enabled definition whose trigger matches the given
// minute.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) {
	now = now.Local().Truncate(time.Minute)
	defs, err := s.store.Enabled(ctx)
	if err != nil {
		s.logger.Errorw("Scheduler evaluation failed", "symbol", sym.Pulse, "error", err)
		return
	}
	for _, se := range defs {
		cron, err := trigger(se)
		if err != nil {
			s.logger.Warnw("Skipping scheduled export with bad trigger",
				"symbol", sym.Pulse,
				"id", se.ID,
				"error", err,
			)
			continue
		}
		if !cron.Matches(now) {
			continue
		}
		// A definition fires at most once per minute.
		if se.LastRun != nil && !se.LastRun.Before(now) {
			continue
		}
		s.fire(ctx, se, cron, now)
	}
}

// fire computes the window, runs the export, and records the outcome. The
// run markers and the history row land in one transaction.
func (s *Scheduler) fire(ctx context.Context, se *ScheduledExport, cron *CronExpr, now time.Time) {
	s.logger.Infow("Scheduled export firing",
		"symbol", sym.Pulse,
		"id", se.ID,
		"name", se.Name,
	)
	started := time.Now()
	h := &ExecutionHistory{
		ID:                uuid.NewString(),
		ScheduledExportID: se.ID,
		ExecutedAt:        now,
	}

	partial := false
	window, err := Window(se.TimeRangeType, se.RangeOffsets, now)
	if err == nil {
		var outcome *Outcome
		outcome, err = s.runner.RunScheduled(ctx, se, window)
		if outcome != nil {
			h.MessageCount = outcome.MessageCount
			h.FilePath = outcome.FilePath
			h.FileSizeBytes = outcome.FileSizeBytes
			partial = outcome.Partial
		}
	}
	h.DurationMillis = time.Since(started).Milliseconds()
	switch {
	case err != nil:
		h.Status = ExecutionFailed
		h.Error = err.Error()
	case partial:
		h.Status = ExecutionPartial
	default:
		h.Status = ExecutionSuccess
	}

	var nextRun *time.Time
	if next, ok := cron.Next(now); ok {
		nextRun = &next
	}
	if err := s.store.RecordExecution(ctx, se.ID, now, nextRun, h); err != nil {
		s.logger.Errorw("Recording scheduled execution failed",
			"symbol", sym.Pulse,
			"id", se.ID,
			"error", err,
		)
	}
}

// NextRunOf computes the next firing time for a definition.
func NextRunOf(se *ScheduledExport, after time.Time) (time.Time, bool) {
	cron, err := trigger(se)
	if err != nil {
		return time.Time{}, false
	}
	return cron.Next(after)
}
