package server

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/export"
	"github.com/quenlab/qce/fetcher"
	"github.com/quenlab/qce/schedule"
	"github.com/quenlab/qce/sym"
	"github.com/quenlab/qce/task"
)

// ExportRunner executes scheduled exports through the same orchestrator
// path as interactive tasks.
type ExportRunner struct {
	orch      *task.Orchestrator
	tasks     *task.Store
	outputDir string
	logger    *zap.SugaredLogger
}

// NewExportRunner wires a runner.
func NewExportRunner(orch *task.Orchestrator, tasks *task.Store, logger *zap.SugaredLogger) *ExportRunner {
	return &ExportRunner{orch: orch, tasks: tasks, logger: logger}
}

// WithOutputDir routes scheduled artifacts to a dedicated directory
// instead of the default exports directory.
func (r *ExportRunner) WithOutputDir(dir string) *ExportRunner {
	r.outputDir = dir
	return r
}

// scheduleOptions is the decoded options_json payload of a definition.
type scheduleOptions struct {
	IncludeResourceLinks bool `json:"includeResourceLinks"`
	BatchSize            int  `json:"batchSize"`
}

// RunScheduled creates a task for the definition's window and runs it to
// completion synchronously.
func (r *ExportRunner) RunScheduled(ctx context.Context, se *schedule.ScheduledExport, window bridge.TimeWindow) (*schedule.Outcome, error) {
	var opts scheduleOptions
	if se.OptionsJSON != "" {
		if err := json.Unmarshal([]byte(se.OptionsJSON), &opts); err != nil {
			r.logger.Warnw("Ignoring malformed schedule options",
				"symbol", sym.Pulse,
				"id", se.ID,
				"error", err,
			)
		}
	}

	t := &task.ExportTask{
		ChatRef:              se.ChatRef,
		ChatName:             se.Name,
		Formats:              []export.Format{se.Format},
		Filter:               fetcher.Filter{Window: window},
		BatchSize:            opts.BatchSize,
		IncludeResourceLinks: opts.IncludeResourceLinks,
		OutputDir:            r.outputDir,
	}
	if _, err := r.orch.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	started := time.Now()
	r.orch.Run(ctx, t)

	final, err := r.tasks.GetTask(ctx, t.TaskID)
	if err != nil {
		return nil, err
	}
	if final.State.Status != task.StatusCompleted {
		return nil, errors.Newf("scheduled task %s ended %s: %s",
			t.TaskID, final.State.Status, final.State.Error)
	}

	outcome := &schedule.Outcome{
		MessageCount: final.State.ProcessedMsgs,
		Partial:      final.State.Failure > 0,
	}
	if path, size, ok := newestArtifact(t.OutputDir, started); ok {
		outcome.FilePath = path
		outcome.FileSizeBytes = size
	}
	return outcome, nil
}

// newestArtifact finds the most recent export file written after the run
// started. The orchestrator names artifacts internally, so the runner
// recovers the path from the output directory.
func newestArtifact(dir string, since time.Time) (string, int64, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}
	var (
		best     string
		bestSize int64
		bestMod  time.Time
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		if info.ModTime().After(bestMod) {
			best = filepath.Join(dir, entry.Name())
			bestSize = info.Size()
			bestMod = info.ModTime()
		}
	}
	return best, bestSize, best != ""
}
