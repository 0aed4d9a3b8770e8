package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/export"
	"github.com/quenlab/qce/fetcher"
	"github.com/quenlab/qce/internal/util"
	"github.com/quenlab/qce/parser"
	"github.com/quenlab/qce/resource"
	"github.com/quenlab/qce/sym"
)

// WebSocket event types pushed to subscribers.
const (
	EventNotification   = "notification"
	EventExportProgress = "export_progress"
	EventExportComplete = "export_complete"
	EventExportError    = "export_error"
)

// EventPayload is the wire shape of task events.
type EventPayload struct {
	TaskID       string `json:"taskId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message,omitempty"`
	MessageCount *int   `json:"messageCount,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	FileSize     *int64 `json:"fileSize,omitempty"`
	DownloadURL  string `json:"downloadUrl,omitempty"`
}

// Broadcaster fans events out to WebSocket subscribers. Nil is allowed.
type Broadcaster interface {
	Broadcast(eventType string, data any)
}

// downloadStallTimeout bounds how long the download phase waits without a
// single resource reaching a terminal state.
const downloadStallTimeout = 60 * time.Second

// Phase progress boundaries.
const (
	progressFetchMax    = 50
	progressParseMax    = 60
	progressDownloadMax = 85
	progressSerializing = 90
	progressDone        = 100
)

// Config bounds orchestrator-created pipelines.
type Config struct {
	ResourceRoot        string
	ExportsDir          string
	MaxConcurrentDLs    int
	DownloadTimeout     time.Duration
	HealthCheckInterval time.Duration
	IncludeSystemMsgs   bool
	PrettyJSON          bool
}

// Orchestrator runs export tasks end to end and owns all task state
// mutation. The store is the source of truth; the in-memory map only
// tracks cancellation handles for running tasks.
type Orchestrator struct {
	adapter     bridge.Adapter
	store       *Store
	resStore    *resource.Store
	broadcaster Broadcaster
	cfg         Config
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(adapter bridge.Adapter, store *Store, resStore *resource.Store, broadcaster Broadcaster, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		adapter:     adapter,
		store:       store,
		resStore:    resStore,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger,
		running:     make(map[string]context.CancelFunc),
	}
}

// CreateTask validates a task, assigns its id, and persists it pending.
func (o *Orchestrator) CreateTask(ctx context.Context, t *ExportTask) (*TaskState, error) {
	if !t.ChatRef.Valid() {
		return nil, errors.NewInvalidRequestError("invalid chat ref")
	}
	if !t.Filter.Window.ValidWindow() {
		return nil, errors.NewInvalidRequestError("invalid time window")
	}
	if len(t.Formats) == 0 {
		return nil, errors.NewInvalidRequestError("no export format selected")
	}
	for _, f := range t.Formats {
		if _, err := export.ParseFormat(string(f)); err != nil {
			return nil, err
		}
	}

	if t.TaskID == "" {
		t.TaskID = NewTaskID()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.OutputDir == "" {
		t.OutputDir = o.cfg.ExportsDir
	}

	st := &TaskState{TaskID: t.TaskID, Status: StatusPending, StartTime: now}
	if err := o.store.SaveTask(ctx, t, st); err != nil {
		return nil, err
	}
	o.logger.Infow("Task created",
		"symbol", sym.Export,
		"task_id", t.TaskID,
		"chat", t.ChatName,
		"formats", t.Formats,
	)
	return st, nil
}

// Start launches a task in the background.
func (o *Orchestrator) Start(t *ExportTask) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.running[t.TaskID] = cancel
	o.mu.Unlock()

	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.running, t.TaskID)
			o.mu.Unlock()
			cancel()
		}()
		o.Run(ctx, t)
	}()
}

// SetMaxConcurrentDownloads adjusts the download slot count. Applies to
// tasks started after the call.
func (o *Orchestrator) SetMaxConcurrentDownloads(n int) {
	if n <= 0 {
		return
	}
	o.mu.Lock()
	o.cfg.MaxConcurrentDLs = n
	o.mu.Unlock()
}

func (o *Orchestrator) maxConcurrentDownloads() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MaxConcurrentDLs
}

// SetHealthCheckInterval adjusts the resource verification cadence. Applies
// to the next scan cycle and to tasks started after the call.
func (o *Orchestrator) SetHealthCheckInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.cfg.HealthCheckInterval = d
	o.mu.Unlock()
}

func (o *Orchestrator) healthCheckInterval() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cfg.HealthCheckInterval <= 0 {
		return 10 * time.Minute
	}
	return o.cfg.HealthCheckInterval
}

// Cancel requests cooperative cancellation of a running task.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	cancel, ok := o.running[taskID]
	o.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("running task %s", taskID)
	}
	cancel()
	return nil
}

// LoadExistingTasks rehydrates the store on startup and marks tasks a
// previous process left non-terminal as failed. No events are emitted;
// there are no subscribers yet.
func (o *Orchestrator) LoadExistingTasks(ctx context.Context) error {
	for _, status := range []Status{StatusRunning, StatusPending} {
		tasks, err := o.store.TasksByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, tw := range tasks {
			st := tw.State
			st.Status = StatusFailed
			st.Error = "orphaned"
			end := time.Now()
			st.EndTime = &end
			if err := o.store.UpdateState(ctx, &st); err != nil {
				return err
			}
			o.logger.Warnw("Orphaned task marked failed",
				"symbol", sym.Export,
				"task_id", st.TaskID,
			)
		}
	}
	return nil
}

// Run executes one task through all phases. Terminal state and the
// terminal event are always produced, whatever the outcome.
func (o *Orchestrator) Run(ctx context.Context, t *ExportTask) {
	st := &TaskState{
		TaskID:    t.TaskID,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}
	if err := o.store.UpdateState(ctx, st); err != nil {
		o.fail(ctx, st, err)
		return
	}
	o.emitProgress(st, "export started")

	batches, err := o.fetchPhase(ctx, t, st)
	if err != nil {
		o.terminate(ctx, st, err)
		return
	}

	msgs, err := o.parsePhase(ctx, t, st, batches)
	if err != nil {
		o.terminate(ctx, st, err)
		return
	}

	handler := o.downloadPhase(ctx, t, st, msgs)

	if err := o.serializePhase(ctx, t, st, msgs, handler); err != nil {
		o.terminate(ctx, st, err)
		return
	}
}

// fetchPhase drives the fetcher to exhaustion, buffering batches.
func (o *Orchestrator) fetchPhase(ctx context.Context, t *ExportTask, st *TaskState) ([][]bridge.RawMessage, error) {
	f := fetcher.New(o.adapter, fetcher.Config{
		BatchSize:  t.BatchSize,
		Timeout:    time.Duration(t.TimeoutMillis) * time.Millisecond,
		RetryCount: t.RetryCount,
	}, o.logger)

	ch, err := f.Fetch(ctx, t.ChatRef, t.Filter)
	if err != nil {
		return nil, err
	}

	var buffer [][]bridge.RawMessage
	batchCount := 0
	total := 0
	for batch := range ch {
		if batch.Err != nil {
			return nil, batch.Err
		}
		buffer = append(buffer, batch.Messages)
		batchCount++
		total += len(batch.Messages)

		st.ProcessedMsgs = total
		st.TotalMsgs = total
		if len(batch.Messages) > 0 {
			st.CurrentMsgID = batch.Messages[len(batch.Messages)-1].MsgID
			st.ProgressPct = fetchProgress(t.Filter.Window, batch.Messages[len(batch.Messages)-1].TimeSeconds(), batchCount)
		}
		st.SpeedMps = speed(total, st.StartTime)
		o.store.UpdateStateAsync(st)
		o.emitProgress(st, "")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCanceled
	}

	st.TotalMsgs = total
	st.ProgressPct = progressFetchMax
	o.store.UpdateStateAsync(st)
	return buffer, nil
}

// fetchProgress estimates fetch progress. With a bounded window the walk
// position inside the window is used; otherwise the batch-count heuristic.
func fetchProgress(window bridge.TimeWindow, earliestSeconds int64, batchCount int) int {
	w := window.Normalized()
	if w.Bounded() && w.Span() > 0 {
		pos := bridge.PromoteMillis(earliestSeconds)
		done := float64(w.EndMillis-pos) / float64(w.Span())
		if done < 0 {
			done = 0
		}
		if done > 1 {
			done = 1
		}
		return int(done * progressFetchMax)
	}
	p := batchCount * 10
	if p > progressFetchMax {
		p = progressFetchMax
	}
	return p
}

// parsePhase normalizes the buffered batches, preserving order.
func (o *Orchestrator) parsePhase(ctx context.Context, t *ExportTask, st *TaskState, batches [][]bridge.RawMessage) ([]parser.ParsedMessage, error) {
	p, err := parser.New(o.logger)
	if err != nil {
		return nil, err
	}

	var msgs []parser.ParsedMessage
	for _, batch := range batches {
		parsed, err := p.ParseBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		for i := range parsed {
			if parsed[i].ParseError != "" {
				st.Failure++
			} else {
				st.Success++
			}
		}
		msgs = append(msgs, parsed...)
	}

	st.ProgressPct = progressParseMax
	st.SpeedMps = speed(len(msgs), st.StartTime)
	o.store.UpdateStateAsync(st)
	o.emitProgress(st, "")
	return msgs, nil
}

// downloadPhase materializes media. Download failures never fail the task;
// the phase ends when everything is terminal, the stall watchdog fires, or
// the task is canceled (in-flight downloads are allowed to finish).
func (o *Orchestrator) downloadPhase(ctx context.Context, t *ExportTask, st *TaskState, msgs []parser.ParsedMessage) *resource.Handler {
	if !t.IncludeResourceLinks || o.resStore == nil {
		st.ProgressPct = progressDownloadMax
		o.store.UpdateStateAsync(st)
		return nil
	}

	handler := resource.NewHandler(o.adapter, t.ChatRef, o.resStore, o.store, resource.Config{
		MaxConcurrent:       o.maxConcurrentDownloads(),
		DownloadTimeout:     o.cfg.DownloadTimeout,
		HealthCheckInterval: o.healthCheckInterval(),
	}, o.logger)
	defer handler.Close()

	// The workers run on the background context so cancellation lets
	// in-flight downloads complete.
	handler.Process(context.Background(), msgs)

	lastRemaining := -1
	for {
		waitCtx, cancel := context.WithTimeout(context.Background(), downloadStallTimeout)
		err := handler.WaitAll(waitCtx)
		cancel()
		if err == nil {
			break
		}
		remaining := handler.Remaining()
		if remaining == lastRemaining {
			o.logger.Warnw("Download phase stalled, proceeding without remaining media",
				"symbol", sym.Resource,
				"task_id", t.TaskID,
				"remaining", remaining,
			)
			break
		}
		lastRemaining = remaining
	}

	st.ProgressPct = progressDownloadMax
	o.store.UpdateStateAsync(st)
	o.emitProgress(st, "")
	return handler
}

// serializePhase writes the artifacts and finalizes the task.
func (o *Orchestrator) serializePhase(ctx context.Context, t *ExportTask, st *TaskState, msgs []parser.ParsedMessage, handler *resource.Handler) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrCanceled
	}

	counts := export.Counts{Messages: len(msgs)}
	if handler != nil {
		parser.UpdateResourcePaths(msgs, handler.LocalPaths())
		for _, info := range handler.Snapshot() {
			counts.Resources++
			if info.Status == resource.StatusFailed {
				counts.Failed++
			}
		}
		st.Failure += counts.Failed
	}

	st.ProgressPct = progressSerializing
	o.store.UpdateStateAsync(st)
	o.emitProgress(st, "")

	chat := export.ChatInfo{Name: t.ChatName, Type: t.ChatRef.ChatType}
	opts := export.Options{
		Pretty:                o.cfg.PrettyJSON,
		IncludeSystemMessages: o.cfg.IncludeSystemMsgs,
		IncludeResourceLinks:  t.IncludeResourceLinks,
	}

	var artifactPath string
	var artifactSize int64
	for _, format := range t.Formats {
		exp, err := export.ForFormat(format, opts)
		if err != nil {
			return err
		}
		path, size, err := export.WriteArtifact(t.OutputDir, exp, chat, t.Filter.Window, msgs, counts)
		if err != nil {
			return err
		}
		if artifactPath == "" {
			artifactPath = path
			artifactSize = size
		}
		o.logger.Infow("Artifact written",
			"symbol", sym.Export,
			"task_id", t.TaskID,
			"format", format,
			"path", path,
			"size", size,
		)
	}

	now := time.Now()
	st.Status = StatusCompleted
	st.ProgressPct = progressDone
	st.EndTime = &now
	st.SpeedMps = speed(len(msgs), st.StartTime)
	if err := o.store.UpdateState(ctx, st); err != nil {
		return err
	}

	o.emit(EventExportComplete, EventPayload{
		TaskID:       t.TaskID,
		Status:       string(StatusCompleted),
		Progress:     progressDone,
		MessageCount: util.Ptr(len(msgs)),
		FileName:     fileBase(artifactPath),
		FileSize:     util.Ptr(artifactSize),
		DownloadURL:  "/exports/" + fileBase(artifactPath),
	})
	return nil
}

// terminate records a canceled or failed outcome. No partial artifact is
// published in either case.
func (o *Orchestrator) terminate(ctx context.Context, st *TaskState, cause error) {
	if errors.Is(cause, errors.ErrCanceled) {
		now := time.Now()
		st.Status = StatusCanceled
		st.Error = "canceled"
		st.EndTime = &now
		if err := o.store.UpdateState(context.Background(), st); err != nil {
			o.logger.Errorw("Terminal persist failed", "symbol", sym.DB, "task_id", st.TaskID, "error", err)
		}
		o.emit(EventExportError, EventPayload{
			TaskID:   st.TaskID,
			Status:   string(StatusCanceled),
			Progress: st.ProgressPct,
			Message:  "canceled",
		})
		return
	}
	o.fail(ctx, st, cause)
}

func (o *Orchestrator) fail(ctx context.Context, st *TaskState, cause error) {
	now := time.Now()
	st.Status = StatusFailed
	st.Error = cause.Error()
	st.EndTime = &now
	if err := o.store.UpdateState(context.Background(), st); err != nil {
		o.logger.Errorw("Terminal persist failed", "symbol", sym.DB, "task_id", st.TaskID, "error", err)
	}
	o.logger.Errorw("Task failed",
		"symbol", sym.Export,
		"task_id", st.TaskID,
		"error", cause,
	)
	o.emit(EventExportError, EventPayload{
		TaskID:   st.TaskID,
		Status:   string(StatusFailed),
		Progress: st.ProgressPct,
		Message:  st.Error,
	})
}

func (o *Orchestrator) emitProgress(st *TaskState, message string) {
	o.emit(EventExportProgress, EventPayload{
		TaskID:       st.TaskID,
		Status:       string(st.Status),
		Progress:     st.ProgressPct,
		Message:      message,
		MessageCount: util.Ptr(st.ProcessedMsgs),
	})
}

func (o *Orchestrator) emit(eventType string, payload EventPayload) {
	if o.broadcaster == nil {
		return
	}
	o.broadcaster.Broadcast(eventType, payload)
}

func speed(processed int, start time.Time) float64 {
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(processed) / elapsed
}

func fileBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
