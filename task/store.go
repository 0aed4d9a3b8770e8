package task

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/export"
	"github.com/quenlab/qce/parser"
	"github.com/quenlab/qce/resource"
)

// Store persists tasks, task state, and resource records. Writes are
// serialized through one goroutine; reads run directly on the pool.
type Store struct {
	db     *sql.DB
	w      *writer
	logger *zap.SugaredLogger
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, w: newWriter(db, logger), logger: logger}
}

// Close stops the write queue after draining it.
func (s *Store) Close() {
	s.w.close()
}

const timeFormat = time.RFC3339

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// SaveTask upserts a task and its state in one transaction.
func (s *Store) SaveTask(ctx context.Context, t *ExportTask, st *TaskState) error {
	return s.w.exec("save task", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin save task")
		}
		defer tx.Rollback()
		if err := upsertTask(tx, t); err != nil {
			return err
		}
		if err := upsertState(tx, st); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "commit save task")
	})
}

func upsertTask(tx *sql.Tx, t *ExportTask) error {
	formats := make([]string, len(t.Formats))
	for i, f := range t.Formats {
		formats[i] = string(f)
	}
	types := make([]string, len(t.Filter.MsgTypes))
	for i, mt := range t.Filter.MsgTypes {
		types[i] = strconv.Itoa(mt)
	}
	_, err := tx.Exec(`
		INSERT INTO export_task (
			task_id, chat_type, peer_uid, guild_id, chat_name, formats_csv,
			window_start_ms, window_end_ms, include_recalled, include_links,
			sender_filter, type_filter, keyword,
			batch_size, timeout_ms, retry_count, output_dir, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			chat_name = excluded.chat_name,
			updated_at = excluded.updated_at`,
		t.TaskID, string(t.ChatRef.ChatType), t.ChatRef.PeerUid, t.ChatRef.GuildID,
		t.ChatName, strings.Join(formats, ","),
		t.Filter.Window.StartMillis, t.Filter.Window.EndMillis,
		boolInt(t.Filter.IncludeRecalled), boolInt(t.IncludeResourceLinks),
		strings.Join(t.Filter.SenderUids, ","), strings.Join(types, ","), t.Filter.Keyword,
		t.BatchSize, t.TimeoutMillis, t.RetryCount, t.OutputDir,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return errors.Wrap(err, "upsert task")
}

func upsertState(tx *sql.Tx, st *TaskState) error {
	var end any
	if st.EndTime != nil {
		end = formatTime(*st.EndTime)
	}
	_, err := tx.Exec(`
		INSERT INTO export_task_state (
			task_id, status, progress_pct, total_msgs, processed_msgs,
			success, failure, current_msg_id, start_time, end_time, error, speed_mps
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			progress_pct = excluded.progress_pct,
			total_msgs = excluded.total_msgs,
			processed_msgs = excluded.processed_msgs,
			success = excluded.success,
			failure = excluded.failure,
			current_msg_id = excluded.current_msg_id,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error,
			speed_mps = excluded.speed_mps`,
		st.TaskID, string(st.Status), st.ProgressPct, st.TotalMsgs, st.ProcessedMsgs,
		st.Success, st.Failure, st.CurrentMsgID, formatTime(st.StartTime), end,
		st.Error, st.SpeedMps,
	)
	return errors.Wrap(err, "upsert task state")
}

// UpdateState writes a state row synchronously.
func (s *Store) UpdateState(ctx context.Context, st *TaskState) error {
	snapshot := *st
	return s.w.exec("update state", func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin update state")
		}
		defer tx.Rollback()
		if err := upsertState(tx, &snapshot); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "commit update state")
	})
}

// UpdateStateAsync queues a best-effort state write. Progress updates use
// this so they never block the pipeline.
func (s *Store) UpdateStateAsync(st *TaskState) {
	snapshot := *st
	s.w.execAsync("update state", func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return errors.Wrap(err, "begin update state")
		}
		defer tx.Rollback()
		if err := upsertState(tx, &snapshot); err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "commit update state")
	})
}

const taskColumns = `
	t.task_id, t.chat_type, t.peer_uid, t.guild_id, t.chat_name, t.formats_csv,
	t.window_start_ms, t.window_end_ms, t.include_recalled, t.include_links,
	t.sender_filter, t.type_filter, t.keyword,
	t.batch_size, t.timeout_ms, t.retry_count, t.output_dir, t.created_at, t.updated_at,
	s.status, s.progress_pct, s.total_msgs, s.processed_msgs,
	s.success, s.failure, s.current_msg_id, s.start_time, s.end_time, s.error, s.speed_mps`

const taskSelect = `
	SELECT ` + taskColumns + `
	FROM export_task t
	JOIN export_task_state s ON s.task_id = t.task_id`

func scanTask(row interface{ Scan(...any) error }) (*TaskWithState, error) {
	var (
		t                                            ExportTask
		st                                           TaskState
		chatType, formatsCSV, senderCSV, typeCSV     string
		includeRecalled, includeLinks                int
		createdAt, updatedAt, startTime, status      string
		windowStart, windowEnd                       int64
		endTime                                      sql.NullString
	)
	err := row.Scan(
		&t.TaskID, &chatType, &t.ChatRef.PeerUid, &t.ChatRef.GuildID, &t.ChatName, &formatsCSV,
		&windowStart, &windowEnd, &includeRecalled, &includeLinks,
		&senderCSV, &typeCSV, &t.Filter.Keyword,
		&t.BatchSize, &t.TimeoutMillis, &t.RetryCount, &t.OutputDir, &createdAt, &updatedAt,
		&status, &st.ProgressPct, &st.TotalMsgs, &st.ProcessedMsgs,
		&st.Success, &st.Failure, &st.CurrentMsgID, &startTime, &endTime, &st.Error, &st.SpeedMps,
	)
	if err != nil {
		return nil, err
	}

	t.ChatRef.ChatType = bridge.ChatType(chatType)
	t.Filter.Window = bridge.TimeWindow{StartMillis: windowStart, EndMillis: windowEnd}
	t.Filter.IncludeRecalled = includeRecalled != 0
	t.IncludeResourceLinks = includeLinks != 0
	if formatsCSV != "" {
		for _, f := range strings.Split(formatsCSV, ",") {
			t.Formats = append(t.Formats, export.Format(f))
		}
	}
	if senderCSV != "" {
		t.Filter.SenderUids = strings.Split(senderCSV, ",")
	}
	if typeCSV != "" {
		for _, raw := range strings.Split(typeCSV, ",") {
			if n, err := strconv.Atoi(raw); err == nil {
				t.Filter.MsgTypes = append(t.Filter.MsgTypes, n)
			}
		}
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	st.TaskID = t.TaskID
	st.Status = Status(status)
	st.StartTime = parseTime(startTime)
	if endTime.Valid {
		end := parseTime(endTime.String)
		st.EndTime = &end
	}
	return &TaskWithState{Task: t, State: st}, nil
}

// GetTask loads one task with its state.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskWithState, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE t.task_id = ?`, taskID)
	out, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return out, nil
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*TaskWithState, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY t.created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer rows.Close()
	return collectTasks(rows)
}

// TasksByStatus returns tasks in the given status, newest first.
func (s *Store) TasksByStatus(ctx context.Context, status Status) ([]*TaskWithState, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE s.status = ? ORDER BY t.created_at DESC`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "list tasks by status")
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*TaskWithState, error) {
	var out []*TaskWithState
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "iterate tasks")
}

// DeleteTask removes a task; state follows via the cascade.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.w.exec("delete task", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM export_task WHERE task_id = ?`, taskID)
		if err != nil {
			return errors.Wrap(err, "delete task")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewNotFoundError("task %s", taskID)
		}
		return nil
	})
}

// UpsertResource stores a resource record keyed by its identity.
func (s *Store) UpsertResource(ctx context.Context, info *resource.Info) error {
	snapshot := *info
	key := info.Key()
	return s.w.exec("upsert resource", func(db *sql.DB) error {
		var checkedAt any
		if !snapshot.CheckedAt.IsZero() {
			checkedAt = formatTime(snapshot.CheckedAt)
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO resource (
				md5, type, file_name, file_size, mime, original_url, local_path,
				status, accessible, checked_at, download_attempts, last_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(md5) DO UPDATE SET
				local_path = excluded.local_path,
				status = excluded.status,
				accessible = excluded.accessible,
				checked_at = excluded.checked_at,
				download_attempts = excluded.download_attempts,
				last_error = excluded.last_error`,
			key, string(snapshot.Type), snapshot.FileName, snapshot.FileSize,
			snapshot.MimeType, snapshot.OriginalURL, snapshot.LocalPath,
			string(snapshot.Status), boolInt(snapshot.Accessible), checkedAt,
			snapshot.DownloadAttempts, snapshot.LastError,
		)
		return errors.Wrap(err, "upsert resource")
	})
}

const resourceColumns = `
	md5, type, file_name, file_size, mime, original_url, local_path,
	status, accessible, checked_at, download_attempts, last_error`

func scanResource(row interface{ Scan(...any) error }) (*resource.Info, error) {
	var (
		info       resource.Info
		resType    string
		status     string
		accessible int
		checkedAt  sql.NullString
	)
	err := row.Scan(&info.Md5, &resType, &info.FileName, &info.FileSize, &info.MimeType,
		&info.OriginalURL, &info.LocalPath, &status, &accessible, &checkedAt,
		&info.DownloadAttempts, &info.LastError)
	if err != nil {
		return nil, err
	}
	info.Type = parser.ResourceType(resType)
	info.Status = resource.Status(status)
	info.Accessible = accessible != 0
	if checkedAt.Valid {
		info.CheckedAt = parseTime(checkedAt.String)
	}
	// A row keyed by the fallback digest carries no content hash; leaving
	// the digest in Md5 would make integrity checks hash-compare against it.
	synthetic := resource.Info{Type: info.Type, FileName: info.FileName, FileSize: info.FileSize}
	if info.Md5 == synthetic.Key() {
		info.Md5 = ""
	}
	return &info, nil
}

// GetResource loads one resource record by key.
func (s *Store) GetResource(ctx context.Context, key string) (*resource.Info, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resource WHERE md5 = ?`, key)
	info, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("resource %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get resource")
	}
	return info, nil
}

// DownloadedResources returns every record currently marked downloaded.
func (s *Store) DownloadedResources(ctx context.Context) ([]*resource.Info, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resourceColumns+` FROM resource WHERE status = ?`,
		string(resource.StatusDownloaded))
	if err != nil {
		return nil, errors.Wrap(err, "list downloaded resources")
	}
	defer rows.Close()

	var out []*resource.Info
	for rows.Next() {
		info, err := scanResource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan resource")
		}
		out = append(out, info)
	}
	return out, errors.Wrap(rows.Err(), "iterate resources")
}

// DeleteExpiredResources removes records last checked before cutoff.
func (s *Store) DeleteExpiredResources(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.w.exec("delete expired resources", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM resource WHERE checked_at IS NOT NULL AND checked_at < ?`,
			formatTime(cutoff))
		if err != nil {
			return errors.Wrap(err, "delete expired resources")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
