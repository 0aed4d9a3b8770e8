package schedule

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/errors"
	"github.com/quenlab/qce/export"
)

// historyLimit bounds per-definition execution history.
const historyLimit = 100

// Store persists scheduled exports and their execution history. Writes are
// serialized with a mutex; the scheduler is the only writer in practice.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

const timeFormat = time.RFC3339

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

// Save upserts a definition.
func (s *Store) Save(ctx context.Context, se *ScheduledExport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastRun, nextRun any
	if se.LastRun != nil {
		lastRun = formatTime(*se.LastRun)
	}
	if se.NextRun != nil {
		nextRun = formatTime(*se.NextRun)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_export (
			id, name, chat_type, peer_uid, guild_id, schedule_type, cron_expr,
			execute_time, time_range_type, range_offset_start, range_offset_end,
			format, options_json, enabled, last_run, next_run, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule_type = excluded.schedule_type,
			cron_expr = excluded.cron_expr,
			execute_time = excluded.execute_time,
			time_range_type = excluded.time_range_type,
			range_offset_start = excluded.range_offset_start,
			range_offset_end = excluded.range_offset_end,
			format = excluded.format,
			options_json = excluded.options_json,
			enabled = excluded.enabled,
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			updated_at = excluded.updated_at`,
		se.ID, se.Name, string(se.ChatRef.ChatType), se.ChatRef.PeerUid, se.ChatRef.GuildID,
		string(se.ScheduleType), se.CronExpr, se.ExecuteTime, string(se.TimeRangeType),
		se.RangeOffsets.StartSec, se.RangeOffsets.EndSec,
		string(se.Format), se.OptionsJSON, boolInt(se.Enabled), lastRun, nextRun,
		formatTime(se.CreatedAt), formatTime(se.UpdatedAt),
	)
	return errors.Wrap(err, "save scheduled export")
}

const scheduleSelect = `
	SELECT id, name, chat_type, peer_uid, guild_id, schedule_type, cron_expr,
	       execute_time, time_range_type, range_offset_start, range_offset_end,
	       format, options_json, enabled, last_run, next_run, created_at, updated_at
	FROM scheduled_export`

func scanSchedule(row interface{ Scan(...any) error }) (*ScheduledExport, error) {
	var (
		se                             ScheduledExport
		chatType, schedType, rangeType string
		format                         string
		enabled                        int
		lastRun, nextRun               sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(&se.ID, &se.Name, &chatType, &se.ChatRef.PeerUid, &se.ChatRef.GuildID,
		&schedType, &se.CronExpr, &se.ExecuteTime, &rangeType,
		&se.RangeOffsets.StartSec, &se.RangeOffsets.EndSec,
		&format, &se.OptionsJSON, &enabled, &lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	se.ChatRef.ChatType = bridge.ChatType(chatType)
	se.ScheduleType = ScheduleType(schedType)
	se.TimeRangeType = TimeRangeType(rangeType)
	se.Format = export.Format(format)
	se.Enabled = enabled != 0
	if lastRun.Valid {
		t := parseTime(lastRun.String)
		se.LastRun = &t
	}
	if nextRun.Valid {
		t := parseTime(nextRun.String)
		se.NextRun = &t
	}
	se.CreatedAt = parseTime(createdAt)
	se.UpdatedAt = parseTime(updatedAt)
	return &se, nil
}

// Get loads one definition.
func (s *Store) Get(ctx context.Context, id string) (*ScheduledExport, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE id = ?`, id)
	se, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("scheduled export %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get scheduled export")
	}
	return se, nil
}

// List returns all definitions.
func (s *Store) List(ctx context.Context) ([]*ScheduledExport, error) {
	rows, err := s.db.QueryContext(ctx, scheduleSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list scheduled exports")
	}
	defer rows.Close()

	var out []*ScheduledExport
	for rows.Next() {
		se, err := scanSchedule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan scheduled export")
		}
		out = append(out, se)
	}
	return out, errors.Wrap(rows.Err(), "iterate scheduled exports")
}

// Enabled returns the definitions the scheduler should evaluate.
func (s *Store) Enabled(ctx context.Context) ([]*ScheduledExport, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, se := range all {
		if se.Enabled {
			out = append(out, se)
		}
	}
	return out, nil
}

// Delete removes a definition; its history follows via the cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_export WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete scheduled export")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("scheduled export %s", id)
	}
	return nil
}

// RecordExecution updates lastRun/nextRun and appends the history row in a
// single transaction, then prunes history beyond the retention limit.
func (s *Store) RecordExecution(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time, h *ExecutionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin record execution")
	}
	defer tx.Rollback()

	var next any
	if nextRun != nil {
		next = formatTime(*nextRun)
	}
	res, err := tx.Exec(`
		UPDATE scheduled_export
		SET last_run = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(lastRun), next, formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrap(err, "update run markers")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("scheduled export %s", id)
	}

	var filePath, fileSize, errMsg, msgCount any
	if h.FilePath != "" {
		filePath = h.FilePath
	}
	if h.FileSizeBytes > 0 {
		fileSize = h.FileSizeBytes
	}
	if h.Error != "" {
		errMsg = h.Error
	}
	msgCount = h.MessageCount
	if _, err := tx.Exec(`
		INSERT INTO execution_history (
			id, scheduled_export_id, executed_at, status, message_count,
			file_path, file_size, error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, id, formatTime(h.ExecutedAt), string(h.Status), msgCount,
		filePath, fileSize, errMsg, h.DurationMillis); err != nil {
		return errors.Wrap(err, "append execution history")
	}

	if _, err := tx.Exec(`
		DELETE FROM execution_history
		WHERE scheduled_export_id = ?
		  AND id NOT IN (
			SELECT id FROM execution_history
			WHERE scheduled_export_id = ?
			ORDER BY executed_at DESC
			LIMIT ?
		  )`, id, id, historyLimit); err != nil {
		return errors.Wrap(err, "prune execution history")
	}

	return errors.Wrap(tx.Commit(), "commit record execution")
}

// History returns up to limit rows for a definition, newest first.
func (s *Store) History(ctx context.Context, id string, limit int) ([]*ExecutionHistory, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scheduled_export_id, executed_at, status, message_count,
		       file_path, file_size, error, duration_ms
		FROM execution_history
		WHERE scheduled_export_id = ?
		ORDER BY executed_at DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list execution history")
	}
	defer rows.Close()

	var out []*ExecutionHistory
	for rows.Next() {
		var (
			h          ExecutionHistory
			executedAt string
			status     string
			msgCount   sql.NullInt64
			filePath   sql.NullString
			fileSize   sql.NullInt64
			errMsg     sql.NullString
		)
		if err := rows.Scan(&h.ID, &h.ScheduledExportID, &executedAt, &status,
			&msgCount, &filePath, &fileSize, &errMsg, &h.DurationMillis); err != nil {
			return nil, errors.Wrap(err, "scan execution history")
		}
		h.ExecutedAt = parseTime(executedAt)
		h.Status = ExecutionStatus(status)
		h.MessageCount = int(msgCount.Int64)
		h.FilePath = filePath.String
		h.FileSizeBytes = fileSize.Int64
		h.Error = errMsg.String
		out = append(out, &h)
	}
	return out, errors.Wrap(rows.Err(), "iterate execution history")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
