// Package schedule fires export jobs on recurring triggers: cron-style
// expressions or fixed daily/weekly/monthly times, with relative time
// windows computed at fire time.
package schedule

import (
	"time"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/export"
)

// ScheduleType selects the trigger style.
type ScheduleType string

const (
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
	ScheduleCustom  ScheduleType = "custom"
)

// TimeRangeType names a relative export window.
type TimeRangeType string

const (
	RangeYesterday  TimeRangeType = "yesterday"
	RangeLastWeek   TimeRangeType = "last-week"
	RangeLastMonth  TimeRangeType = "last-month"
	RangeLast7Days  TimeRangeType = "last-7-days"
	RangeLast30Days TimeRangeType = "last-30-days"
	RangeCustom     TimeRangeType = "custom"
)

// RangeOffsets are second offsets from fire time for custom windows.
// Either may be negative.
type RangeOffsets struct {
	StartSec int64 `json:"startSec"`
	EndSec   int64 `json:"endSec"`
}

// ScheduledExport is one recurring export definition.
type ScheduledExport struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ChatRef       bridge.ChatRef `json:"chatRef"`
	ScheduleType  ScheduleType   `json:"scheduleType"`
	CronExpr      string         `json:"cronExpr,omitempty"`
	ExecuteTime   string         `json:"executeTime"` // HH:mm local
	TimeRangeType TimeRangeType  `json:"timeRangeType"`
	RangeOffsets  RangeOffsets   `json:"rangeOffsets,omitempty"`
	Format        export.Format  `json:"format"`
	OptionsJSON   string         `json:"options,omitempty"`
	Enabled       bool           `json:"enabled"`
	LastRun       *time.Time     `json:"lastRun,omitempty"`
	NextRun       *time.Time     `json:"nextRun,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ExecutionStatus is the outcome of one firing.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPartial ExecutionStatus = "partial"
)

// ExecutionHistory records one firing of a scheduled export.
type ExecutionHistory struct {
	ID                string          `json:"id"`
	ScheduledExportID string          `json:"scheduledExportId"`
	ExecutedAt        time.Time       `json:"executedAt"`
	Status            ExecutionStatus `json:"status"`
	MessageCount      int             `json:"messageCount"`
	FilePath          string          `json:"filePath,omitempty"`
	FileSizeBytes     int64           `json:"fileSizeBytes,omitempty"`
	Error             string          `json:"error,omitempty"`
	DurationMillis    int64           `json:"durationMillis"`
}
