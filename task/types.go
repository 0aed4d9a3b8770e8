// Package task persists export jobs and drives them end to end: the
// relational store, the serialized writer, and the orchestrator.
package task

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/quenlab/qce/bridge"
	"github.com/quenlab/qce/export"
	"github.com/quenlab/qce/fetcher"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ExportTask is the immutable configuration of one export job.
type ExportTask struct {
	TaskID               string          `json:"taskId"`
	ChatRef              bridge.ChatRef  `json:"chatRef"`
	ChatName             string          `json:"chatName"`
	Formats              []export.Format `json:"formats"`
	Filter               fetcher.Filter  `json:"filter"`
	BatchSize            int             `json:"batchSize"`
	TimeoutMillis        int             `json:"timeoutMillis"`
	RetryCount           int             `json:"retryCount"`
	IncludeResourceLinks bool            `json:"includeResourceLinks"`
	OutputDir            string          `json:"outputDir"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// TaskState is the mutable progress record, owned by the orchestrator.
type TaskState struct {
	TaskID        string     `json:"taskId"`
	Status        Status     `json:"status"`
	ProgressPct   int        `json:"progressPct"`
	TotalMsgs     int        `json:"totalMsgs"`
	ProcessedMsgs int        `json:"processedMsgs"`
	Success       int        `json:"success"`
	Failure       int        `json:"failure"`
	CurrentMsgID  string     `json:"currentMsgId,omitempty"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	Error         string     `json:"error,omitempty"`
	SpeedMps      float64    `json:"speedMps"`
}

// TaskWithState pairs a task with its state for listings.
type TaskWithState struct {
	Task  ExportTask `json:"task"`
	State TaskState  `json:"state"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewTaskID returns a sortable ULID task identifier.
func NewTaskID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
