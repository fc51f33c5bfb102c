package store

import (
	"time"

	"sheetbridge/internal/sheet"
)

// Row is one synced spreadsheet record. CompositeKey is deterministic for a
// given (tenant, source, sheet, ordinal), so re-syncing the same source
// overwrites instead of duplicating.
type Row struct {
	TenantID     string       `json:"tenant_id"`
	CompositeKey string       `json:"composite_key"`
	Payload      sheet.Record `json:"payload"`
	SyncedAt     time.Time    `json:"synced_at"`
}

// Task statuses. Completed is the only status the runner currently writes;
// a row with no task at all is what "pending" looks like.
const TaskStatusCompleted = "completed"

// TaskTypeSummarize is the only task type the runner currently produces.
const TaskTypeSummarize = "summarize"

// Task is one unit of derived work over a single Row, keyed for skip checks
// by (RowKey, TaskType).
type Task struct {
	ID            int64     `json:"id"`
	TenantID      string    `json:"tenant_id"`
	RowKey        string    `json:"row_key"`
	TaskType      string    `json:"task_type"`
	InputSnapshot string    `json:"input_snapshot"`
	Result        string    `json:"result"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
