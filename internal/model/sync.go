package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobKind 表示派发给外部抓取服务的作业类型。
type JobKind string

const (
	JobKindProfile JobKind = "profile"
	JobKindReviews JobKind = "reviews"
)

// JobStatus 表示 SyncJob 生命周期状态。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusAborted   JobStatus = "aborted"
)

// SyncJob 表示一次派发给外部抓取服务的工作单元。
// Active 在 pending/running 期间为 true，结束后置 NULL；
// (tenant_id, platform, active) 上的唯一索引保证同一租户/平台
// 同时最多只有一个活跃作业（SQLite 中 NULL 彼此不冲突）。
type SyncJob struct {
	ID       string `gorm:"primaryKey" json:"id"`
	JobID    string `gorm:"uniqueIndex:ux_sync_jobs_job_id" json:"job_id"`
	TenantID string `gorm:"not null;uniqueIndex:ux_sync_jobs_active,priority:1;index" json:"tenant_id"`
	Platform Platform `gorm:"type:varchar(20);not null;uniqueIndex:ux_sync_jobs_active,priority:2" json:"platform"`
	Active   *bool    `gorm:"uniqueIndex:ux_sync_jobs_active,priority:3" json:"active"`
	Kind     JobKind  `gorm:"type:varchar(20);not null" json:"kind"`
	// BatchedIdentifiers 为本作业覆盖的 external_id 有序列表。
	BatchedIdentifiers datatypes.JSONSlice[string] `json:"batched_identifiers"`
	// QueuedIdentifiers 为超出单批上限、等待本作业完成后续派的 external_id。
	QueuedIdentifiers datatypes.JSONSlice[string] `json:"queued_identifiers"`
	Status            JobStatus                   `gorm:"type:varchar(20);not null;default:pending" json:"status"`
	Attempt           int                         `gorm:"not null;default:1" json:"attempt"`
	FailureReason     string                      `gorm:"type:text" json:"failure_reason"`
	SubmittedAt       time.Time                   `json:"submitted_at"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// Finished 判断作业是否已结束。
func (s JobStatus) Finished() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusAborted
}

// EventProcessingStatus 表示回调事件的处理进度。
type EventProcessingStatus string

const (
	EventUnprocessed EventProcessingStatus = "unprocessed"
	EventSuccess     EventProcessingStatus = "success"
	EventError       EventProcessingStatus = "error"
)

// 回调事件类型，与外部服务的通知语义一一对应。
const (
	EventTypeSucceeded = "succeeded"
	EventTypeFailed    = "failed"
	EventTypeAborted   = "aborted"
)

// WebhookEvent 是入站完成回调的追加式日志，仅用于幂等与审计。
// (job_id, event_type) 唯一，check-then-insert 竞争由该约束关闭；
// 同一组合达到 success 后不再变更。
type WebhookEvent struct {
	ID               uint                  `gorm:"primaryKey" json:"id"`
	JobID            string                `gorm:"not null;uniqueIndex:ux_webhook_events_job_event,priority:1;index" json:"job_id"`
	EventType        string                `gorm:"type:varchar(20);not null;uniqueIndex:ux_webhook_events_job_event,priority:2" json:"event_type"`
	ProcessingStatus EventProcessingStatus `gorm:"type:varchar(20);not null;default:unprocessed" json:"processing_status"`
	ProcessingError  string                `gorm:"type:text" json:"processing_error"`
	ReceivedAt       time.Time             `json:"received_at"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}
