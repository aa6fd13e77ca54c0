package model

import (
	"fmt"
	"strings"
	"time"
)

// ProfileStatus 表示 BusinessProfile 的状态机状态。
type ProfileStatus string

const (
	StatusNotStarted        ProfileStatus = "not_started"
	StatusIdentifierSet     ProfileStatus = "identifier_set"
	StatusProfileInProgress ProfileStatus = "profile_in_progress"
	StatusProfileCompleted  ProfileStatus = "profile_completed"
	StatusReviewsInProgress ProfileStatus = "reviews_in_progress"
	StatusCompleted         ProfileStatus = "completed"
	StatusFailed            ProfileStatus = "failed"
)

// InProgress 判断状态是否处于进行中（存在未完成的外部作业）。
func (s ProfileStatus) InProgress() bool {
	return s == StatusProfileInProgress || s == StatusReviewsInProgress
}

// Action 表示对状态机发起的操作。
type Action string

const (
	ActionSetIdentifier Action = "setIdentifier"
	ActionCreateProfile Action = "createProfile"
	ActionGetReviews    Action = "getReviews"
	ActionRetry         Action = "retry"
	ActionCancel        Action = "cancel"
)

// ParseAction 校验并归一化操作名。
func ParseAction(raw string) (Action, error) {
	switch Action(strings.TrimSpace(raw)) {
	case ActionSetIdentifier:
		return ActionSetIdentifier, nil
	case ActionCreateProfile:
		return ActionCreateProfile, nil
	case ActionGetReviews:
		return ActionGetReviews, nil
	case ActionRetry:
		return ActionRetry, nil
	case ActionCancel:
		return ActionCancel, nil
	default:
		return "", fmt.Errorf("unsupported action %q", raw)
	}
}

// 同步步骤标识，failed 状态下用于 retry 恢复到对应的进行中状态。
const (
	StepProfile = "profile"
	StepReviews = "reviews"
)

// BusinessProfile 保存某租户在某平台上的同步状态与摘要，
// (tenant_id, platform) 唯一，由 Orchestrator 独占修改。
type BusinessProfile struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	TenantID       string        `gorm:"not null;uniqueIndex:ux_profiles_tenant_platform,priority:1;index" json:"tenant_id"`
	Platform       Platform      `gorm:"type:varchar(20);not null;uniqueIndex:ux_profiles_tenant_platform,priority:2" json:"platform"`
	Status         ProfileStatus `gorm:"type:varchar(30);not null;default:not_started" json:"status"`
	CurrentStep    string        `gorm:"type:varchar(20)" json:"current_step"`
	LastSyncedAt   *time.Time    `json:"last_synced_at"`
	ReviewCount    int64         `json:"review_count"`
	LastReviewDate *time.Time    `json:"last_review_date"`
	FailureReason  string        `gorm:"type:text" json:"failure_reason"`
	// Schedule 为 5 段 cron 表达式，控制定时同步；为空则不参与调度。
	Schedule  string    `gorm:"type:varchar(100)" json:"schedule"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
