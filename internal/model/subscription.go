package model

import "time"

// AlertSubscription 表示租户的紧急点评告警订阅：
// 新摄入点评的紧急度达到 MinUrgency 时向 Email 推送。
// Platform 为空表示订阅该租户全部平台。
type AlertSubscription struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"not null;index" json:"tenant_id"`
	Email      string    `gorm:"not null" json:"email"`
	Platform   Platform  `gorm:"type:varchar(20)" json:"platform"`
	MinUrgency int       `gorm:"not null;default:7" json:"min_urgency"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
