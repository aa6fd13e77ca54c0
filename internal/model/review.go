package model

import (
	"time"

	"gorm.io/datatypes"
)

// Review 是平台无关的统一点评表示。
// 各平台原始结构在边界处归一化为该模型后才进入上层。
// - ExternalReviewID: 平台内唯一标识，按 (tenant, platform, external_id) 去重
// - Rating: 星级制平台的评分（1~5）；推荐制平台为空
// - Recommended: 推荐制平台（如 Facebook）的推荐与否；星级制平台为空
// - OwnerResponse: 商家回复，属于可变字段，重复摄入时更新
type Review struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TenantID         string    `gorm:"not null;uniqueIndex:ux_reviews_tenant_platform_ext,priority:1;index" json:"tenant_id"`
	Platform         Platform  `gorm:"type:varchar(20);not null;uniqueIndex:ux_reviews_tenant_platform_ext,priority:2" json:"platform"`
	ExternalReviewID string    `gorm:"not null;uniqueIndex:ux_reviews_tenant_platform_ext,priority:3" json:"external_review_id"`
	AuthorName       string    `json:"author_name"`
	Text             string    `gorm:"type:text" json:"text"`
	Rating           *float64  `json:"rating"`
	Recommended      *bool     `json:"recommended"`
	PublishedAt      time.Time `gorm:"index" json:"published_at"`
	OwnerResponse    string    `gorm:"type:text" json:"owner_response"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ReviewMetadata 与 Review 一一对应，保存分析结果与用户分拣标记。
// 分析字段仅在点评文本变化时重写；IsRead/IsImportant 由用户操作维护，
// 重新分析不得覆盖。
type ReviewMetadata struct {
	ID             uint                        `gorm:"primaryKey" json:"id"`
	ReviewID       uint                        `gorm:"not null;uniqueIndex:ux_review_metadata_review" json:"review_id"`
	SentimentScore float64                     `json:"sentiment_score"`
	SentimentLabel string                      `gorm:"type:varchar(20)" json:"sentiment_label"`
	Keywords       datatypes.JSONSlice[string] `json:"keywords"`
	UrgencyScore   int                         `json:"urgency_score"`
	EmotionalState string                      `gorm:"type:varchar(20)" json:"emotional_state"`
	ContentHash    string                      `gorm:"type:varchar(64);index" json:"content_hash"`
	IsRead         bool                        `gorm:"not null;default:false" json:"is_read"`
	IsImportant    bool                        `gorm:"not null;default:false" json:"is_important"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}
