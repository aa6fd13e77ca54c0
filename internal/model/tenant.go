package model

import "time"

// Tenant 表示一个租户组织，租户之间数据完全隔离。
// 由入驻流程创建，本核心只读，不做任何修改。
type Tenant struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformIdentifier 记录租户在某平台上的业务定位信息，
// 即外部抓取服务需要的 place 引用或主页 URL。
// (tenant_id, platform, external_id) 全局唯一。
type PlatformIdentifier struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"not null;uniqueIndex:ux_identifiers_tenant_platform_ext,priority:1;index" json:"tenant_id"`
	Platform   Platform  `gorm:"type:varchar(20);not null;uniqueIndex:ux_identifiers_tenant_platform_ext,priority:2" json:"platform"`
	ExternalID string    `gorm:"not null;uniqueIndex:ux_identifiers_tenant_platform_ext,priority:3" json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
