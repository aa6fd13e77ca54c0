package model

// 显式表名，避免依赖复数化推断。

func (Tenant) TableName() string             { return "tenants" }
func (PlatformIdentifier) TableName() string { return "platform_identifiers" }
func (BusinessProfile) TableName() string    { return "business_profiles" }
func (SyncJob) TableName() string            { return "sync_jobs" }
func (WebhookEvent) TableName() string       { return "webhook_events" }
func (Review) TableName() string             { return "reviews" }
func (ReviewMetadata) TableName() string     { return "review_metadata" }
func (AlertSubscription) TableName() string  { return "alert_subscriptions" }
