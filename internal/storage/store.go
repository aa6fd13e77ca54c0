package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"review-radar/internal/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateKey 表示写入触碰了唯一约束。
// 活跃作业互斥与回调幂等都依赖该信号，调用方据此转换为领域错误。
var ErrDuplicateKey = errors.New("storage: duplicate key")

// Store 封装 SQLite 数据库访问，负责同步核心的全部持久化状态：
// 档案、作业、回调事件、点评与元数据、告警订阅。
type Store struct {
	db *gorm.DB
}

// ReviewQueryOptions 提供点评查询过滤条件。
type ReviewQueryOptions struct {
	TenantID    string
	Platform    model.Platform
	IsRead      *bool
	IsImportant *bool
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// ReviewWithMetadata 为查询面返回的组合结构。
type ReviewWithMetadata struct {
	Review   model.Review          `json:"review"`
	Metadata *model.ReviewMetadata `json:"metadata"`
}

// ReviewStats 为档案摘要所需的聚合结果。
type ReviewStats struct {
	Count          int64
	LastReviewDate *time.Time
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&model.Tenant{},
		&model.PlatformIdentifier{},
		&model.BusinessProfile{},
		&model.SyncJob{},
		&model.WebhookEvent{},
		&model.Review{},
		&model.ReviewMetadata{},
		&model.AlertSubscription{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate models: %w", err)
	}

	return &Store{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// RunInTx 在单个数据库事务内执行 fn，fn 返回错误则整体回滚。
// 回调效果要求 SyncJob 与 WebhookEvent 同事务落库，崩溃不会留下半套状态。
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ---- 平台标识 ----

// SaveIdentifier 写入业务标识，重复保存为幂等操作。
func (s *Store) SaveIdentifier(ctx context.Context, ident *model.PlatformIdentifier) error {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "platform"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(ident)
	if tx.Error != nil {
		return fmt.Errorf("save identifier: %w", tx.Error)
	}
	return nil
}

// ListIdentifiers 返回租户在指定平台下的全部业务标识，按创建顺序。
func (s *Store) ListIdentifiers(ctx context.Context, tenantID string, platform model.Platform) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&model.PlatformIdentifier{}).
		Where("tenant_id = ? AND platform = ?", tenantID, platform).
		Order("id ASC").
		Pluck("external_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	return ids, nil
}

// ---- 业务档案 ----

// GetProfile 获取档案，不存在时返回 sql.ErrNoRows。
func (s *Store) GetProfile(ctx context.Context, tenantID string, platform model.Platform) (*model.BusinessProfile, error) {
	var profile model.BusinessProfile
	err := s.db.WithContext(ctx).
		First(&profile, "tenant_id = ? AND platform = ?", tenantID, platform).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

// EnsureProfile 获取档案，不存在则以 not_started 初始化。
func (s *Store) EnsureProfile(ctx context.Context, tenantID string, platform model.Platform) (*model.BusinessProfile, error) {
	profile := model.BusinessProfile{
		TenantID: tenantID,
		Platform: platform,
		Status:   model.StatusNotStarted,
	}
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND platform = ?", tenantID, platform).
		FirstOrCreate(&profile).Error
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return &profile, nil
}

// SaveProfile 持久化档案全量字段。
func (s *Store) SaveProfile(ctx context.Context, profile *model.BusinessProfile) error {
	if err := s.db.WithContext(ctx).Save(profile).Error; err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// ListSchedulableProfiles 返回配置了调度表达式且当前可发起同步的档案。
// 进行中的档案被排除，保持单活跃作业约束。
func (s *Store) ListSchedulableProfiles(ctx context.Context) ([]model.BusinessProfile, error) {
	var profiles []model.BusinessProfile
	if err := s.db.WithContext(ctx).
		Where("schedule <> '' AND status IN ?", []model.ProfileStatus{model.StatusCompleted, model.StatusFailed, model.StatusProfileCompleted}).
		Order("id ASC").
		Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("list schedulable profiles: %w", err)
	}
	return profiles, nil
}

// ---- 同步作业 ----

// CreateSyncJob 写入作业记录。(tenant_id, platform, active) 唯一索引
// 保证同一租户/平台最多一个活跃作业，冲突时返回 ErrDuplicateKey。
func (s *Store) CreateSyncJob(ctx context.Context, job *model.SyncJob) error {
	err := s.db.WithContext(ctx).Create(job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("create sync job: %w", ErrDuplicateKey)
		}
		return fmt.Errorf("create sync job: %w", err)
	}
	return nil
}

// SetJobProviderID 在外部服务接受作业后回填其分配的 jobId。
func (s *Store) SetJobProviderID(ctx context.Context, id, providerJobID string) error {
	tx := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"job_id": providerJobID, "status": model.JobStatusRunning})
	if tx.Error != nil {
		return fmt.Errorf("set job provider id: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("set job provider id: job %s not found", id)
	}
	return nil
}

// GetSyncJobByProviderID 根据外部 jobId 查找作业，不存在返回 sql.ErrNoRows。
func (s *Store) GetSyncJobByProviderID(ctx context.Context, providerJobID string) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).First(&job, "job_id = ?", providerJobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return &job, nil
}

// GetActiveJob 返回租户/平台当前的活跃作业，没有则返回 sql.ErrNoRows。
func (s *Store) GetActiveJob(ctx context.Context, tenantID string, platform model.Platform) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).
		First(&job, "tenant_id = ? AND platform = ? AND active = ?", tenantID, platform, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return &job, nil
}

// FinishSyncJob 将作业置为终态并释放活跃槽位（active 置 NULL）。
func (s *Store) FinishSyncJob(ctx context.Context, id string, status model.JobStatus, reason string) error {
	tx := s.db.WithContext(ctx).Model(&model.SyncJob{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "failure_reason": reason, "active": nil})
	if tx.Error != nil {
		return fmt.Errorf("finish sync job: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("finish sync job: job %s not found", id)
	}
	return nil
}

// GetLastJob 返回租户/平台最近一次创建的作业，用于确定重试计数，
// 不存在返回 sql.ErrNoRows。
func (s *Store) GetLastJob(ctx context.Context, tenantID string, platform model.Platform) (*model.SyncJob, error) {
	var job model.SyncJob
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND platform = ?", tenantID, platform).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get last job: %w", err)
	}
	return &job, nil
}

// ListStaleActiveJobs 返回提交时间早于 before 且仍处于活跃状态的作业，
// 供超时清扫使用。
func (s *Store) ListStaleActiveJobs(ctx context.Context, before time.Time) ([]model.SyncJob, error) {
	var jobs []model.SyncJob
	if err := s.db.WithContext(ctx).
		Where("active = ? AND submitted_at < ?", true, before).
		Order("submitted_at ASC").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list stale active jobs: %w", err)
	}
	return jobs, nil
}

// ---- 回调事件 ----

// InsertWebhookEvent 以 DoNothing 语义插入事件记录。
// 返回 false 表示 (job_id, event_type) 已存在，由唯一约束关闭并发竞态。
func (s *Store) InsertWebhookEvent(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "event_type"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, fmt.Errorf("insert webhook event: %w", tx.Error)
	}
	return tx.RowsAffected > 0, nil
}

// GetWebhookEvent 读取指定 (job_id, event_type) 的事件记录。
func (s *Store) GetWebhookEvent(ctx context.Context, jobID, eventType string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := s.db.WithContext(ctx).
		First(&event, "job_id = ? AND event_type = ?", jobID, eventType).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return &event, nil
}

// MarkWebhookEvent 更新事件处理状态。success 记录不再被改写，
// 保证 (jobId, eventType) 至多一条 success。
func (s *Store) MarkWebhookEvent(ctx context.Context, jobID, eventType string, status model.EventProcessingStatus, processingError string) error {
	tx := s.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("job_id = ? AND event_type = ? AND processing_status <> ?", jobID, eventType, model.EventSuccess).
		Updates(map[string]any{"processing_status": status, "processing_error": processingError})
	if tx.Error != nil {
		return fmt.Errorf("mark webhook event: %w", tx.Error)
	}
	return nil
}

// RecordWebhookError 在处理失败后登记 error 状态。
// 事务回滚可能连插入一起撤销，这里以 upsert 方式补齐记录。
func (s *Store) RecordWebhookError(ctx context.Context, jobID, eventType, processingError string, receivedAt time.Time) error {
	event := model.WebhookEvent{
		JobID:            jobID,
		EventType:        eventType,
		ProcessingStatus: model.EventError,
		ProcessingError:  processingError,
		ReceivedAt:       receivedAt,
	}
	created, err := s.InsertWebhookEvent(ctx, &event)
	if err != nil {
		return err
	}
	if !created {
		return s.MarkWebhookEvent(ctx, jobID, eventType, model.EventError, processingError)
	}
	return nil
}

// ---- 点评与元数据 ----

// UpsertReview 按 (tenant_id, platform, external_review_id) 写入点评：
// 已存在时仅更新可变字段并保留主键，返回文本是否发生变化。
func (s *Store) UpsertReview(ctx context.Context, review *model.Review) (textChanged bool, err error) {
	var existing model.Review
	err = s.db.WithContext(ctx).
		First(&existing, "tenant_id = ? AND platform = ? AND external_review_id = ?",
			review.TenantID, review.Platform, review.ExternalReviewID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(review).Error; err != nil {
			return false, fmt.Errorf("create review: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("lookup review: %w", err)
	}

	textChanged = existing.Text != review.Text
	review.ID = existing.ID
	review.CreatedAt = existing.CreatedAt
	tx := s.db.WithContext(ctx).Model(&model.Review{}).
		Where("id = ?", existing.ID).
		Updates(map[string]any{
			"author_name":    review.AuthorName,
			"text":           review.Text,
			"rating":         review.Rating,
			"recommended":    review.Recommended,
			"published_at":   review.PublishedAt,
			"owner_response": review.OwnerResponse,
		})
	if tx.Error != nil {
		return false, fmt.Errorf("update review: %w", tx.Error)
	}
	return textChanged, nil
}

// UpsertMetadata 写入分析元数据。已有记录且内容哈希一致时为 no-op；
// 哈希变化时仅覆盖分析字段，分拣标记 is_read/is_important 永不触碰。
func (s *Store) UpsertMetadata(ctx context.Context, meta *model.ReviewMetadata) error {
	var existing model.ReviewMetadata
	err := s.db.WithContext(ctx).First(&existing, "review_id = ?", meta.ReviewID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(meta).Error; err != nil {
			return fmt.Errorf("create review metadata: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup review metadata: %w", err)
	}

	if existing.ContentHash == meta.ContentHash {
		return nil
	}
	tx := s.db.WithContext(ctx).Model(&model.ReviewMetadata{}).
		Where("review_id = ?", meta.ReviewID).
		Updates(map[string]any{
			"sentiment_score": meta.SentimentScore,
			"sentiment_label": meta.SentimentLabel,
			"keywords":        meta.Keywords,
			"urgency_score":   meta.UrgencyScore,
			"emotional_state": meta.EmotionalState,
			"content_hash":    meta.ContentHash,
		})
	if tx.Error != nil {
		return fmt.Errorf("update review metadata: %w", tx.Error)
	}
	return nil
}

// UpdateTriage 更新用户分拣标记，nil 字段保持原值。
func (s *Store) UpdateTriage(ctx context.Context, reviewID uint, isRead, isImportant *bool) error {
	values := map[string]any{}
	if isRead != nil {
		values["is_read"] = *isRead
	}
	if isImportant != nil {
		values["is_important"] = *isImportant
	}
	if len(values) == 0 {
		return nil
	}
	tx := s.db.WithContext(ctx).Model(&model.ReviewMetadata{}).
		Where("review_id = ?", reviewID).
		Updates(values)
	if tx.Error != nil {
		return fmt.Errorf("update triage: %w", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return fmt.Errorf("update triage: review %d not found", reviewID)
	}
	return nil
}

// Stats 聚合租户/平台的点评数量与最新点评时间。
func (s *Store) Stats(ctx context.Context, tenantID string, platform model.Platform) (ReviewStats, error) {
	var stats ReviewStats
	query := s.db.WithContext(ctx).Model(&model.Review{}).
		Where("tenant_id = ? AND platform = ?", tenantID, platform)
	if err := query.Count(&stats.Count).Error; err != nil {
		return stats, fmt.Errorf("count reviews: %w", err)
	}
	if stats.Count == 0 {
		return stats, nil
	}
	var latest model.Review
	if err := s.db.WithContext(ctx).Model(&model.Review{}).
		Where("tenant_id = ? AND platform = ?", tenantID, platform).
		Order("published_at DESC").
		First(&latest).Error; err != nil {
		return stats, fmt.Errorf("latest review: %w", err)
	}
	stats.LastReviewDate = &latest.PublishedAt
	return stats, nil
}

// ListReviews 返回带元数据的点评列表，按发布时间倒序。
func (s *Store) ListReviews(ctx context.Context, opts ReviewQueryOptions) ([]ReviewWithMetadata, error) {
	var reviews []model.Review
	query := applyReviewFilters(s.db.WithContext(ctx).Model(&model.Review{}), opts).
		Order("reviews.published_at DESC")
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}
	if err := query.Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	if len(reviews) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(reviews))
	for _, r := range reviews {
		ids = append(ids, r.ID)
	}
	var metas []model.ReviewMetadata
	if err := s.db.WithContext(ctx).
		Where("review_id IN ?", ids).
		Find(&metas).Error; err != nil {
		return nil, fmt.Errorf("list review metadata: %w", err)
	}
	byReview := make(map[uint]*model.ReviewMetadata, len(metas))
	for i := range metas {
		byReview[metas[i].ReviewID] = &metas[i]
	}

	result := make([]ReviewWithMetadata, 0, len(reviews))
	for _, r := range reviews {
		result = append(result, ReviewWithMetadata{Review: r, Metadata: byReview[r.ID]})
	}
	return result, nil
}

// CountReviews 返回满足过滤条件的点评总数。
func (s *Store) CountReviews(ctx context.Context, opts ReviewQueryOptions) (int64, error) {
	var total int64
	query := applyReviewFilters(s.db.WithContext(ctx).Model(&model.Review{}), opts)
	if err := query.Count(&total).Error; err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return total, nil
}

func applyReviewFilters(db *gorm.DB, opts ReviewQueryOptions) *gorm.DB {
	db = db.Where("reviews.tenant_id = ?", opts.TenantID)
	if opts.Platform != "" {
		db = db.Where("reviews.platform = ?", opts.Platform)
	}
	if opts.IsRead != nil || opts.IsImportant != nil {
		db = db.Joins("JOIN review_metadata ON review_metadata.review_id = reviews.id")
		if opts.IsRead != nil {
			db = db.Where("review_metadata.is_read = ?", *opts.IsRead)
		}
		if opts.IsImportant != nil {
			db = db.Where("review_metadata.is_important = ?", *opts.IsImportant)
		}
	}
	if opts.From != nil {
		db = db.Where("reviews.published_at >= ?", *opts.From)
	}
	if opts.To != nil {
		db = db.Where("reviews.published_at <= ?", *opts.To)
	}
	return db
}

// ---- 告警订阅 ----

// CreateSubscription 新增告警订阅。
func (s *Store) CreateSubscription(ctx context.Context, sub *model.AlertSubscription) error {
	if err := s.db.WithContext(ctx).Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// ListSubscriptions 返回租户的全部告警订阅。
func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]model.AlertSubscription, error) {
	var subs []model.AlertSubscription
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}
