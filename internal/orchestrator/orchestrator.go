package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"review-radar/internal/analysis"
	"review-radar/internal/batch"
	"review-radar/internal/model"
	"review-radar/internal/provider"
	"review-radar/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config 为同步策略配置。重试上限与作业超时是策略而非常量。
type Config struct {
	// MaxAttempts 为单步骤允许的最大尝试次数，超过后 retry 不再合法，默认 3。
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// MaxBatchSize 为外部服务单作业可承载的标识上限。
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// JobTimeout 为作业无回调的最长等待时长，超出由清扫器判定失败，默认 2h。
	JobTimeout string `yaml:"job_timeout" json:"job_timeout"`
}

// Orchestrator 拥有 BusinessProfile 生命周期，驱动从派发到完成的全部状态迁移。
// 所有互斥约束由持久层唯一索引保证，可跨进程并发调用。
type Orchestrator struct {
	store       *storage.Store
	gateway     provider.Gateway
	analyzer    *analysis.Engine
	maxAttempts int
	maxBatch    int
	jobTimeout  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// New 创建 Orchestrator。
func New(store *storage.Store, gateway provider.Gateway, analyzer *analysis.Engine, cfg Config, logger *zap.Logger) *Orchestrator {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	jobTimeout := 2 * time.Hour
	if cfg.JobTimeout != "" {
		if d, err := time.ParseDuration(cfg.JobTimeout); err == nil && d > 0 {
			jobTimeout = d
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:       store,
		gateway:     gateway,
		analyzer:    analyzer,
		maxAttempts: maxAttempts,
		maxBatch:    cfg.MaxBatchSize,
		jobTimeout:  jobTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// JobTimeout 返回清扫器使用的作业超时时长。
func (o *Orchestrator) JobTimeout() time.Duration { return o.jobTimeout }

// SaveIdentifier 保存平台业务标识并确保档案存在；
// 首次保存使档案从 not_started 进入 identifier_set，不派发作业。
func (o *Orchestrator) SaveIdentifier(ctx context.Context, tenantID string, platform model.Platform, externalID, schedule string) (*model.BusinessProfile, error) {
	if externalID == "" {
		return nil, fmt.Errorf("%w: external id required", ErrInvalidTransition)
	}
	if err := o.store.SaveIdentifier(ctx, &model.PlatformIdentifier{
		TenantID:   tenantID,
		Platform:   platform,
		ExternalID: externalID,
	}); err != nil {
		return nil, err
	}

	profile, err := o.store.EnsureProfile(ctx, tenantID, platform)
	if err != nil {
		return nil, err
	}
	changed := false
	if profile.Status == model.StatusNotStarted {
		profile.Status = model.StatusIdentifierSet
		changed = true
	}
	if schedule != "" && profile.Schedule != schedule {
		profile.Schedule = schedule
		changed = true
	}
	if changed {
		if err := o.store.SaveProfile(ctx, profile); err != nil {
			return nil, err
		}
	}
	return profile, nil
}

// GetStatus 返回档案当前状态，供 UI 轮询。
func (o *Orchestrator) GetStatus(ctx context.Context, tenantID string, platform model.Platform) (*model.BusinessProfile, error) {
	return o.store.GetProfile(ctx, tenantID, platform)
}

// RequestTransition 对状态机发起操作，返回应用后的档案。
// 守卫触发时返回未变化的当前状态与对应错误，绝不留下半套修改。
func (o *Orchestrator) RequestTransition(ctx context.Context, tenantID string, platform model.Platform, action model.Action) (*model.BusinessProfile, error) {
	profile, err := o.store.GetProfile(ctx, tenantID, platform)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: profile not initialized", ErrInvalidTransition)
		}
		return nil, err
	}

	switch action {
	case model.ActionSetIdentifier:
		return o.applySetIdentifier(ctx, profile)
	case model.ActionCreateProfile:
		if profile.Status != model.StatusIdentifierSet {
			return profile, fmt.Errorf("%w: createProfile not allowed from %s", ErrInvalidTransition, profile.Status)
		}
		return o.dispatch(ctx, profile, model.JobKindProfile, 1)
	case model.ActionGetReviews:
		// failed 且停在评论步骤的档案允许随下一次调度/手动同步自然恢复。
		allowed := profile.Status == model.StatusProfileCompleted ||
			profile.Status == model.StatusCompleted ||
			(profile.Status == model.StatusFailed && profile.CurrentStep == model.StepReviews)
		if !allowed {
			if profile.Status.InProgress() {
				return profile, fmt.Errorf("%w: sync already running", ErrJobInFlight)
			}
			return profile, fmt.Errorf("%w: getReviews not allowed from %s", ErrInvalidTransition, profile.Status)
		}
		return o.dispatch(ctx, profile, model.JobKindReviews, 1)
	case model.ActionRetry:
		return o.applyRetry(ctx, profile)
	case model.ActionCancel:
		return o.applyCancel(ctx, profile)
	}
	return profile, fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
}

func (o *Orchestrator) applySetIdentifier(ctx context.Context, profile *model.BusinessProfile) (*model.BusinessProfile, error) {
	if profile.Status != model.StatusNotStarted {
		return profile, fmt.Errorf("%w: identifier already set", ErrInvalidTransition)
	}
	ids, err := o.store.ListIdentifiers(ctx, profile.TenantID, profile.Platform)
	if err != nil {
		return profile, err
	}
	if len(ids) == 0 {
		return profile, fmt.Errorf("%w: no identifier saved", ErrInvalidTransition)
	}
	profile.Status = model.StatusIdentifierSet
	if err := o.store.SaveProfile(ctx, profile); err != nil {
		return profile, err
	}
	return profile, nil
}

// applyRetry 在 failed 状态下按 CurrentStep 重派作业，
// 尝试次数达到上限后需要人工介入，retry 视为非法操作。
func (o *Orchestrator) applyRetry(ctx context.Context, profile *model.BusinessProfile) (*model.BusinessProfile, error) {
	if profile.Status != model.StatusFailed {
		return profile, fmt.Errorf("%w: retry only allowed from failed", ErrInvalidTransition)
	}

	attempt := 1
	last, err := o.store.GetLastJob(ctx, profile.TenantID, profile.Platform)
	switch {
	case err == nil:
		if last.Attempt >= o.maxAttempts {
			return profile, fmt.Errorf("%w: retry attempts exhausted (%d)", ErrInvalidTransition, last.Attempt)
		}
		attempt = last.Attempt + 1
	case errors.Is(err, sql.ErrNoRows):
		// 没有历史作业（如派发前失败），从第一次尝试开始。
	default:
		return profile, err
	}

	kind := model.JobKindProfile
	if profile.CurrentStep == model.StepReviews {
		kind = model.JobKindReviews
	}
	return o.dispatch(ctx, profile, kind, attempt)
}

// applyCancel 尽力取消活跃作业。外部服务确认后档案转入 failed；
// 若完成回调抢先到达，以回调效果为准。
func (o *Orchestrator) applyCancel(ctx context.Context, profile *model.BusinessProfile) (*model.BusinessProfile, error) {
	job, err := o.store.GetActiveJob(ctx, profile.TenantID, profile.Platform)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile, fmt.Errorf("%w: no active job to cancel", ErrInvalidTransition)
		}
		return profile, err
	}

	if err := o.gateway.CancelJob(ctx, job.JobID); err != nil {
		return profile, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	// 取消确认与落库之间完成回调可能先行提交，事务内重查活跃槽位，
	// 作业已达终态则放弃改写，以回调效果为准。
	raced := false
	err = o.store.RunInTx(ctx, func(tx *storage.Store) error {
		current, err := tx.GetActiveJob(ctx, profile.TenantID, profile.Platform)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				raced = true
				return nil
			}
			return err
		}
		if current.ID != job.ID {
			raced = true
			return nil
		}
		if err := tx.FinishSyncJob(ctx, job.ID, model.JobStatusAborted, "cancelled"); err != nil {
			return err
		}
		profile.Status = model.StatusFailed
		profile.FailureReason = "cancelled"
		return tx.SaveProfile(ctx, profile)
	})
	if err != nil {
		return o.reload(ctx, profile), err
	}
	if raced {
		o.logger.Info("cancel superseded by completion webhook",
			zap.String("tenant_id", profile.TenantID),
			zap.String("platform", string(profile.Platform)),
			zap.String("job_id", job.JobID))
		return o.reload(ctx, profile), nil
	}

	o.logger.Info("sync cancelled",
		zap.String("tenant_id", profile.TenantID),
		zap.String("platform", string(profile.Platform)),
		zap.String("job_id", job.JobID))
	return profile, nil
}

// dispatch 批量组装标识并提交首个作业；其余批次挂到作业的待派队列，
// 在完成回调中顺序续派，保证单活跃作业不变式。
// SyncJob 记录与外部服务的接受在同一事务内提交或一起放弃。
func (o *Orchestrator) dispatch(ctx context.Context, profile *model.BusinessProfile, kind model.JobKind, attempt int) (*model.BusinessProfile, error) {
	identifiers, err := o.store.ListIdentifiers(ctx, profile.TenantID, profile.Platform)
	if err != nil {
		return profile, err
	}
	specs, err := batch.Build(profile.TenantID, profile.Platform, kind, identifiers, o.maxBatch)
	if err != nil {
		return profile, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}

	first := specs[0]
	var queued []string
	for _, spec := range specs[1:] {
		queued = append(queued, spec.Identifiers...)
	}

	active := true
	job := &model.SyncJob{
		ID:                 uuid.NewString(),
		TenantID:           profile.TenantID,
		Platform:           profile.Platform,
		Active:             &active,
		Kind:               kind,
		BatchedIdentifiers: first.Identifiers,
		QueuedIdentifiers:  queued,
		Status:             model.JobStatusPending,
		Attempt:            attempt,
		SubmittedAt:        o.now(),
	}
	// 外部 jobId 回填前以本地 ID 占位，保持唯一索引。
	job.JobID = job.ID

	err = o.store.RunInTx(ctx, func(tx *storage.Store) error {
		if err := tx.CreateSyncJob(ctx, job); err != nil {
			if errors.Is(err, storage.ErrDuplicateKey) {
				return fmt.Errorf("%w: tenant %s platform %s", ErrJobInFlight, profile.TenantID, profile.Platform)
			}
			return err
		}
		providerJobID, err := o.gateway.SubmitJob(ctx, first)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
		}
		if err := tx.SetJobProviderID(ctx, job.ID, providerJobID); err != nil {
			return err
		}
		job.JobID = providerJobID

		if kind == model.JobKindProfile {
			profile.Status = model.StatusProfileInProgress
			profile.CurrentStep = model.StepProfile
		} else {
			profile.Status = model.StatusReviewsInProgress
			profile.CurrentStep = model.StepReviews
		}
		profile.FailureReason = ""
		return tx.SaveProfile(ctx, profile)
	})
	if err != nil {
		return o.reload(ctx, profile), err
	}

	o.logger.Info("sync job dispatched",
		zap.String("tenant_id", profile.TenantID),
		zap.String("platform", string(profile.Platform)),
		zap.String("kind", string(kind)),
		zap.String("job_id", job.JobID),
		zap.Int("attempt", attempt),
		zap.Int("batched", len(job.BatchedIdentifiers)),
		zap.Int("queued", len(job.QueuedIdentifiers)))
	return profile, nil
}

// AnalyzedReview 为回调处理产出的点评与元数据组合，供告警等下游消费。
type AnalyzedReview struct {
	Review   model.Review
	Metadata model.ReviewMetadata
}

// ApplyJobEvent 在给定事务内应用一次回调效果：作业置终态、档案迁移、
// 点评入库与分析。由幂等守卫在 (jobId, eventType) 去重后调用。
func (o *Orchestrator) ApplyJobEvent(ctx context.Context, tx *storage.Store, job *model.SyncJob, eventType string, reviews []model.Review) ([]AnalyzedReview, error) {
	profile, err := tx.GetProfile(ctx, job.TenantID, job.Platform)
	if err != nil {
		return nil, fmt.Errorf("load profile for job %s: %w", job.JobID, err)
	}

	switch eventType {
	case model.EventTypeSucceeded:
		return o.applySuccess(ctx, tx, job, profile, reviews)
	case model.EventTypeFailed:
		return nil, o.applyFailure(ctx, tx, job, profile, model.JobStatusFailed, "provider reported failure")
	case model.EventTypeAborted:
		return nil, o.applyFailure(ctx, tx, job, profile, model.JobStatusAborted, "provider aborted job")
	}
	return nil, fmt.Errorf("unknown event type %q for job %s", eventType, job.JobID)
}

func (o *Orchestrator) applySuccess(ctx context.Context, tx *storage.Store, job *model.SyncJob, profile *model.BusinessProfile, reviews []model.Review) ([]AnalyzedReview, error) {
	analyzed := make([]AnalyzedReview, 0, len(reviews))
	for i := range reviews {
		review := &reviews[i]
		if _, err := tx.UpsertReview(ctx, review); err != nil {
			return nil, err
		}
		res := o.analyzer.Analyze(analysis.Input{
			Text:        review.Text,
			Rating:      review.Rating,
			Recommended: review.Recommended,
		})
		keywords := make([]string, 0, len(res.Keywords))
		for _, kw := range res.Keywords {
			keywords = append(keywords, kw.Term)
		}
		meta := model.ReviewMetadata{
			ReviewID:       review.ID,
			SentimentScore: res.SentimentScore,
			SentimentLabel: res.SentimentLabel,
			Keywords:       keywords,
			UrgencyScore:   res.UrgencyScore,
			EmotionalState: res.EmotionalState,
			ContentHash:    res.ContentHash,
		}
		if err := tx.UpsertMetadata(ctx, &meta); err != nil {
			return nil, err
		}
		analyzed = append(analyzed, AnalyzedReview{Review: *review, Metadata: meta})
	}

	if err := tx.FinishSyncJob(ctx, job.ID, model.JobStatusSucceeded, ""); err != nil {
		return nil, err
	}

	// 还有待派批次则续派下一批，档案保持进行中直到队列排空。
	if len(job.QueuedIdentifiers) > 0 {
		if err := o.dispatchNext(ctx, tx, job); err != nil {
			return nil, err
		}
		return analyzed, nil
	}

	if job.Kind == model.JobKindProfile {
		profile.Status = model.StatusProfileCompleted
		profile.FailureReason = ""
		if err := tx.SaveProfile(ctx, profile); err != nil {
			return nil, err
		}
		return analyzed, nil
	}

	stats, err := tx.Stats(ctx, job.TenantID, job.Platform)
	if err != nil {
		return nil, err
	}
	now := o.now()
	profile.Status = model.StatusCompleted
	profile.FailureReason = ""
	profile.ReviewCount = stats.Count
	profile.LastReviewDate = stats.LastReviewDate
	profile.LastSyncedAt = &now
	if err := tx.SaveProfile(ctx, profile); err != nil {
		return nil, err
	}
	return analyzed, nil
}

// dispatchNext 在前序批次完成后续派队列中的下一批。
// 前序作业已释放活跃槽位，新作业的唯一索引插入不会冲突。
func (o *Orchestrator) dispatchNext(ctx context.Context, tx *storage.Store, prev *model.SyncJob) error {
	chunk := prev.QueuedIdentifiers
	maxSize := o.maxBatch
	if maxSize <= 0 {
		maxSize = batch.DefaultMaxBatchSize
	}
	var remaining []string
	if len(chunk) > maxSize {
		remaining = chunk[maxSize:]
		chunk = chunk[:maxSize]
	}

	active := true
	next := &model.SyncJob{
		ID:                 uuid.NewString(),
		TenantID:           prev.TenantID,
		Platform:           prev.Platform,
		Active:             &active,
		Kind:               prev.Kind,
		BatchedIdentifiers: chunk,
		QueuedIdentifiers:  remaining,
		Status:             model.JobStatusPending,
		Attempt:            1,
		SubmittedAt:        o.now(),
	}
	next.JobID = next.ID

	if err := tx.CreateSyncJob(ctx, next); err != nil {
		return err
	}
	providerJobID, err := o.gateway.SubmitJob(ctx, batch.JobSpec{
		TenantID:    prev.TenantID,
		Platform:    prev.Platform,
		Kind:        prev.Kind,
		Identifiers: chunk,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	if err := tx.SetJobProviderID(ctx, next.ID, providerJobID); err != nil {
		return err
	}

	o.logger.Info("follow-up batch dispatched",
		zap.String("tenant_id", prev.TenantID),
		zap.String("platform", string(prev.Platform)),
		zap.String("job_id", providerJobID),
		zap.Int("batched", len(chunk)),
		zap.Int("queued", len(remaining)))
	return nil
}

func (o *Orchestrator) applyFailure(ctx context.Context, tx *storage.Store, job *model.SyncJob, profile *model.BusinessProfile, status model.JobStatus, reason string) error {
	if err := tx.FinishSyncJob(ctx, job.ID, status, reason); err != nil {
		return err
	}
	profile.Status = model.StatusFailed
	profile.FailureReason = reason
	return tx.SaveProfile(ctx, profile)
}

// SweepTimeouts 将超过最长等待时间仍无回调的作业判定为超时失败，
// 释放租户/平台的活跃槽位供下次派发。
func (o *Orchestrator) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.jobTimeout)
	stale, err := o.store.ListStaleActiveJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range stale {
		job := stale[i]
		err := o.store.RunInTx(ctx, func(tx *storage.Store) error {
			profile, err := tx.GetProfile(ctx, job.TenantID, job.Platform)
			if err != nil {
				return err
			}
			if err := tx.FinishSyncJob(ctx, job.ID, model.JobStatusFailed, ErrTimeout.Error()); err != nil {
				return err
			}
			profile.Status = model.StatusFailed
			profile.FailureReason = ErrTimeout.Error()
			return tx.SaveProfile(ctx, profile)
		})
		if err != nil {
			return swept, fmt.Errorf("sweep job %s: %w", job.JobID, err)
		}
		swept++
		o.logger.Warn("sync job timed out",
			zap.String("tenant_id", job.TenantID),
			zap.String("platform", string(job.Platform)),
			zap.String("job_id", job.JobID),
			zap.Time("submitted_at", job.SubmittedAt))
	}
	return swept, nil
}

// reload 在事务回滚后返回数据库中的真实状态，避免返回半修改的内存副本。
func (o *Orchestrator) reload(ctx context.Context, profile *model.BusinessProfile) *model.BusinessProfile {
	fresh, err := o.store.GetProfile(ctx, profile.TenantID, profile.Platform)
	if err != nil {
		return profile
	}
	return fresh
}
