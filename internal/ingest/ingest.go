package ingest

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"review-radar/internal/model"
	"review-radar/internal/normalize"
	"review-radar/internal/orchestrator"
	"review-radar/internal/provider"
	"review-radar/internal/storage"

	"go.uber.org/zap"
)

// Config 为回调入口配置。AuthToken 与外部服务预共享。
type Config struct {
	// AuthToken 建议通过环境变量 WEBHOOK_AUTH_TOKEN 注入。
	AuthToken string `yaml:"auth_token" json:"auth_token"`
}

// Payload 为外部服务的完成回调载荷。
type Payload struct {
	JobID      string `json:"jobId"`
	EventType  string `json:"eventType"`
	ResultsRef string `json:"resultsRef"`
}

// Ack 为回调处理结果。Skipped 表示重复投递被幂等守卫短路。
type Ack struct {
	Skipped bool `json:"skipped"`
}

// Notifier 消费本次回调新分析出的点评，如发送紧急告警。
type Notifier interface {
	Notify(ctx context.Context, analyzed []orchestrator.AnalyzedReview) error
}

// Guard 是回调的幂等守卫：鉴权、(jobId, eventType) 去重、事务内应用效果。
// 同一 jobId 的并发回调由唯一约束串行化，check-then-insert 竞态在此关闭。
type Guard struct {
	store   *storage.Store
	orch    *orchestrator.Orchestrator
	gateway provider.Gateway
	secret  string
	notif   Notifier
	logger  *zap.Logger
	now     func() time.Time
}

// NewGuard 创建 Guard。
func NewGuard(store *storage.Store, orch *orchestrator.Orchestrator, gateway provider.Gateway, cfg Config, notif Notifier, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:   store,
		orch:    orch,
		gateway: gateway,
		secret:  cfg.AuthToken,
		notif:   notif,
		logger:  logger,
		now:     time.Now,
	}
}

// Ingest 处理一次入站回调。
// 鉴权失败不落任何记录；重复投递返回 Ack{Skipped: true} 且无二次效果；
// 处理失败返回错误，由调用方以非 2xx 响应触发外部服务退避重试。
func (g *Guard) Ingest(ctx context.Context, rawPayload []byte, authToken string) (Ack, error) {
	if g.secret == "" || subtle.ConstantTimeCompare([]byte(authToken), []byte(g.secret)) != 1 {
		return Ack{}, orchestrator.ErrUnauthorized
	}

	var payload Payload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return Ack{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	if payload.JobID == "" {
		return Ack{}, fmt.Errorf("webhook payload missing jobId")
	}
	switch payload.EventType {
	case model.EventTypeSucceeded, model.EventTypeFailed, model.EventTypeAborted:
	default:
		return Ack{}, fmt.Errorf("unknown event type %q", payload.EventType)
	}

	receivedAt := g.now()

	// 快路径：已成功处理过的 (jobId, eventType) 直接短路。
	if existing, err := g.store.GetWebhookEvent(ctx, payload.JobID, payload.EventType); err == nil &&
		existing.ProcessingStatus == model.EventSuccess {
		g.logger.Debug("duplicate webhook skipped",
			zap.String("job_id", payload.JobID),
			zap.String("event_type", payload.EventType))
		return Ack{Skipped: true}, nil
	}

	job, err := g.store.GetSyncJobByProviderID(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ack{}, fmt.Errorf("webhook for unknown job %s: %w", payload.JobID, err)
		}
		return Ack{}, err
	}

	// 评论作业的结果在事务外拉取并归一化，拉取是只读幂等操作；
	// 分析为纯计算，随写入一起进事务。
	var reviews []model.Review
	if payload.EventType == model.EventTypeSucceeded && job.Kind == model.JobKindReviews {
		reviews, err = g.fetchReviews(ctx, job, payload.ResultsRef)
		if err != nil {
			if recErr := g.store.RecordWebhookError(ctx, payload.JobID, payload.EventType, err.Error(), receivedAt); recErr != nil {
				g.logger.Error("record webhook error failed", zap.Error(recErr))
			}
			return Ack{}, fmt.Errorf("fetch results for %s: %w", payload.JobID, err)
		}
	}

	var analyzed []orchestrator.AnalyzedReview
	err = g.store.RunInTx(ctx, func(tx *storage.Store) error {
		event := model.WebhookEvent{
			JobID:            payload.JobID,
			EventType:        payload.EventType,
			ProcessingStatus: model.EventUnprocessed,
			ReceivedAt:       receivedAt,
		}
		created, err := tx.InsertWebhookEvent(ctx, &event)
		if err != nil {
			return err
		}
		if !created {
			existing, err := tx.GetWebhookEvent(ctx, payload.JobID, payload.EventType)
			if err != nil {
				return err
			}
			if existing.ProcessingStatus == model.EventSuccess {
				return orchestrator.ErrDuplicateEvent
			}
			// 上次尝试失败留下的记录，本次重试接管。
		}

		analyzed, err = g.orch.ApplyJobEvent(ctx, tx, job, payload.EventType, reviews)
		if err != nil {
			return err
		}
		return tx.MarkWebhookEvent(ctx, payload.JobID, payload.EventType, model.EventSuccess, "")
	})
	if errors.Is(err, orchestrator.ErrDuplicateEvent) {
		g.logger.Debug("duplicate webhook skipped",
			zap.String("job_id", payload.JobID),
			zap.String("event_type", payload.EventType))
		return Ack{Skipped: true}, nil
	}
	if err != nil {
		if recErr := g.store.RecordWebhookError(ctx, payload.JobID, payload.EventType, err.Error(), receivedAt); recErr != nil {
			g.logger.Error("record webhook error failed", zap.Error(recErr))
		}
		return Ack{}, fmt.Errorf("apply webhook %s/%s: %w", payload.JobID, payload.EventType, err)
	}

	g.logger.Info("webhook applied",
		zap.String("job_id", payload.JobID),
		zap.String("event_type", payload.EventType),
		zap.String("tenant_id", job.TenantID),
		zap.String("platform", string(job.Platform)),
		zap.Int("reviews", len(reviews)))

	// 告警失败不影响回调结果，外部服务不应因此重试。
	if g.notif != nil && len(analyzed) > 0 {
		if err := g.notif.Notify(ctx, analyzed); err != nil {
			g.logger.Error("urgent review notify failed", zap.Error(err))
		}
	}
	return Ack{}, nil
}

func (g *Guard) fetchReviews(ctx context.Context, job *model.SyncJob, resultsRef string) ([]model.Review, error) {
	items, err := g.gateway.FetchResults(ctx, resultsRef)
	if err != nil {
		return nil, err
	}
	reviews := make([]model.Review, 0, len(items))
	for _, item := range items {
		review, err := normalize.Review(job.TenantID, item)
		if err != nil {
			// 单条畸形载荷不拖垮整个作业，记录后跳过。
			g.logger.Warn("skip malformed review payload",
				zap.String("job_id", job.JobID),
				zap.Error(err))
			continue
		}
		reviews = append(reviews, review)
	}
	return reviews, nil
}
