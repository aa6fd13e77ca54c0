package notifier

import (
	"context"
	"fmt"

	"review-radar/internal/model"
	"review-radar/internal/orchestrator"
)

// defaultMinUrgency 为无订阅时兜底通知的紧急度阈值。
const defaultMinUrgency = 7

// SubscriptionStore 定义订阅读取接口。
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context, tenantID string) ([]model.AlertSubscription, error)
}

// reviewNotifier 提供统一通知接口。
type reviewNotifier interface {
	Notify(ctx context.Context, reviews []orchestrator.AnalyzedReview) error
}

// SubscriptionNotifier 会按订阅偏好推送紧急点评告警：
// 每条订阅只收到所属租户、匹配平台且紧急度达到阈值的点评。
type SubscriptionNotifier struct {
	store    SubscriptionStore
	emailCfg EmailConfig
	sender   EmailSender
	fallback reviewNotifier
}

// NewSubscriptionNotifier 创建实例。
func NewSubscriptionNotifier(store SubscriptionStore, cfg EmailConfig, sender EmailSender, fallback reviewNotifier) *SubscriptionNotifier {
	return &SubscriptionNotifier{
		store:    store,
		emailCfg: cfg,
		sender:   sender,
		fallback: fallback,
	}
}

// Notify 根据订阅过滤并发送消息。一批点评属于同一租户同一平台，
// 因此按首条点评的租户读取订阅。
func (n *SubscriptionNotifier) Notify(ctx context.Context, reviews []orchestrator.AnalyzedReview) error {
	if len(reviews) == 0 || n.store == nil {
		return nil
	}

	subs, err := n.store.ListSubscriptions(ctx, reviews[0].Review.TenantID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		if n.fallback != nil {
			return n.fallback.Notify(ctx, filterBySubscription(model.AlertSubscription{
				TenantID:   reviews[0].Review.TenantID,
				MinUrgency: defaultMinUrgency,
			}, reviews))
		}
		return nil
	}

	for _, sub := range subs {
		matches := filterBySubscription(sub, reviews)
		if len(matches) == 0 {
			continue
		}
		cfg := n.emailCfg
		cfg.To = []string{sub.Email}
		email := NewEmailNotifier(cfg, n.sender)
		if err := email.Notify(ctx, matches); err != nil {
			return err
		}
	}

	return nil
}

func filterBySubscription(sub model.AlertSubscription, reviews []orchestrator.AnalyzedReview) []orchestrator.AnalyzedReview {
	filtered := make([]orchestrator.AnalyzedReview, 0, len(reviews))
	for _, r := range reviews {
		if r.Review.TenantID != sub.TenantID {
			continue
		}
		if sub.Platform != "" && r.Review.Platform != sub.Platform {
			continue
		}
		if r.Metadata.UrgencyScore < sub.MinUrgency {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered
}
