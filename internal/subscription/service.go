package subscription

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"review-radar/internal/model"
)

// Store 定义持久化接口。
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.AlertSubscription) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]model.AlertSubscription, error)
}

// Config 控制默认紧急度阈值。
type Config struct {
	DefaultMinUrgency int `yaml:"default_min_urgency" json:"default_min_urgency"`
}

// Request 表示前端订阅请求。Platform 为空表示订阅全部平台。
type Request struct {
	TenantID   string `json:"tenant_id"`
	Email      string `json:"email"`
	Platform   string `json:"platform"`
	MinUrgency int    `json:"min_urgency"`
}

// Service 负责验证与写入告警订阅。
type Service struct {
	store      Store
	minUrgency int
}

// NewService 创建订阅服务。
func NewService(store Store, cfg Config) *Service {
	minUrgency := cfg.DefaultMinUrgency
	if minUrgency < 1 || minUrgency > 10 {
		minUrgency = 7
	}
	return &Service{store: store, minUrgency: minUrgency}
}

// Create 校验请求并写入数据库。
func (s *Service) Create(ctx context.Context, req Request) (model.AlertSubscription, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return model.AlertSubscription{}, fmt.Errorf("tenant_id required")
	}

	email := strings.TrimSpace(req.Email)
	if email == "" {
		return model.AlertSubscription{}, fmt.Errorf("email required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.AlertSubscription{}, fmt.Errorf("invalid email: %w", err)
	}

	var platform model.Platform
	if trimmed := strings.TrimSpace(req.Platform); trimmed != "" {
		parsed, err := model.ParsePlatform(trimmed)
		if err != nil {
			return model.AlertSubscription{}, err
		}
		platform = parsed
	}

	minUrgency := req.MinUrgency
	if minUrgency == 0 {
		minUrgency = s.minUrgency
	}
	if minUrgency < 1 || minUrgency > 10 {
		return model.AlertSubscription{}, fmt.Errorf("min_urgency must be between 1 and 10")
	}

	sub := model.AlertSubscription{
		TenantID:   tenantID,
		Email:      email,
		Platform:   platform,
		MinUrgency: minUrgency,
	}
	if err := s.store.CreateSubscription(ctx, &sub); err != nil {
		return model.AlertSubscription{}, err
	}
	return sub, nil
}

// List 返回租户的全部告警订阅。
func (s *Service) List(ctx context.Context, tenantID string) ([]model.AlertSubscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id required")
	}
	return s.store.ListSubscriptions(ctx, tenantID)
}
