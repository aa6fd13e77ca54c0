package provider

import (
	"context"
	"fmt"
	"time"

	"review-radar/internal/batch"
	"review-radar/internal/normalize"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Config 描述外部抓取服务的连接配置。
type Config struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIToken 建议通过环境变量 PROVIDER_API_TOKEN 注入。
	APIToken string `yaml:"api_token" json:"api_token"`
	// WebhookURL 为本服务对外暴露的回调地址，随作业提交给外部服务。
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	Timeout    string `yaml:"timeout" json:"timeout"`
}

// Gateway 是与外部抓取服务交互的唯一入口。
// 作业为异步执行：SubmitJob 返回后由回调通知完成，结果经 FetchResults 拉取。
type Gateway interface {
	SubmitJob(ctx context.Context, spec batch.JobSpec) (string, error)
	CancelJob(ctx context.Context, jobID string) error
	FetchResults(ctx context.Context, resultsRef string) ([]normalize.RawReview, error)
}

// HTTPGateway 基于 resty 实现 Gateway。
type HTTPGateway struct {
	client *resty.Client
	cfg    Config
	logger *zap.Logger
}

// NewHTTPGateway 创建 HTTPGateway。
func NewHTTPGateway(cfg Config, logger *zap.Logger) *HTTPGateway {
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIToken).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{client: client, cfg: cfg, logger: logger}
}

type submitRequest struct {
	Platform    string   `json:"platform"`
	Kind        string   `json:"kind"`
	Identifiers []string `json:"identifiers"`
	WebhookURL  string   `json:"webhook_url"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// SubmitJob 提交作业并返回外部服务分配的 jobId。
// 非 2xx 响应视为拒绝，调用方不得据此落库。
func (g *HTTPGateway) SubmitJob(ctx context.Context, spec batch.JobSpec) (string, error) {
	var out submitResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(submitRequest{
			Platform:    string(spec.Platform),
			Kind:        string(spec.Kind),
			Identifiers: spec.Identifiers,
			WebhookURL:  g.cfg.WebhookURL,
		}).
		SetResult(&out).
		Post("/v2/jobs")
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("submit job: provider returned %d: %s", resp.StatusCode(), resp.String())
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit job: provider returned empty job_id")
	}

	g.logger.Info("job submitted",
		zap.String("job_id", out.JobID),
		zap.String("tenant_id", spec.TenantID),
		zap.String("platform", string(spec.Platform)),
		zap.String("kind", string(spec.Kind)),
		zap.Int("identifiers", len(spec.Identifiers)))
	return out.JobID, nil
}

// CancelJob 请求中止作业。外部服务可能已完成执行，取消为尽力而为。
func (g *HTTPGateway) CancelJob(ctx context.Context, jobID string) error {
	resp, err := g.client.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/v2/jobs/%s/abort", jobID))
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("cancel job %s: provider returned %d", jobID, resp.StatusCode())
	}
	g.logger.Info("job cancel acknowledged", zap.String("job_id", jobID))
	return nil
}

// FetchResults 拉取作业产出的原始点评列表。
func (g *HTTPGateway) FetchResults(ctx context.Context, resultsRef string) ([]normalize.RawReview, error) {
	if resultsRef == "" {
		return nil, nil
	}
	var items []normalize.RawReview
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&items).
		Get(fmt.Sprintf("/v2/datasets/%s/items", resultsRef))
	if err != nil {
		return nil, fmt.Errorf("fetch results %s: %w", resultsRef, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch results %s: provider returned %d", resultsRef, resp.StatusCode())
	}
	return items, nil
}
