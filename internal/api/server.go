package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"review-radar/internal/ingest"
	"review-radar/internal/model"
	"review-radar/internal/orchestrator"
	"review-radar/internal/storage"
	"review-radar/internal/subscription"

	"go.uber.org/zap"
)

// Store 抽象点评查询面。
type Store interface {
	ListReviews(ctx context.Context, opts storage.ReviewQueryOptions) ([]storage.ReviewWithMetadata, error)
	CountReviews(ctx context.Context, opts storage.ReviewQueryOptions) (int64, error)
	UpdateTriage(ctx context.Context, reviewID uint, isRead, isImportant *bool) error
}

// Orchestrator 抽象同步状态机入口。
type Orchestrator interface {
	SaveIdentifier(ctx context.Context, tenantID string, platform model.Platform, externalID, schedule string) (*model.BusinessProfile, error)
	GetStatus(ctx context.Context, tenantID string, platform model.Platform) (*model.BusinessProfile, error)
	RequestTransition(ctx context.Context, tenantID string, platform model.Platform, action model.Action) (*model.BusinessProfile, error)
}

// WebhookGuard 抽象回调入口。
type WebhookGuard interface {
	Ingest(ctx context.Context, rawPayload []byte, authToken string) (ingest.Ack, error)
}

// SubscriptionService 处理告警订阅。
type SubscriptionService interface {
	Create(ctx context.Context, req subscription.Request) (model.AlertSubscription, error)
	List(ctx context.Context, tenantID string) ([]model.AlertSubscription, error)
}

// IdentifierRequest 表示平台识别码录入请求。
type IdentifierRequest struct {
	TenantID   string `json:"tenant_id"`
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
	Schedule   string `json:"schedule"`
}

// SyncRequest 表示状态机操作请求。
type SyncRequest struct {
	TenantID string `json:"tenant_id"`
	Platform string `json:"platform"`
	Action   string `json:"action"`
}

// TriageRequest 表示点评分拣请求，nil 字段保持原值。
type TriageRequest struct {
	ReviewID    uint  `json:"review_id"`
	IsRead      *bool `json:"is_read"`
	IsImportant *bool `json:"is_important"`
}

// NewHandler 构造 HTTP 多路复用器。
func NewHandler(store Store, orch Orchestrator, guard WebhookGuard, subs SubscriptionService, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/webhooks/provider", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
			return
		}
		ack, err := guard.Ingest(r.Context(), body, r.Header.Get("Authorization"))
		if err != nil {
			status := webhookStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("webhook processing failed", zap.Error(err))
			}
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ack)
	})

	mux.HandleFunc("/api/identifiers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req IdentifierRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if req.TenantID == "" || req.ExternalID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id and external_id required"})
			return
		}
		platform, err := model.ParsePlatform(req.Platform)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		profile, err := orch.SaveIdentifier(r.Context(), req.TenantID, platform, req.ExternalID, req.Schedule)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	})

	mux.HandleFunc("/api/sync", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if req.TenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id required"})
			return
		}
		platform, err := model.ParsePlatform(req.Platform)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		action, err := model.ParseAction(req.Action)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		profile, err := orch.RequestTransition(r.Context(), req.TenantID, platform, action)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	})

	mux.HandleFunc("/api/sync/status", func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant_id")
		if tenantID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant_id required"})
			return
		}
		platform, err := model.ParsePlatform(r.URL.Query().Get("platform"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		profile, err := orch.GetStatus(r.Context(), tenantID, platform)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	})

	mux.HandleFunc("/api/reviews", func(w http.ResponseWriter, r *http.Request) {
		opts, page, limit, err := parseReviewQuery(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		opts.Limit = limit + 1
		reviews, err := store.ListReviews(r.Context(), opts)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		total, err := store.CountReviews(r.Context(), opts)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		hasMore := false
		if len(reviews) > limit {
			hasMore = true
			reviews = reviews[:limit]
		}

		w.Header().Set("X-Page", strconv.Itoa(page))
		w.Header().Set("X-Limit", strconv.Itoa(limit))
		w.Header().Set("X-Has-More", strconv.FormatBool(hasMore))
		w.Header().Set("X-Total", strconv.FormatInt(total, 10))
		writeJSON(w, http.StatusOK, reviews)
	})

	mux.HandleFunc("/api/reviews/triage", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req TriageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if req.ReviewID == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "review_id required"})
			return
		}
		if err := store.UpdateTriage(r.Context(), req.ReviewID, req.IsRead, req.IsImportant); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if subs == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "subscriptions disabled"})
				return
			}
			var req subscription.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
				return
			}
			sub, err := subs.Create(r.Context(), req)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusCreated, sub)
		case http.MethodGet:
			if subs == nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "subscriptions disabled"})
				return
			}
			list, err := subs.List(r.Context(), r.URL.Query().Get("tenant_id"))
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, list)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}

func parseReviewQuery(r *http.Request) (storage.ReviewQueryOptions, int, int, error) {
	q := r.URL.Query()
	opts := storage.ReviewQueryOptions{TenantID: q.Get("tenant_id")}
	if opts.TenantID == "" {
		return opts, 0, 0, errors.New("tenant_id required")
	}
	if p := q.Get("platform"); p != "" {
		platform, err := model.ParsePlatform(p)
		if err != nil {
			return opts, 0, 0, err
		}
		opts.Platform = platform
	}
	if v := q.Get("is_read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, 0, 0, errors.New("invalid is_read")
		}
		opts.IsRead = &b
	}
	if v := q.Get("is_important"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, 0, 0, errors.New("invalid is_important")
		}
		opts.IsImportant = &b
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, 0, 0, errors.New("invalid from timestamp")
		}
		opts.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return opts, 0, 0, errors.New("invalid to timestamp")
		}
		opts.To = &t
	}

	limit := 20
	if l := q.Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			if v > 100 {
				v = 100
			}
			limit = v
		}
	}
	page := 1
	if p := q.Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	opts.Offset = (page - 1) * limit
	return opts, page, limit, nil
}

// writeError 将状态机与存储错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrJobInFlight):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrDispatchFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrProviderRejected):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	case errors.Is(err, sql.ErrNoRows):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func webhookStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	default:
		// 非 2xx 让外部服务重投，幂等守卫会吸收重复。
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
