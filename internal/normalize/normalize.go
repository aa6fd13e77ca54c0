package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"review-radar/internal/model"

	"golang.org/x/net/html"
)

// RawReview 为外部抓取服务返回的单条原始点评：
// 平台标签 + 原始 JSON 载荷，结构因平台而异，
// 在此边界统一归一化为 model.Review 后才进入上层。
type RawReview struct {
	Platform model.Platform  `json:"platform"`
	Payload  json.RawMessage `json:"payload"`
}

// Review 将原始载荷归一化为统一点评模型。
func Review(tenantID string, raw RawReview) (model.Review, error) {
	switch raw.Platform {
	case model.PlatformGoogle:
		return normalizeGoogle(tenantID, raw.Payload)
	case model.PlatformFacebook:
		return normalizeFacebook(tenantID, raw.Payload)
	case model.PlatformTripAdvisor:
		return normalizeTripAdvisor(tenantID, raw.Payload)
	case model.PlatformBooking:
		return normalizeBooking(tenantID, raw.Payload)
	}
	return model.Review{}, fmt.Errorf("unsupported platform %q", raw.Platform)
}

// googleReview 对应 Google 地图类抓取结果（精简字段）。
type googleReview struct {
	ReviewID      string  `json:"review_id"`
	ReviewerName  string  `json:"reviewer_name"`
	Text          string  `json:"text"`
	Stars         float64 `json:"stars"`
	PublishedAt   string  `json:"published_at"`
	OwnerResponse string  `json:"owner_response"`
}

func normalizeGoogle(tenantID string, payload json.RawMessage) (model.Review, error) {
	var p googleReview
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Review{}, fmt.Errorf("unmarshal google payload: %w", err)
	}
	if p.ReviewID == "" {
		return model.Review{}, fmt.Errorf("google review missing review_id")
	}
	publishedAt, err := parseTime(p.PublishedAt)
	if err != nil {
		return model.Review{}, fmt.Errorf("google review %s: %w", p.ReviewID, err)
	}
	rating := p.Stars
	return model.Review{
		TenantID:         tenantID,
		Platform:         model.PlatformGoogle,
		ExternalReviewID: p.ReviewID,
		AuthorName:       strings.TrimSpace(p.ReviewerName),
		Text:             stripHTML(p.Text),
		Rating:           &rating,
		PublishedAt:      publishedAt,
		OwnerResponse:    stripHTML(p.OwnerResponse),
	}, nil
}

// facebookReview 为推荐制载荷：无星级，只有推荐与否。
type facebookReview struct {
	ID           string `json:"id"`
	UserName     string `json:"user_name"`
	Text         string `json:"text"`
	Recommends   bool   `json:"recommends"`
	Date         string `json:"date"`
	PageResponse string `json:"page_response"`
}

func normalizeFacebook(tenantID string, payload json.RawMessage) (model.Review, error) {
	var p facebookReview
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Review{}, fmt.Errorf("unmarshal facebook payload: %w", err)
	}
	if p.ID == "" {
		return model.Review{}, fmt.Errorf("facebook review missing id")
	}
	publishedAt, err := parseTime(p.Date)
	if err != nil {
		return model.Review{}, fmt.Errorf("facebook review %s: %w", p.ID, err)
	}
	recommends := p.Recommends
	return model.Review{
		TenantID:         tenantID,
		Platform:         model.PlatformFacebook,
		ExternalReviewID: p.ID,
		AuthorName:       strings.TrimSpace(p.UserName),
		Text:             stripHTML(p.Text),
		Recommended:      &recommends,
		PublishedAt:      publishedAt,
		OwnerResponse:    stripHTML(p.PageResponse),
	}, nil
}

type tripadvisorReview struct {
	ID            string  `json:"id"`
	UserName      string  `json:"user_name"`
	Title         string  `json:"title"`
	Text          string  `json:"text"`
	Rating        float64 `json:"rating"`
	PublishedDate string  `json:"published_date"`
	OwnerResponse string  `json:"owner_response"`
}

func normalizeTripAdvisor(tenantID string, payload json.RawMessage) (model.Review, error) {
	var p tripadvisorReview
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Review{}, fmt.Errorf("unmarshal tripadvisor payload: %w", err)
	}
	if p.ID == "" {
		return model.Review{}, fmt.Errorf("tripadvisor review missing id")
	}
	publishedAt, err := parseTime(p.PublishedDate)
	if err != nil {
		return model.Review{}, fmt.Errorf("tripadvisor review %s: %w", p.ID, err)
	}
	text := stripHTML(p.Text)
	if title := strings.TrimSpace(p.Title); title != "" {
		if text != "" {
			text = title + "\n" + text
		} else {
			text = title
		}
	}
	rating := p.Rating
	return model.Review{
		TenantID:         tenantID,
		Platform:         model.PlatformTripAdvisor,
		ExternalReviewID: p.ID,
		AuthorName:       strings.TrimSpace(p.UserName),
		Text:             text,
		Rating:           &rating,
		PublishedAt:      publishedAt,
		OwnerResponse:    stripHTML(p.OwnerResponse),
	}, nil
}

// bookingReview 的 liked/disliked 分栏合并为单一文本，
// 10 分制评分折算到 5 分制。
type bookingReview struct {
	ReviewID      string  `json:"review_id"`
	GuestName     string  `json:"guest_name"`
	Liked         string  `json:"liked"`
	Disliked      string  `json:"disliked"`
	Rating        float64 `json:"rating"`
	Date          string  `json:"date"`
	HotelResponse string  `json:"hotel_response"`
}

func normalizeBooking(tenantID string, payload json.RawMessage) (model.Review, error) {
	var p bookingReview
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.Review{}, fmt.Errorf("unmarshal booking payload: %w", err)
	}
	if p.ReviewID == "" {
		return model.Review{}, fmt.Errorf("booking review missing review_id")
	}
	publishedAt, err := parseTime(p.Date)
	if err != nil {
		return model.Review{}, fmt.Errorf("booking review %s: %w", p.ReviewID, err)
	}

	parts := make([]string, 0, 2)
	if liked := stripHTML(p.Liked); liked != "" {
		parts = append(parts, liked)
	}
	if disliked := stripHTML(p.Disliked); disliked != "" {
		parts = append(parts, disliked)
	}
	rating := p.Rating / 2
	return model.Review{
		TenantID:         tenantID,
		Platform:         model.PlatformBooking,
		ExternalReviewID: p.ReviewID,
		AuthorName:       strings.TrimSpace(p.GuestName),
		Text:             strings.Join(parts, "\n"),
		Rating:           &rating,
		PublishedAt:      publishedAt,
		OwnerResponse:    stripHTML(p.HotelResponse),
	}, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing published time")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", raw)
}

// stripHTML 去除平台载荷中夹带的标记，只保留文本节点。
func stripHTML(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.ContainsRune(raw, '<') {
		return raw
	}

	node, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.TrimSpace(b.String())
}
