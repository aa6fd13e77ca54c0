package notifier

import (
	"context"
	"strings"
	"testing"

	"review-radar/internal/model"
	"review-radar/internal/orchestrator"
)

type stubSubscriptionStore struct {
	subs []model.AlertSubscription
	err  error
}

func (s *stubSubscriptionStore) ListSubscriptions(_ context.Context, tenantID string) ([]model.AlertSubscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	filtered := make([]model.AlertSubscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.TenantID == tenantID {
			filtered = append(filtered, sub)
		}
	}
	return filtered, nil
}

type stubFallback struct {
	calls   int
	batches [][]orchestrator.AnalyzedReview
}

func (f *stubFallback) Notify(_ context.Context, reviews []orchestrator.AnalyzedReview) error {
	f.calls++
	f.batches = append(f.batches, reviews)
	return nil
}

func TestSubscriptionNotifierFiltersByUrgencyAndPlatform(t *testing.T) {
	t.Parallel()

	store := &stubSubscriptionStore{subs: []model.AlertSubscription{
		{ID: 1, TenantID: "t1", Email: "all@example.com", MinUrgency: 9},
		{ID: 2, TenantID: "t1", Email: "google@example.com", Platform: model.PlatformGoogle, MinUrgency: 5},
	}}
	sender := &stubSender{}
	n := NewSubscriptionNotifier(store, EmailConfig{From: "from@example.com", Host: "smtp"}, sender, nil)

	reviews := []orchestrator.AnalyzedReview{
		urgentReview("t1", model.PlatformGoogle, 6),
		urgentReview("t1", model.PlatformFacebook, 6),
	}
	if err := n.Notify(context.Background(), reviews); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	// Urgency 6 clears only the second subscription, and only its google review.
	if sender.calls != 1 {
		t.Fatalf("expected 1 email, got %d", sender.calls)
	}
	if len(sender.lastTo) != 1 || sender.lastTo[0] != "google@example.com" {
		t.Fatalf("expected email to the platform subscriber, got %v", sender.lastTo)
	}
	if !strings.Contains(sender.lastBody, "google") {
		t.Fatalf("expected the google review in the body, got %s", sender.lastBody)
	}
	if strings.Contains(sender.lastBody, "facebook") {
		t.Fatalf("facebook review must not reach a google-only subscriber: %s", sender.lastBody)
	}
}

func TestSubscriptionNotifierFallsBackWithoutSubscriptions(t *testing.T) {
	t.Parallel()

	store := &stubSubscriptionStore{}
	fallback := &stubFallback{}
	n := NewSubscriptionNotifier(store, EmailConfig{}, &stubSender{}, fallback)

	reviews := []orchestrator.AnalyzedReview{
		urgentReview("t1", model.PlatformGoogle, 9),
		urgentReview("t1", model.PlatformGoogle, 3),
	}
	if err := n.Notify(context.Background(), reviews); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("expected fallback called once, got %d", fallback.calls)
	}
	// Only genuinely urgent reviews reach the fallback channel.
	if len(fallback.batches[0]) != 1 || fallback.batches[0][0].Metadata.UrgencyScore != 9 {
		t.Fatalf("expected only the urgency-9 review forwarded, got %+v", fallback.batches[0])
	}
}

func TestSubscriptionNotifierSkipsEmptyBatch(t *testing.T) {
	t.Parallel()

	sender := &stubSender{}
	n := NewSubscriptionNotifier(&stubSubscriptionStore{}, EmailConfig{}, sender, nil)
	if err := n.Notify(context.Background(), nil); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no sends for empty batch, got %d", sender.calls)
	}
}
