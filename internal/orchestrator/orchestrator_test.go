package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"review-radar/internal/analysis"
	"review-radar/internal/batch"
	"review-radar/internal/model"
	"review-radar/internal/normalize"
	"review-radar/internal/storage"
)

// stubGateway records submissions and lets tests fail them on demand.
type stubGateway struct {
	submitted []batch.JobSpec
	cancelled []string
	submitErr error
	cancelErr error
	onCancel  func()
	nextID    int
}

func (g *stubGateway) SubmitJob(_ context.Context, spec batch.JobSpec) (string, error) {
	if g.submitErr != nil {
		return "", g.submitErr
	}
	g.nextID++
	g.submitted = append(g.submitted, spec)
	return fmt.Sprintf("prov-%d", g.nextID), nil
}

func (g *stubGateway) CancelJob(_ context.Context, jobID string) error {
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.cancelled = append(g.cancelled, jobID)
	if g.onCancel != nil {
		g.onCancel()
	}
	return nil
}

func (g *stubGateway) FetchResults(context.Context, string) ([]normalize.RawReview, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T, gw *stubGateway, cfg Config) (*Orchestrator, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "reviews.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, gw, analysis.New(analysis.Config{}), cfg, nil), store
}

// deliverEvent applies a provider callback the way the webhook guard does:
// load the job by provider id and apply the effect inside one transaction.
func deliverEvent(t *testing.T, store *storage.Store, orch *Orchestrator, providerJobID, eventType string, reviews []model.Review) {
	t.Helper()
	ctx := context.Background()
	job, err := store.GetSyncJobByProviderID(ctx, providerJobID)
	if err != nil {
		t.Fatalf("GetSyncJobByProviderID error: %v", err)
	}
	err = store.RunInTx(ctx, func(tx *storage.Store) error {
		_, err := orch.ApplyJobEvent(ctx, tx, job, eventType, reviews)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyJobEvent error: %v", err)
	}
}

func TestFullSyncLifecycle(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	profile, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", "")
	if err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if profile.Status != model.StatusIdentifierSet {
		t.Fatalf("expected identifier_set, got %s", profile.Status)
	}

	profile, err = orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile)
	if err != nil {
		t.Fatalf("createProfile error: %v", err)
	}
	if profile.Status != model.StatusProfileInProgress {
		t.Fatalf("expected profile_in_progress, got %s", profile.Status)
	}
	if len(gw.submitted) != 1 || gw.submitted[0].Kind != model.JobKindProfile {
		t.Fatalf("expected one profile job submitted, got %+v", gw.submitted)
	}

	deliverEvent(t, store, orch, "prov-1", model.EventTypeSucceeded, nil)
	profile, err = orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if profile.Status != model.StatusProfileCompleted {
		t.Fatalf("expected profile_completed, got %s", profile.Status)
	}

	profile, err = orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionGetReviews)
	if err != nil {
		t.Fatalf("getReviews error: %v", err)
	}
	if profile.Status != model.StatusReviewsInProgress {
		t.Fatalf("expected reviews_in_progress, got %s", profile.Status)
	}

	rating := 1.0
	reviews := []model.Review{{
		TenantID:         "t1",
		Platform:         model.PlatformGoogle,
		ExternalReviewID: "ext-1",
		Text:             "Terrible, considering a refund",
		Rating:           &rating,
		PublishedAt:      time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC),
	}}
	deliverEvent(t, store, orch, "prov-2", model.EventTypeSucceeded, reviews)

	profile, err = orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if profile.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", profile.Status)
	}
	if profile.ReviewCount != 1 {
		t.Fatalf("expected review count 1, got %d", profile.ReviewCount)
	}
	if profile.LastSyncedAt == nil || profile.LastReviewDate == nil {
		t.Fatalf("expected sync timestamps recorded, got %+v", profile)
	}

	// Analysis metadata lands alongside the review.
	list, err := store.ListReviews(ctx, storage.ReviewQueryOptions{TenantID: "t1", Limit: 10})
	if err != nil {
		t.Fatalf("ListReviews error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 review, got %d", len(list))
	}
	if list[0].Metadata.SentimentLabel != analysis.LabelNegative {
		t.Fatalf("expected negative sentiment, got %s", list[0].Metadata.SentimentLabel)
	}
	if list[0].Metadata.UrgencyScore < 7 {
		t.Fatalf("expected urgent review, got urgency %d", list[0].Metadata.UrgencyScore)
	}
}

func TestGetReviewsGuards(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, _ := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}

	// Reviews cannot start before the profile exists.
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionGetReviews); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	// A second operation while a job is in flight reports the running job.
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionGetReviews); !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("expected ErrJobInFlight, got %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for repeated createProfile, got %v", err)
	}
}

func TestTransitionOnMissingProfile(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, _ := newTestOrchestrator(t, gw, Config{})

	_, err := orch.RequestTransition(context.Background(), "ghost", model.PlatformGoogle, model.ActionCreateProfile)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for missing profile, got %v", err)
	}
}

func TestDispatchFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{submitErr: errors.New("quota exceeded")}
	orch, store := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}

	profile, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile)
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if profile.Status != model.StatusIdentifierSet {
		t.Fatalf("expected state unchanged after rollback, got %s", profile.Status)
	}

	// The transaction rollback must release the active-job slot.
	if _, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle); err == nil {
		t.Fatalf("expected no active job after failed dispatch")
	}

	// Recovery: the provider comes back and the same action succeeds.
	gw.submitErr = nil
	profile, err = orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile)
	if err != nil {
		t.Fatalf("createProfile after recovery error: %v", err)
	}
	if profile.Status != model.StatusProfileInProgress {
		t.Fatalf("expected profile_in_progress, got %s", profile.Status)
	}
}

func TestRetryCapEnforced(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{MaxAttempts: 2})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	deliverEvent(t, store, orch, "prov-1", model.EventTypeFailed, nil)
	profile, _ := orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusFailed {
		t.Fatalf("expected failed after provider failure, got %s", profile.Status)
	}

	// First retry is attempt 2 and goes back to the profile step.
	profile, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionRetry)
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if profile.Status != model.StatusProfileInProgress {
		t.Fatalf("expected profile_in_progress after retry, got %s", profile.Status)
	}
	job, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetActiveJob error: %v", err)
	}
	if job.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", job.Attempt)
	}

	deliverEvent(t, store, orch, job.JobID, model.EventTypeFailed, nil)

	// Attempts are exhausted: retry is rejected without touching state.
	profile, err = orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionRetry)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition when attempts exhausted, got %v", err)
	}
	if profile.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", profile.Status)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, _ := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionRetry); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelActiveJob(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	profile, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCancel)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if profile.Status != model.StatusFailed || profile.FailureReason != "cancelled" {
		t.Fatalf("expected cancelled failure, got %+v", profile)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "prov-1" {
		t.Fatalf("expected cancel forwarded to provider, got %v", gw.cancelled)
	}
	if _, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle); err == nil {
		t.Fatalf("expected active slot released after cancel")
	}

	// Cancel without an active job is rejected.
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCancel); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelRejectedByProvider(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, _ := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	gw.cancelErr = errors.New("job already finishing")
	profile, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCancel)
	if !errors.Is(err, ErrProviderRejected) {
		t.Fatalf("expected ErrProviderRejected, got %v", err)
	}
	if profile.Status != model.StatusProfileInProgress {
		t.Fatalf("expected state untouched on rejected cancel, got %s", profile.Status)
	}
}

func TestCancelLosesRaceToCompletion(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	// The completion webhook commits after the provider acknowledges the
	// cancel but before the cancel lands in the database.
	gw.onCancel = func() {
		deliverEvent(t, store, orch, "prov-1", model.EventTypeSucceeded, nil)
	}

	profile, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCancel)
	if err != nil {
		t.Fatalf("cancel error: %v", err)
	}
	if profile.Status != model.StatusProfileCompleted {
		t.Fatalf("expected the webhook effect to win, got %+v", profile)
	}
	if profile.FailureReason != "" {
		t.Fatalf("expected no failure reason, got %q", profile.FailureReason)
	}

	job, err := store.GetSyncJobByProviderID(ctx, "prov-1")
	if err != nil {
		t.Fatalf("GetSyncJobByProviderID error: %v", err)
	}
	if job.Status != model.JobStatusSucceeded {
		t.Fatalf("expected job left succeeded, got %s", job.Status)
	}
}

func TestQueuedProfileBatchesDispatchSequentially(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{MaxBatchSize: 2})
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, id, ""); err != nil {
			t.Fatalf("SaveIdentifier error: %v", err)
		}
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}
	job, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetActiveJob error: %v", err)
	}
	if len(job.BatchedIdentifiers) != 2 || len(job.QueuedIdentifiers) != 1 {
		t.Fatalf("expected 2 batched and 1 queued, got %d/%d", len(job.BatchedIdentifiers), len(job.QueuedIdentifiers))
	}

	// The first batch finishing must dispatch the remainder, not complete
	// the profile step early.
	deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)
	profile, _ := orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusProfileInProgress {
		t.Fatalf("expected profile_in_progress while batches remain, got %s", profile.Status)
	}

	job, err = store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("expected a follow-up batch active, got %v", err)
	}
	if len(job.BatchedIdentifiers) != 1 || len(job.QueuedIdentifiers) != 0 {
		t.Fatalf("expected 1 batched and 0 queued, got %d/%d", len(job.BatchedIdentifiers), len(job.QueuedIdentifiers))
	}
	if job.Kind != model.JobKindProfile {
		t.Fatalf("expected follow-up batch to stay a profile job, got %s", job.Kind)
	}

	deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)
	profile, _ = orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusProfileCompleted {
		t.Fatalf("expected profile_completed after draining queue, got %s", profile.Status)
	}
	if len(gw.submitted) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(gw.submitted))
	}
}

func TestQueuedBatchesDispatchSequentially(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{MaxBatchSize: 2})
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, id, ""); err != nil {
			t.Fatalf("SaveIdentifier error: %v", err)
		}
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}
	// The profile step batches too: drain its three batches first.
	for i := 0; i < 3; i++ {
		job, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
		if err != nil {
			t.Fatalf("GetActiveJob error on profile batch %d: %v", i+1, err)
		}
		deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)
	}
	profile, _ := orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusProfileCompleted {
		t.Fatalf("expected profile_completed, got %s", profile.Status)
	}

	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionGetReviews); err != nil {
		t.Fatalf("getReviews error: %v", err)
	}
	job, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetActiveJob error: %v", err)
	}
	if len(job.BatchedIdentifiers) != 2 || len(job.QueuedIdentifiers) != 3 {
		t.Fatalf("expected 2 batched and 3 queued, got %d/%d", len(job.BatchedIdentifiers), len(job.QueuedIdentifiers))
	}

	// Finishing a batch dispatches the next one inside the same transaction
	// and keeps the profile in progress until the queue drains.
	deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)
	profile, _ = orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusReviewsInProgress {
		t.Fatalf("expected reviews_in_progress while batches remain, got %s", profile.Status)
	}

	job, err = store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetActiveJob error: %v", err)
	}
	if len(job.BatchedIdentifiers) != 2 || len(job.QueuedIdentifiers) != 1 {
		t.Fatalf("expected 2 batched and 1 queued, got %d/%d", len(job.BatchedIdentifiers), len(job.QueuedIdentifiers))
	}

	deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)
	job, err = store.GetActiveJob(ctx, "t1", model.PlatformGoogle)
	if err != nil {
		t.Fatalf("GetActiveJob error: %v", err)
	}
	deliverEvent(t, store, orch, job.JobID, model.EventTypeSucceeded, nil)

	profile, _ = orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusCompleted {
		t.Fatalf("expected completed after draining queue, got %s", profile.Status)
	}
	// Three profile batches plus three review batches.
	if len(gw.submitted) != 6 {
		t.Fatalf("expected 6 submissions, got %d", len(gw.submitted))
	}
}

func TestSweepTimeouts(t *testing.T) {
	t.Parallel()

	gw := &stubGateway{}
	orch, store := newTestOrchestrator(t, gw, Config{JobTimeout: "1h"})
	ctx := context.Background()

	if _, err := orch.SaveIdentifier(ctx, "t1", model.PlatformGoogle, "place-1", ""); err != nil {
		t.Fatalf("SaveIdentifier error: %v", err)
	}
	if _, err := orch.RequestTransition(ctx, "t1", model.PlatformGoogle, model.ActionCreateProfile); err != nil {
		t.Fatalf("createProfile error: %v", err)
	}

	// Nothing is stale yet.
	swept, err := orch.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts error: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected 0 swept, got %d", swept)
	}

	// Advance the clock past the timeout.
	orch.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	swept, err = orch.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept, got %d", swept)
	}

	profile, _ := orch.GetStatus(ctx, "t1", model.PlatformGoogle)
	if profile.Status != model.StatusFailed || profile.FailureReason != "timeout" {
		t.Fatalf("expected timeout failure, got %+v", profile)
	}
	if _, err := store.GetActiveJob(ctx, "t1", model.PlatformGoogle); err == nil {
		t.Fatalf("expected active slot released by sweep")
	}
}
