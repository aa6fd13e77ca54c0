package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"review-radar/internal/model"
	"review-radar/internal/orchestrator"
)

type stubStore struct {
	profiles []model.BusinessProfile
	err      error
	calls    atomic.Int32
}

func (s *stubStore) ListSchedulableProfiles(context.Context) ([]model.BusinessProfile, error) {
	s.calls.Add(1)
	return s.profiles, s.err
}

type stubOrchestrator struct {
	mu          sync.Mutex
	transitions []string
	err         error
	block       chan struct{}
	swept       int
	sweepCalls  atomic.Int32
}

func (o *stubOrchestrator) RequestTransition(_ context.Context, tenantID string, platform model.Platform, action model.Action) (*model.BusinessProfile, error) {
	if o.block != nil {
		<-o.block
	}
	o.mu.Lock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s/%s/%s", tenantID, platform, action))
	o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	return &model.BusinessProfile{TenantID: tenantID, Platform: platform}, nil
}

func (o *stubOrchestrator) SweepTimeouts(context.Context) (int, error) {
	o.sweepCalls.Add(1)
	return o.swept, nil
}

func (o *stubOrchestrator) transitionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.transitions)
}

type stubTicker struct {
	ch chan time.Time
}

func (s *stubTicker) C() <-chan time.Time { return s.ch }
func (s *stubTicker) Stop()               {}

func TestTickFiresDueProfiles(t *testing.T) {
	t.Parallel()

	store := &stubStore{profiles: []model.BusinessProfile{
		{TenantID: "t1", Platform: model.PlatformGoogle, Schedule: "30 3 * * *"},
		{TenantID: "t2", Platform: model.PlatformGoogle, Schedule: "0 12 * * *"},
		{TenantID: "t3", Platform: model.PlatformFacebook, Schedule: "*/15 * * * *"},
		{TenantID: "t4", Platform: model.PlatformGoogle, Schedule: "bogus"},
	}}
	orch := &stubOrchestrator{}
	sched := NewScheduler(store, orch, Config{}, nil)

	// 03:30 matches t1 and the */15 schedule of t3, not t2's noon slot.
	now := time.Date(2026, 7, 1, 3, 30, 0, 0, time.UTC)
	fired, err := sched.Tick(context.Background(), now)
	if err != nil {
		t.Fatalf("Tick error: %v", err)
	}
	if fired != 2 {
		t.Fatalf("expected 2 profiles fired, got %d", fired)
	}
	want := []string{"t1/google/getReviews", "t3/facebook/getReviews"}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.transitions) != len(want) {
		t.Fatalf("unexpected transitions: %v", orch.transitions)
	}
	for i, tr := range orch.transitions {
		if tr != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], tr)
		}
	}
}

func TestTickTreatsGuardRejectionsAsSkips(t *testing.T) {
	t.Parallel()

	store := &stubStore{profiles: []model.BusinessProfile{
		{TenantID: "t1", Platform: model.PlatformGoogle, Schedule: "* * * * *"},
	}}
	orch := &stubOrchestrator{err: orchestrator.ErrJobInFlight}
	sched := NewScheduler(store, orch, Config{}, nil)

	fired, err := sched.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("Tick must not fail on a busy profile: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected 0 fired, got %d", fired)
	}
	if orch.transitionCount() != 1 {
		t.Fatalf("expected the transition to be attempted once, got %d", orch.transitionCount())
	}
}

func TestTickNoOverlap(t *testing.T) {
	t.Parallel()

	store := &stubStore{profiles: []model.BusinessProfile{
		{TenantID: "t1", Platform: model.PlatformGoogle, Schedule: "* * * * *"},
	}}
	orch := &stubOrchestrator{block: make(chan struct{})}
	sched := NewScheduler(store, orch, Config{Timeout: "5s"}, nil)

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = sched.Tick(context.Background(), time.Now())
	}()

	// Give the first tick time to enter the blocking transition.
	time.Sleep(20 * time.Millisecond)

	fired, err := sched.Tick(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("overlapping tick error: %v", err)
	}
	if fired != 0 {
		t.Fatalf("overlapping tick must be a no-op, fired %d", fired)
	}

	close(orch.block)
	<-first

	if orch.transitionCount() != 1 {
		t.Fatalf("expected a single transition despite overlapping ticks, got %d", orch.transitionCount())
	}
}

func TestStartRunsTickAndSweepLoops(t *testing.T) {
	t.Parallel()

	tickCh := make(chan time.Time, 1)
	sweepCh := make(chan time.Time, 1)
	tickers := []chan time.Time{tickCh, sweepCh}
	idx := 0

	store := &stubStore{}
	orch := &stubOrchestrator{swept: 2}
	sched := NewScheduler(store, orch, Config{}, nil)
	sched.newTicker = func(time.Duration) ticker {
		st := &stubTicker{ch: tickers[idx]}
		idx++
		return st
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Start(ctx)
	}()

	tickCh <- time.Now()
	sweepCh <- time.Now()
	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if store.calls.Load() != 1 {
		t.Fatalf("expected one schedulable-profiles listing, got %d", store.calls.Load())
	}
	if orch.sweepCalls.Load() != 1 {
		t.Fatalf("expected one timeout sweep, got %d", orch.sweepCalls.Load())
	}
}

func TestStartRequiresDependencies(t *testing.T) {
	t.Parallel()

	sched := NewScheduler(nil, nil, Config{}, nil)
	if err := sched.Start(context.Background()); err == nil {
		t.Fatalf("expected error when dependencies missing")
	}
}

func TestParseCronSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		spec    string
		at      time.Time
		matches bool
	}{
		{"30 3 * * *", time.Date(2026, 7, 1, 3, 30, 0, 0, time.UTC), true},
		{"30 3 * * *", time.Date(2026, 7, 1, 3, 31, 0, 0, time.UTC), false},
		{"*/15 * * * *", time.Date(2026, 7, 1, 9, 45, 0, 0, time.UTC), true},
		{"*/15 * * * *", time.Date(2026, 7, 1, 9, 50, 0, 0, time.UTC), false},
		{"0 0 1 * *", time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), true},
		{"0 0 * * 0", time.Date(2026, 7, 5, 0, 0, 0, 0, time.UTC), true}, // a Sunday
		{"0 0 * * 1", time.Date(2026, 7, 5, 0, 0, 0, 0, time.UTC), false},
		{"0,30 9 * * *", time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		schedule, err := parseCronSpec(tc.spec)
		if err != nil {
			t.Fatalf("parseCronSpec(%q) error: %v", tc.spec, err)
		}
		if got := schedule.matches(tc.at); got != tc.matches {
			t.Fatalf("spec %q at %v: expected %v, got %v", tc.spec, tc.at, tc.matches, got)
		}
	}
}

func TestParseCronSpecRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"", "* * * *", "61 * * * *", "* 25 * * *", "*/0 * * * *", "a * * * *"} {
		if _, err := parseCronSpec(spec); err == nil {
			t.Fatalf("expected error for spec %q", spec)
		}
	}
}
