package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"review-radar/internal/model"
	"review-radar/internal/orchestrator"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config 用于调度配置。
type Config struct {
	// TickInterval 为调度检查周期，默认 1m；每个到期档案每分钟最多触发一次，
	// 进程停机期间错过的窗口不补发。
	TickInterval string `yaml:"tick_interval" json:"tick_interval"`
	// SweepInterval 为超时作业清扫周期，默认 5m。
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	// Timeout 为单轮调度的执行超时。
	Timeout string `yaml:"timeout" json:"timeout"`
}

// Store 抽象存储接口，便于测试替换。
type Store interface {
	ListSchedulableProfiles(ctx context.Context) ([]model.BusinessProfile, error)
}

// Orchestrator 抽象状态机入口。
type Orchestrator interface {
	RequestTransition(ctx context.Context, tenantID string, platform model.Platform, action model.Action) (*model.BusinessProfile, error)
	SweepTimeouts(ctx context.Context) (int, error)
}

// Scheduler 按档案上配置的 cron 表达式周期性发起评论同步，并定期清扫超时作业。
// 调度与手动同步走同一状态机入口，作业互斥由状态机保证。
type Scheduler struct {
	store     Store
	orch      Orchestrator
	tick      time.Duration
	sweep     time.Duration
	timeout   time.Duration
	running   atomic.Bool
	newTicker func(time.Duration) ticker
	now       func() time.Time
	logger    *zap.Logger
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewScheduler 创建 Scheduler，解析配置的周期与超时。
func NewScheduler(store Store, orch Orchestrator, cfg Config, logger *zap.Logger) *Scheduler {
	tick := time.Minute
	if cfg.TickInterval != "" {
		if d, err := time.ParseDuration(cfg.TickInterval); err == nil && d > 0 {
			tick = d
		}
	}
	sweep := 5 * time.Minute
	if cfg.SweepInterval != "" {
		if d, err := time.ParseDuration(cfg.SweepInterval); err == nil && d > 0 {
			sweep = d
		}
	}
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		store:     store,
		orch:      orch,
		tick:      tick,
		sweep:     sweep,
		timeout:   timeout,
		newTicker: defaultTicker,
		now:       time.Now,
		logger:    logger,
	}
}

// Start 启动调度与清扫循环，直到上下文取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store == nil || s.orch == nil {
		return fmt.Errorf("scheduler missing dependencies")
	}

	g, ctx := errgroup.WithContext(ctx)

	tick := s.newTicker(s.tick)
	g.Go(func() error {
		defer tick.Stop()
		ch := tick.C()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				if _, err := s.Tick(ctx, s.now()); err != nil {
					s.logger.Error("scheduler tick failed", zap.Error(err))
				}
			drain:
				for {
					select {
					case <-ch:
						continue
					default:
						break drain
					}
				}
			}
		}
	})

	sweep := s.newTicker(s.sweep)
	g.Go(func() error {
		defer sweep.Stop()
		ch := sweep.C()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				swept, err := s.orch.SweepTimeouts(ctx)
				if err != nil {
					s.logger.Error("timeout sweep failed", zap.Error(err))
					continue
				}
				if swept > 0 {
					s.logger.Warn("stale sync jobs swept", zap.Int("count", swept))
				}
			}
		}
	})

	return g.Wait()
}

// Tick 执行一轮调度：对每个 cron 到期的档案发起 getReviews，返回本轮触发数。
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	if s.running.Swap(true) {
		return 0, nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profiles, err := s.store.ListSchedulableProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedulable profiles: %w", err)
	}

	fired := 0
	for _, profile := range profiles {
		schedule, err := parseCronSpec(profile.Schedule)
		if err != nil {
			s.logger.Warn("invalid schedule on profile",
				zap.String("tenant_id", profile.TenantID),
				zap.String("platform", string(profile.Platform)),
				zap.String("schedule", profile.Schedule))
			continue
		}
		if !schedule.matches(now) {
			continue
		}

		if _, err := s.orch.RequestTransition(ctx, profile.TenantID, profile.Platform, model.ActionGetReviews); err != nil {
			// 守卫拒绝属正常情况（作业进行中、状态不允许），不视为调度错误。
			if errors.Is(err, orchestrator.ErrJobInFlight) || errors.Is(err, orchestrator.ErrInvalidTransition) {
				s.logger.Debug("scheduled sync skipped",
					zap.String("tenant_id", profile.TenantID),
					zap.String("platform", string(profile.Platform)),
					zap.Error(err))
				continue
			}
			s.logger.Error("scheduled sync failed",
				zap.String("tenant_id", profile.TenantID),
				zap.String("platform", string(profile.Platform)),
				zap.Error(err))
			continue
		}
		fired++
	}
	return fired, nil
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }

type cronSchedule struct {
	minutes map[int]struct{}
	hours   map[int]struct{}
	doms    map[int]struct{}
	months  map[int]struct{}
	dows    map[int]struct{}
}

func parseCronSpec(spec string) (*cronSchedule, error) {
	parts := strings.Fields(spec)
	if len(parts) != 5 {
		return nil, fmt.Errorf("cron spec must have 5 fields")
	}

	minutes, err := parseCronField(parts[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minutes: %w", err)
	}
	hours, err := parseCronField(parts[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hours: %w", err)
	}
	doms, err := parseCronField(parts[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month: %w", err)
	}
	months, err := parseCronField(parts[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month: %w", err)
	}
	dows, err := parseCronField(parts[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week: %w", err)
	}

	return &cronSchedule{minutes: minutes, hours: hours, doms: doms, months: months, dows: dows}, nil
}

func parseCronField(expr string, min, max int) (map[int]struct{}, error) {
	result := make(map[int]struct{})
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty field")
	}
	parts := strings.Split(expr, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case part == "*":
			for i := min; i <= max; i++ {
				result[i] = struct{}{}
			}
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(strings.TrimPrefix(part, "*/"))
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step %s", part)
			}
			for i := min; i <= max; i += step {
				result[i] = struct{}{}
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < min || v > max {
				return nil, fmt.Errorf("invalid value %s", part)
			}
			result[v] = struct{}{}
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no values parsed")
	}
	return result, nil
}

func (c *cronSchedule) matches(t time.Time) bool {
	if _, ok := c.minutes[t.Minute()]; !ok {
		return false
	}
	if _, ok := c.hours[t.Hour()]; !ok {
		return false
	}
	if _, ok := c.months[int(t.Month())]; !ok {
		return false
	}
	if _, ok := c.doms[t.Day()]; !ok {
		return false
	}
	if _, ok := c.dows[int(t.Weekday())]; !ok {
		return false
	}
	return true
}
