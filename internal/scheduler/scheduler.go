package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dcabot/internal/execution"
	"dcabot/internal/schedule"
)

// Scheduler 把计划条目映射为挂钟触发，并逐次调用履约引擎。
// 触发串行执行：同一时刻到期的条目按计划文件顺序依次履约。
type Scheduler struct {
	engine execution.Fulfiller
	clock  execution.Clock
	loc    *time.Location
	tick   time.Duration
	logger *zap.Logger

	mu      sync.Mutex
	entries []*entry
}

type entry struct {
	job     *schedule.Job
	nextRun time.Time
}

// Options 控制调度行为。
type Options struct {
	// Location 为计划时刻解释所用时区，缺省为进程本地时区。
	Location *time.Location
	// Tick 为轮询粒度，0 表示自动：计划含 seconds 频率时1秒，否则60秒。
	Tick time.Duration
}

// JobStatus 为对外暴露的计划概览。
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Frequency string    `json:"frequency"`
	NextRun   time.Time `json:"next_run"`
}

// New 用给定计划构造调度器。计划集合由调度器独占持有。
func New(jobs []*schedule.Job, engine execution.Fulfiller, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	entries := make([]*entry, 0, len(jobs))
	for _, job := range jobs {
		entries = append(entries, &entry{job: job})
	}

	return &Scheduler{
		engine:  engine,
		clock:   systemClock{},
		loc:     loc,
		tick:    opts.Tick,
		logger:  logger,
		entries: entries,
	}
}

// Run 阻塞运行调度循环，直到 ctx 取消或所有计划执行完毕。
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now().In(s.loc)

	s.mu.Lock()
	for _, e := range s.entries {
		e.nextRun = initialNextRun(e.job, now)
		s.logger.Info("计划已登记",
			zap.String("job", e.job.ID),
			zap.String("frequency", string(e.job.Frequency)),
			zap.Time("next_run", e.nextRun),
		)
	}
	s.mu.Unlock()

	tick := s.tickInterval()
	s.logger.Info("调度循环启动", zap.Duration("tick", tick), zap.String("timezone", s.loc.String()))

	for {
		s.runPending(ctx)

		if s.jobCount() == 0 {
			s.logger.Info("所有计划已执行完毕，调度器退出")
			return nil
		}

		if err := s.clock.Sleep(ctx, tick); err != nil {
			s.logger.Info("调度循环收到退出信号")
			return nil
		}
	}
}

// Snapshot 返回当前计划及下次触发时间。
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		statuses = append(statuses, JobStatus{
			JobID:     e.job.ID,
			Frequency: string(e.job.Frequency),
			NextRun:   e.nextRun,
		})
	}
	return statuses
}

func (s *Scheduler) runPending(ctx context.Context) {
	now := s.clock.Now().In(s.loc)

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !e.nextRun.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}

		s.fire(ctx, e)

		if e.job.Frequency == schedule.FrequencyOnce {
			// once 条目无论成败只执行一次。
			s.remove(e)
			s.logger.Info("一次性计划已移除", zap.String("job", e.job.ID))
			continue
		}

		s.mu.Lock()
		e.nextRun = nextAfter(e.job, e.nextRun)
		next := e.nextRun
		s.mu.Unlock()
		s.logger.Info("计划推进", zap.String("job", e.job.ID), zap.Time("next_run", next))
	}
}

// fire 执行单次触发。错误与 panic 均被吸收，不影响调度循环。
func (s *Scheduler) fire(ctx context.Context, e *entry) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("触发执行发生panic",
				zap.String("job", e.job.ID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	s.logger.Info("计划触发",
		zap.String("job", e.job.ID),
		zap.Time("scheduled_for", e.nextRun),
	)

	result, err := s.engine.Fulfill(ctx, e.job)
	if err != nil {
		s.logger.Error("触发执行失败", zap.String("job", e.job.ID), zap.Error(err))
		return
	}

	s.logger.Info("触发执行完成",
		zap.String("job", e.job.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("order_id", result.OrderID),
	)
}

func (s *Scheduler) remove(target *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := s.entries[:0]
	for _, e := range s.entries {
		if e != target {
			filtered = append(filtered, e)
		}
	}
	s.entries = filtered
}

func (s *Scheduler) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) tickInterval() time.Duration {
	if s.tick > 0 {
		return s.tick
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.job.Frequency == schedule.FrequencySeconds {
			return time.Second
		}
	}
	return time.Minute
}

// initialNextRun 计算不早于 now 的首个触发时刻。
// once 条目当日时刻已过时立即触发。
func initialNextRun(job *schedule.Job, now time.Time) time.Time {
	loc := now.Location()

	switch job.Frequency {
	case schedule.FrequencySeconds:
		return now.Add(job.Every)

	case schedule.FrequencyHourly:
		candidate := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), job.TimeOfDay.Minute, 0, 0, loc)
		if candidate.Before(now) {
			candidate = candidate.Add(time.Hour)
		}
		return candidate

	case schedule.FrequencyDaily:
		candidate := atTimeOfDay(now, job.TimeOfDay, loc)
		if candidate.Before(now) {
			candidate = candidate.Add(24 * time.Hour)
		}
		return candidate

	case schedule.FrequencyWeekly:
		delta := (int(job.Weekday) - int(now.Weekday()) + 7) % 7
		candidate := atTimeOfDay(now.AddDate(0, 0, delta), job.TimeOfDay, loc)
		if candidate.Before(now) {
			candidate = candidate.Add(7 * 24 * time.Hour)
		}
		return candidate

	case schedule.FrequencyMonthly:
		candidate := monthlyDate(now.Year(), now.Month(), job.DayOfMonth, job.TimeOfDay, loc)
		if candidate.Before(now) {
			candidate = monthlyDate(now.Year(), now.Month()+1, job.DayOfMonth, job.TimeOfDay, loc)
		}
		return candidate

	case schedule.FrequencyOnce:
		candidate := atTimeOfDay(now, job.TimeOfDay, loc)
		if candidate.Before(now) {
			return now
		}
		return candidate
	}

	return now
}

// nextAfter 在上次触发时刻上整推一个周期，避免时钟漂移造成重复或跳过。
func nextAfter(job *schedule.Job, prev time.Time) time.Time {
	switch job.Frequency {
	case schedule.FrequencySeconds:
		return prev.Add(job.Every)
	case schedule.FrequencyHourly:
		return prev.Add(time.Hour)
	case schedule.FrequencyDaily:
		return prev.Add(24 * time.Hour)
	case schedule.FrequencyWeekly:
		return prev.Add(7 * 24 * time.Hour)
	case schedule.FrequencyMonthly:
		return monthlyDate(prev.Year(), prev.Month()+1, job.DayOfMonth, job.TimeOfDay, prev.Location())
	}
	return prev
}

func atTimeOfDay(day time.Time, tod schedule.TimeOfDay, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, loc)
}

// monthlyDate 返回指定月份的触发时刻，day 超过当月天数时取月末。
func monthlyDate(year int, month time.Month, day int, tod schedule.TimeOfDay, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, loc)
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
