package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dcabot/internal/config"
	"dcabot/internal/exchange"
	"dcabot/internal/execution"
	"dcabot/internal/journal"
	"dcabot/internal/schedule"
	"dcabot/internal/scheduler"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	journal *journal.Journal
}

// New 创建 App 实例。journal 可以为 nil，表示不持久化履约事件。
func New(cfg *config.Config, logger *zap.Logger, jnl *journal.Journal) *App {
	return &App{
		cfg:     cfg,
		logger:  logger,
		journal: jnl,
	}
}

// Run 加载计划并运行调度循环，阻塞至 ctx 取消或计划全部执行完毕。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("定投系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("timezone", a.cfg.App.Timezone),
		zap.String("schedule", a.cfg.Schedule.Path),
	)

	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}

	var jobs []*schedule.Job
	if a.cfg.Schedule.Strict {
		jobs, err = schedule.LoadStrict(a.cfg.Schedule.Path, a.logger)
	} else {
		jobs, err = schedule.Load(a.cfg.Schedule.Path, a.logger)
	}
	if err != nil {
		return fmt.Errorf("加载计划失败: %w", err)
	}

	if a.journal != nil {
		a.journal.RecordScheduleLoaded(a.cfg.Schedule.Path, len(jobs))
	}

	gateway, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	engine := execution.NewEngine(gateway, execution.Options{
		PollInterval: a.cfg.Fulfillment.PollInterval,
	}, a.logger)
	if a.journal != nil {
		engine.SetObserver(a.journal)
	}

	sched := scheduler.New(jobs, engine, scheduler.Options{
		Location: loc,
		Tick:     a.cfg.Schedule.Tick,
	}, a.logger)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return sched.Run(groupCtx)
	})

	if a.journal != nil && a.cfg.Journal.HTTPPort > 0 {
		if err := startEventsServer(groupCtx, a.journal, sched, a.cfg.Journal.HTTPPort, a.logger); err != nil {
			return err
		}
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}

	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
