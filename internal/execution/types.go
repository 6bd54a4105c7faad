package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/schedule"
)

// Outcome 表示一次触发的终态。
type Outcome string

const (
	// OutcomeFilled 表示限价单直接成交（market 条目的直接成交也属于此类）。
	OutcomeFilled Outcome = "filled"
	// OutcomeFilledViaFallback 表示限价未成，经市价兜底完成买入。
	OutcomeFilledViaFallback Outcome = "filled-via-fallback"
	// OutcomeExpiredNoFallback 表示订单过期且兜底被禁用，本次未买入。
	OutcomeExpiredNoFallback Outcome = "expired-no-fallback"
	// OutcomeFailed 表示网关错误无法通过重试或兜底恢复。
	OutcomeFailed Outcome = "failed"
)

// state 为履约状态机的封闭状态集。
type state int

const (
	stateResolvePrice state = iota
	statePlaceLimit
	stateMonitor
	stateReprice
	statePlaceMarket
	stateDone
)

func (s state) String() string {
	switch s {
	case stateResolvePrice:
		return "resolve-price"
	case statePlaceLimit:
		return "place-limit"
	case stateMonitor:
		return "monitor"
	case stateReprice:
		return "reprice"
	case statePlaceMarket:
		return "place-market"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Result 为一次触发的履约结果摘要。
type Result struct {
	JobID        string
	Outcome      Outcome
	OrderID      string
	LimitPrice   decimal.Decimal
	Filled       decimal.Decimal
	AveragePrice decimal.Decimal
	FellBack     bool
	CompletedAt  time.Time
}

// Fulfiller 抽象履约引擎，方便调度器在测试中替换。
type Fulfiller interface {
	Fulfill(ctx context.Context, job *schedule.Job) (Result, error)
}

// Observer 接收履约过程事件，用于审计留痕。实现不得阻塞。
type Observer interface {
	FiringStarted(jobID string)
	Transition(jobID, state string, fields map[string]interface{})
	Outcome(jobID, outcome string, fields map[string]interface{})
}

// Options 控制履约过程。
type Options struct {
	// PollInterval 为订单状态轮询间隔。
	PollInterval time.Duration
}

// Clock 抽象时间来源，让监控与改价的等待在测试中可控。
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
