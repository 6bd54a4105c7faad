package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dcabot/internal/exchange"
	"dcabot/internal/schedule"
)

const defaultPollInterval = 15 * time.Second

// premiumWarnFactor 为固定限价相对市价的告警阈值（高出5%）。
var premiumWarnFactor = decimal.NewFromFloat(1.05)

// Engine 驱动单次触发从计划参数到终态的履约过程。
type Engine struct {
	gateway  exchange.Gateway
	opts     Options
	clock    Clock
	logger   *zap.Logger
	observer Observer
}

var _ Fulfiller = (*Engine)(nil)

// NewEngine 创建履约引擎。
func NewEngine(gateway exchange.Gateway, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gateway: gateway,
		opts:    opts,
		clock:   systemClock{},
		logger:  logger,
	}
}

// SetObserver 注册履约事件观察者。
func (e *Engine) SetObserver(obs Observer) {
	e.observer = obs
}

// run 为单次触发的私有上下文，到达终态后即丢弃。
type run struct {
	job    *schedule.Job
	symbol string
	direct bool // order_type=market 的条目直接走市价

	orderID    string
	limitPrice decimal.Decimal
	placedAt   time.Time

	expiry      time.Time // 无改价配置的 GTD 过期时刻
	windowEnd   time.Time // 改价窗口截止
	nextReprice time.Time

	status   exchange.OrderStatus
	fellBack bool
	outcome  Outcome
}

// Fulfill 执行一次触发，阻塞至终态。
func (e *Engine) Fulfill(ctx context.Context, job *schedule.Job) (Result, error) {
	r := &run{
		job:    job,
		symbol: job.Pair.String(),
		direct: job.OrderType == schedule.OrderTypeMarket,
	}

	e.logger.Info("开始履约",
		zap.String("job", job.ID),
		zap.String("pair", r.symbol),
		zap.String("amount", job.QuoteAmount.String()),
		zap.String("order_type", string(job.OrderType)),
	)
	if e.observer != nil {
		e.observer.FiringStarted(job.ID)
	}

	st := stateResolvePrice
	if r.direct {
		st = statePlaceMarket
	}

	for st != stateDone {
		e.transition(r, st)

		var err error
		switch st {
		case stateResolvePrice:
			st, err = e.resolvePrice(ctx, r)
		case statePlaceLimit:
			st, err = e.placeLimit(ctx, r)
		case stateMonitor:
			st, err = e.monitor(ctx, r)
		case stateReprice:
			st, err = e.reprice(ctx, r)
		case statePlaceMarket:
			st, err = e.placeMarket(ctx, r)
		default:
			err = fmt.Errorf("execution: 未知状态 %d", st)
		}
		if err != nil {
			return e.finish(r, OutcomeFailed, err)
		}
	}

	return e.finish(r, r.outcome, nil)
}

func (e *Engine) resolvePrice(ctx context.Context, r *run) (state, error) {
	market, err := e.gateway.GetMarketPrice(ctx, r.symbol)
	if err != nil {
		return stateDone, fmt.Errorf("获取市场价失败: %w", err)
	}

	r.limitPrice = effectiveLimitPrice(r.job, market)

	if r.job.LimitPriceAbs != nil && r.limitPrice.GreaterThan(market.Mul(premiumWarnFactor)) {
		e.logger.Warn("固定限价高出市价逾5%，订单仍将提交",
			zap.String("job", r.job.ID),
			zap.String("limit_price", r.limitPrice.String()),
			zap.String("market_price", market.String()),
		)
	}

	e.logger.Info("限价计算完成",
		zap.String("job", r.job.ID),
		zap.String("market_price", market.String()),
		zap.String("limit_price", r.limitPrice.String()),
	)

	return statePlaceLimit, nil
}

// effectiveLimitPrice 计算生效限价：固定限价优先，否则按市价折价。
func effectiveLimitPrice(job *schedule.Job, market decimal.Decimal) decimal.Decimal {
	if job.LimitPriceAbs != nil {
		return *job.LimitPriceAbs
	}
	factor := decimal.NewFromInt(1).Sub(job.LimitPricePct.Div(decimal.NewFromInt(100)))
	return market.Mul(factor)
}

func (e *Engine) placeLimit(ctx context.Context, r *run) (state, error) {
	now := e.clock.Now()

	req := exchange.OrderRequest{
		Symbol:      r.symbol,
		Side:        exchange.SideBuy,
		Kind:        exchange.OrderKindLimit,
		BaseAmount:  r.job.QuoteAmount.Div(r.limitPrice),
		Price:       r.limitPrice,
		PostOnly:    r.job.PostOnly,
		TimeInForce: string(r.job.TimeInForce),
	}
	if r.job.TimeInForce == schedule.TimeInForceGTD {
		req.Expiry = now.Add(r.job.OrderTimeout)
	}

	placement, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		if exchange.IsRejection(err) {
			e.logger.Warn("限价单被拒绝",
				zap.String("job", r.job.ID),
				zap.Bool("post_only_cross", exchange.IsPostOnlyCross(err)),
				zap.Error(err),
			)
			if r.job.DisableFallback {
				return stateDone, fmt.Errorf("限价单被拒绝且兜底已禁用: %w", err)
			}
			r.fellBack = true
			return statePlaceMarket, nil
		}
		return stateDone, fmt.Errorf("提交限价单失败: %w", err)
	}

	r.orderID = placement.OrderID
	r.placedAt = now
	r.expiry = time.Time{}
	r.windowEnd = time.Time{}
	r.nextReprice = time.Time{}

	switch {
	case r.job.RepricingEnabled():
		r.windowEnd = now.Add(r.job.RepriceDuration)
		r.nextReprice = now.Add(r.job.RepriceInterval)
	case r.job.TimeInForce == schedule.TimeInForceGTD:
		r.expiry = now.Add(r.job.OrderTimeout)
	default:
		// GTC 且无改价配置：订单一直挂着，只有成交能结束监控。
		e.logger.Info("GTC 订单无过期时间，将等待成交", zap.String("job", r.job.ID))
	}

	e.logger.Info("限价单已提交",
		zap.String("job", r.job.ID),
		zap.String("order_id", r.orderID),
		zap.String("price", r.limitPrice.String()),
		zap.Bool("post_only", r.job.PostOnly),
		zap.String("time_in_force", string(r.job.TimeInForce)),
	)

	return stateMonitor, nil
}

func (e *Engine) monitor(ctx context.Context, r *run) (state, error) {
	for {
		if err := e.clock.Sleep(ctx, e.pollInterval()); err != nil {
			return stateDone, err
		}

		status, err := e.gateway.GetOrderStatus(ctx, r.symbol, r.orderID)
		if err != nil {
			return stateDone, fmt.Errorf("查询订单状态失败: %w", err)
		}
		r.status = status

		switch status.State {
		case exchange.OrderStateFilled:
			r.outcome = OutcomeFilled
			return stateDone, nil
		case exchange.OrderStateCanceled, exchange.OrderStateExpired:
			// 交易所侧已终结，无需再撤单。
			return e.afterExpiry(r)
		case exchange.OrderStateRejected:
			if r.job.DisableFallback {
				return stateDone, errors.New("订单被交易所拒绝且兜底已禁用")
			}
			r.fellBack = true
			return statePlaceMarket, nil
		}

		now := e.clock.Now()
		if r.job.RepricingEnabled() {
			if !now.Before(r.windowEnd) {
				return e.expire(ctx, r)
			}
			if !now.Before(r.nextReprice) {
				return stateReprice, nil
			}
			continue
		}
		if !r.expiry.IsZero() && !now.Before(r.expiry) {
			return e.expire(ctx, r)
		}
	}
}

// expire 处理本地到期：撤单、复查成交，再决定兜底或放弃。
func (e *Engine) expire(ctx context.Context, r *run) (state, error) {
	e.cancelQuiet(ctx, r)

	// 撤单可能与成交竞争，复查一次避免重复买入。
	if status, err := e.gateway.GetOrderStatus(ctx, r.symbol, r.orderID); err == nil {
		r.status = status
		if status.State == exchange.OrderStateFilled {
			r.outcome = OutcomeFilled
			return stateDone, nil
		}
	}

	return e.afterExpiry(r)
}

func (e *Engine) afterExpiry(r *run) (state, error) {
	if r.job.DisableFallback {
		e.logger.Info("订单过期且兜底已禁用，本次不买入", zap.String("job", r.job.ID), zap.String("order_id", r.orderID))
		r.outcome = OutcomeExpiredNoFallback
		return stateDone, nil
	}
	r.fellBack = true
	return statePlaceMarket, nil
}

func (e *Engine) reprice(ctx context.Context, r *run) (state, error) {
	// 先复查状态，避免撤掉已成交的订单。
	if status, err := e.gateway.GetOrderStatus(ctx, r.symbol, r.orderID); err == nil {
		r.status = status
		if status.State == exchange.OrderStateFilled {
			r.outcome = OutcomeFilled
			return stateDone, nil
		}
	}

	e.cancelQuiet(ctx, r)

	// 每轮改价都按当轮市价重新计算，不复用最初价格。
	market, err := e.gateway.GetMarketPrice(ctx, r.symbol)
	if err != nil {
		return stateDone, fmt.Errorf("改价时获取市场价失败: %w", err)
	}
	r.limitPrice = effectiveLimitPrice(r.job, market)

	now := e.clock.Now()
	req := exchange.OrderRequest{
		Symbol:      r.symbol,
		Side:        exchange.SideBuy,
		Kind:        exchange.OrderKindLimit,
		BaseAmount:  r.job.QuoteAmount.Div(r.limitPrice),
		Price:       r.limitPrice,
		PostOnly:    r.job.PostOnly,
		TimeInForce: string(r.job.TimeInForce),
	}
	if r.job.TimeInForce == schedule.TimeInForceGTD {
		req.Expiry = now.Add(r.job.OrderTimeout)
	}

	placement, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		if exchange.IsRejection(err) {
			if r.job.DisableFallback {
				return stateDone, fmt.Errorf("改价单被拒绝且兜底已禁用: %w", err)
			}
			r.fellBack = true
			return statePlaceMarket, nil
		}
		return stateDone, fmt.Errorf("提交改价单失败: %w", err)
	}

	r.orderID = placement.OrderID
	r.placedAt = now
	r.nextReprice = r.nextReprice.Add(r.job.RepriceInterval)

	e.logger.Info("改价单已提交",
		zap.String("job", r.job.ID),
		zap.String("order_id", r.orderID),
		zap.String("price", r.limitPrice.String()),
		zap.String("market_price", market.String()),
	)

	return stateMonitor, nil
}

func (e *Engine) placeMarket(ctx context.Context, r *run) (state, error) {
	req := exchange.OrderRequest{
		Symbol:      r.symbol,
		Side:        exchange.SideBuy,
		Kind:        exchange.OrderKindMarket,
		QuoteAmount: r.job.QuoteAmount,
	}

	placement, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return stateDone, fmt.Errorf("提交市价单失败: %w", err)
	}
	r.orderID = placement.OrderID
	r.placedAt = e.clock.Now()

	e.logger.Info("市价单已提交",
		zap.String("job", r.job.ID),
		zap.String("order_id", r.orderID),
		zap.String("quote_amount", r.job.QuoteAmount.String()),
		zap.Bool("fallback", r.fellBack),
	)

	for {
		status, err := e.gateway.GetOrderStatus(ctx, r.symbol, r.orderID)
		if err != nil {
			return stateDone, fmt.Errorf("查询市价单状态失败: %w", err)
		}
		r.status = status

		if status.State == exchange.OrderStateFilled {
			if r.fellBack {
				r.outcome = OutcomeFilledViaFallback
			} else {
				r.outcome = OutcomeFilled
			}
			return stateDone, nil
		}
		if status.Terminal() {
			return stateDone, fmt.Errorf("市价单未成交即终结: %s", status.State)
		}

		if err := e.clock.Sleep(ctx, e.pollInterval()); err != nil {
			return stateDone, err
		}
	}
}

func (e *Engine) cancelQuiet(ctx context.Context, r *run) {
	if r.orderID == "" {
		return
	}
	if err := e.gateway.CancelOrder(ctx, r.symbol, r.orderID); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return
		}
		e.logger.Warn("撤单失败",
			zap.String("job", r.job.ID),
			zap.String("order_id", r.orderID),
			zap.Error(err),
		)
	}
}

func (e *Engine) transition(r *run, st state) {
	e.logger.Info("履约状态切换",
		zap.String("job", r.job.ID),
		zap.String("state", st.String()),
		zap.String("price", r.limitPrice.String()),
		zap.String("order_id", r.orderID),
	)
	if e.observer != nil {
		e.observer.Transition(r.job.ID, st.String(), map[string]interface{}{
			"price":    r.limitPrice.String(),
			"order_id": r.orderID,
		})
	}
}

func (e *Engine) finish(r *run, outcome Outcome, cause error) (Result, error) {
	result := Result{
		JobID:        r.job.ID,
		Outcome:      outcome,
		OrderID:      r.orderID,
		LimitPrice:   r.limitPrice,
		Filled:       r.status.Filled,
		AveragePrice: r.status.AveragePrice,
		FellBack:     r.fellBack,
		CompletedAt:  e.clock.Now(),
	}

	fields := []zap.Field{
		zap.String("job", r.job.ID),
		zap.String("outcome", string(outcome)),
		zap.String("order_id", r.orderID),
		zap.String("price", r.limitPrice.String()),
		zap.String("filled", r.status.Filled.String()),
	}
	if cause != nil {
		e.logger.Error("履约失败", append(fields, zap.Error(cause))...)
	} else {
		e.logger.Info("履约完成", fields...)
	}

	if e.observer != nil {
		obsFields := map[string]interface{}{
			"order_id": r.orderID,
			"price":    r.limitPrice.String(),
			"filled":   r.status.Filled.String(),
		}
		if cause != nil {
			obsFields["error"] = cause.Error()
		}
		e.observer.Outcome(r.job.ID, string(outcome), obsFields)
	}

	return result, cause
}

func (e *Engine) pollInterval() time.Duration {
	if e.opts.PollInterval > 0 {
		return e.opts.PollInterval
	}
	return defaultPollInterval
}
