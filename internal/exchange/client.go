package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dcabot/internal/config"
)

// Client 基于 ccxt 的 Coinbase Advanced Trade 实现 Gateway，并带重试机制。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Coinbase

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Gateway = (*Client)(nil)

// NewClient 构造 Coinbase 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewCoinbase(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// GetMarketPrice 获取交易对最新成交价。
func (c *Client) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		ticker, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}

		raw = ticker
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	price := priceFromTicker(raw)
	if price <= 0 {
		return decimal.Zero, fmt.Errorf("exchange: %s 行情中没有有效价格", symbol)
	}

	return decimal.NewFromFloat(price), nil
}

// PlaceOrder 提交委托并返回订单标识。
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Placement, error) {
	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	params := map[string]interface{}{
		"clientOrderId": clientOrderID,
	}

	var raw ccxt.Order
	var call func() error

	switch req.Kind {
	case OrderKindLimit:
		if req.PostOnly {
			params["postOnly"] = true
		}
		if req.TimeInForce != "" {
			params["timeInForce"] = req.TimeInForce
		}
		if !req.Expiry.IsZero() {
			params["expireTime"] = req.Expiry.UTC().Format(time.RFC3339)
		}
		amount := req.BaseAmount.InexactFloat64()
		price := req.Price.InexactFloat64()
		call = func() error {
			order, err := c.exchange.CreateLimitOrder(req.Symbol, string(req.Side), amount, price,
				ccxt.WithCreateLimitOrderParams(params))
			if err != nil {
				return err
			}
			raw = order
			return nil
		}
	case OrderKindMarket:
		// 市价买入按计价币金额下单。
		params["createMarketBuyOrderRequiresPrice"] = false
		amount := req.QuoteAmount.InexactFloat64()
		call = func() error {
			order, err := c.exchange.CreateMarketOrder(req.Symbol, string(req.Side), amount,
				ccxt.WithCreateMarketOrderParams(params))
			if err != nil {
				return err
			}
			raw = order
			return nil
		}
	default:
		return Placement{}, fmt.Errorf("exchange: 不支持的委托类型 %q", req.Kind)
	}

	err := c.callWithRetry(ctx, fmt.Sprintf("create_%s_order", req.Kind), func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		return call()
	})
	if err != nil {
		return Placement{}, err
	}

	placement := Placement{
		OrderID:       derefString(raw.Id),
		ClientOrderID: clientOrderID,
	}
	if cid := derefString(raw.ClientOrderId); cid != "" {
		placement.ClientOrderID = cid
	}
	if placement.OrderID == "" {
		return Placement{}, errors.New("exchange: 交易所未返回订单号")
	}

	return placement, nil
}

// CancelOrder 撤销委托。订单不存在时返回 ErrOrderNotFound。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
}

// GetOrderStatus 查询委托状态与成交量。
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error) {
	var raw ccxt.Order

	err := c.callWithRetry(ctx, "fetch_order", func() error {
		order, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err != nil {
		return OrderStatus{}, err
	}

	return statusFromOrder(raw), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			return fmt.Errorf("%w: %s", ErrMaintenance, ccxtErr.Message), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, ccxtErr.Message), false
		case ccxt.InsufficientFundsErrType,
			ccxt.InvalidOrderErrType,
			ccxt.OrderImmediatelyFillableErrType,
			ccxt.BadSymbolErrType,
			ccxt.BadRequestErrType,
			ccxt.PermissionDeniedErrType,
			ccxt.AuthenticationErrorErrType:
			return rejectionFromCCXT(ccxtErr), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func priceFromTicker(t ccxt.Ticker) float64 {
	if last := derefFloat(t.Last); last > 0 {
		return last
	}
	if closePrice := derefFloat(t.Close); closePrice > 0 {
		return closePrice
	}
	bid := derefFloat(t.Bid)
	ask := derefFloat(t.Ask)
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	if bid > 0 {
		return bid
	}
	return ask
}

func statusFromOrder(o ccxt.Order) OrderStatus {
	status := OrderStatus{
		Filled:       decimal.NewFromFloat(derefFloat(o.Filled)),
		Remaining:    decimal.NewFromFloat(derefFloat(o.Remaining)),
		AveragePrice: decimal.NewFromFloat(derefFloat(o.Average)),
	}

	switch derefString(o.Status) {
	case "open":
		if status.Filled.IsPositive() {
			status.State = OrderStatePartial
		} else {
			status.State = OrderStateOpen
		}
	case "closed":
		status.State = OrderStateFilled
	case "canceled":
		status.State = OrderStateCanceled
	case "expired":
		status.State = OrderStateExpired
	case "rejected":
		status.State = OrderStateRejected
	default:
		status.State = OrderStateUnknown
	}

	return status
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
