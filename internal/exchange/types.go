package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向。本系统只会买入。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind 表示委托类型。
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// OrderRequest 描述一次委托提交。
type OrderRequest struct {
	Symbol string
	Side   Side
	Kind   OrderKind

	// BaseAmount 为限价单的基础币数量。
	BaseAmount decimal.Decimal
	// QuoteAmount 为市价买单要花费的计价币数量。
	QuoteAmount decimal.Decimal
	// Price 为限价单价格。
	Price decimal.Decimal

	PostOnly    bool
	TimeInForce string
	// Expiry 仅对 GTD 订单有效。
	Expiry time.Time

	// ClientOrderID 留空时由网关生成。
	ClientOrderID string
}

// Placement 为委托提交结果。
type Placement struct {
	OrderID       string
	ClientOrderID string
}

// OrderState 表示交易所侧的订单状态。
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStatePartial  OrderState = "partially-filled"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "cancelled"
	OrderStateExpired  OrderState = "expired"
	OrderStateRejected OrderState = "rejected"
	OrderStateUnknown  OrderState = "unknown"
)

// OrderStatus 为订单状态查询结果。
type OrderStatus struct {
	State        OrderState
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AveragePrice decimal.Decimal
}

// Terminal 返回订单是否已到达终态。
func (s OrderStatus) Terminal() bool {
	switch s.State {
	case OrderStateFilled, OrderStateCanceled, OrderStateExpired, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Gateway 为履约引擎消费的交易所能力接口。
type Gateway interface {
	// GetMarketPrice 返回交易对的当前市场价（计价币/基础币）。
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (Placement, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
}
