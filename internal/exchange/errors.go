package exchange

import (
	"errors"
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderNotFound 表示交易所侧找不到该订单。
	ErrOrderNotFound = errors.New("exchange: order not found")
)

// RejectionError 表示交易所明确拒绝了请求，这类错误不做重试。
type RejectionError struct {
	Reason string
	// PostOnlyCross 表示 post-only 订单因会立即成交而被拒。
	PostOnlyCross bool
	Err           error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange: 请求被拒绝: %s", e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// IsRejection 判断错误是否为交易所拒绝类错误。
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// IsPostOnlyCross 判断错误是否为 post-only 穿越对手盘被拒。
func IsPostOnlyCross(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej) && rej.PostOnlyCross
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
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
			return true
		default:
			return false
		}
	}

	return false
}

func rejectionFromCCXT(ccxtErr *ccxt.Error) *RejectionError {
	message := strings.TrimSpace(ccxtErr.Message)
	if message == "" {
		message = string(ccxtErr.Type)
	}

	rej := &RejectionError{
		Reason: message,
		Err:    ccxtErr,
	}

	if ccxtErr.Type == ccxt.OrderImmediatelyFillableErrType {
		rej.PostOnlyCross = true
		return rej
	}

	lower := strings.ToLower(message)
	if strings.Contains(lower, "post only") || strings.Contains(lower, "post-only") || strings.Contains(lower, "post_only") {
		rej.PostOnlyCross = true
	}

	return rej
}
