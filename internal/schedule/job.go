package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Frequency 表示计划条目的触发频率。
type Frequency string

const (
	FrequencySeconds Frequency = "seconds"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyOnce    Frequency = "once"
)

// OrderType 表示下单类型。
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce 表示订单有效期策略。
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceGTD TimeInForce = "GTD"
)

// NormalizeTimeInForce 将任意输入归一到 GTC/GTD。
// 只有字面 "GTC" 被识别为 GTC，其余值（包括空值与 "IOC" 等）一律按 GTD 处理，不报错。
func NormalizeTimeInForce(raw string) TimeInForce {
	if strings.EqualFold(strings.TrimSpace(raw), string(TimeInForceGTC)) {
		return TimeInForceGTC
	}
	return TimeInForceGTD
}

// Pair 表示交易对，用计价币购买基础币。
type Pair struct {
	Base  string
	Quote string
}

// ParsePair 解析 "BASE/QUOTE" 形式的交易对。
func ParsePair(raw string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(raw), "/")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("交易对 %q 不符合 BASE/QUOTE 格式", raw)
	}
	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if base == "" || quote == "" {
		return Pair{}, fmt.Errorf("交易对 %q 的币种不能为空", raw)
	}
	return Pair{Base: base, Quote: quote}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// TimeOfDay 表示本地挂钟时刻。
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay 解析 "15:04" 形式的时刻。
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("时刻 %q 不符合 HH:MM 格式", raw)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday 解析英文星期名。
func ParseWeekday(raw string) (time.Weekday, error) {
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return 0, fmt.Errorf("星期 %q 无法识别", raw)
	}
	return day, nil
}

const (
	// DefaultOrderTimeout 为 GTD 订单的默认过期时长。
	DefaultOrderTimeout = 600 * time.Second
	// DefaultLimitDiscountPct 为未指定定价方式时的默认折价百分比。
	DefaultLimitDiscountPct = 0.1
)

// JobSpec 为计划文件中的原始条目，未知字段一律忽略。
type JobSpec struct {
	Frequency              string   `mapstructure:"frequency"`
	Seconds                int      `mapstructure:"seconds"`
	DayOfWeek              string   `mapstructure:"day_of_week"`
	DayOfMonth             int      `mapstructure:"day_of_month"`
	Time                   string   `mapstructure:"time"`
	CurrencyPair           string   `mapstructure:"currency_pair"`
	QuoteCurrencyAmount    float64  `mapstructure:"quote_currency_amount"`
	OrderType              string   `mapstructure:"order_type"`
	LimitPricePct          *float64 `mapstructure:"limit_price_pct"`
	LimitPriceAbsolute     *float64 `mapstructure:"limit_price_absolute"`
	PostOnly               *bool    `mapstructure:"post_only"`
	TimeInForce            string   `mapstructure:"time_in_force"`
	OrderTimeoutSeconds    *int     `mapstructure:"order_timeout_seconds"`
	RepriceIntervalSeconds int      `mapstructure:"reprice_interval_seconds"`
	RepriceDurationSeconds int      `mapstructure:"reprice_duration_seconds"`
	DisableFallback        bool     `mapstructure:"disable_fallback"`
}

// Job 为校验并归一化后的计划条目。除调度器推进触发时间外不再被修改。
type Job struct {
	ID    string
	Index int

	Frequency  Frequency
	Every      time.Duration
	Weekday    time.Weekday
	DayOfMonth int
	TimeOfDay  TimeOfDay

	Pair        Pair
	QuoteAmount decimal.Decimal
	OrderType   OrderType

	// 定价方式二选一，Abs 非空时优先生效。
	LimitPriceAbs *decimal.Decimal
	LimitPricePct decimal.Decimal

	PostOnly        bool
	TimeInForce     TimeInForce
	OrderTimeout    time.Duration
	RepriceInterval time.Duration
	RepriceDuration time.Duration
	DisableFallback bool
}

// RepricingEnabled 返回该条目是否参与改价循环。
// 改价按市场价减折价重新计算，固定限价条目改价结果不会变化，因此只对百分比定价生效。
func (j *Job) RepricingEnabled() bool {
	return j.OrderType == OrderTypeLimit &&
		j.LimitPriceAbs == nil &&
		j.RepriceInterval > 0 &&
		j.RepriceDuration > 0
}

// Normalize 校验原始条目并生成 Job。index 为计划文件中的 1 起始序号。
func (s JobSpec) Normalize(index int) (*Job, error) {
	var errs error

	freq := Frequency(strings.ToLower(strings.TrimSpace(s.Frequency)))
	switch freq {
	case FrequencySeconds, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyOnce:
	case "":
		errs = multierr.Append(errs, errors.New("缺少 frequency 字段"))
	default:
		errs = multierr.Append(errs, fmt.Errorf("frequency %q 无法识别", s.Frequency))
	}

	job := &Job{
		Index:     index,
		Frequency: freq,
	}

	if freq == FrequencySeconds {
		if s.Seconds <= 0 {
			errs = multierr.Append(errs, errors.New("seconds 频率需要正的 seconds 字段"))
		} else {
			job.Every = time.Duration(s.Seconds) * time.Second
		}
	} else if freq != "" {
		if s.Time == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s 频率需要 time 字段", freq))
		} else if tod, err := ParseTimeOfDay(s.Time); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			job.TimeOfDay = tod
		}
	}

	if freq == FrequencyWeekly {
		if s.DayOfWeek == "" {
			errs = multierr.Append(errs, errors.New("weekly 频率需要 day_of_week 字段"))
		} else if day, err := ParseWeekday(s.DayOfWeek); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			job.Weekday = day
		}
	}

	if freq == FrequencyMonthly {
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			errs = multierr.Append(errs, errors.New("monthly 频率需要位于[1,31]的 day_of_month 字段"))
		} else {
			job.DayOfMonth = s.DayOfMonth
		}
	}

	if s.CurrencyPair == "" {
		errs = multierr.Append(errs, errors.New("缺少 currency_pair 字段"))
	} else if pair, err := ParsePair(s.CurrencyPair); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		job.Pair = pair
	}

	if s.QuoteCurrencyAmount <= 0 {
		errs = multierr.Append(errs, errors.New("quote_currency_amount 必须为正"))
	} else {
		job.QuoteAmount = decimal.NewFromFloat(s.QuoteCurrencyAmount)
	}

	orderType := OrderType(strings.ToLower(strings.TrimSpace(s.OrderType)))
	switch orderType {
	case "":
		job.OrderType = OrderTypeLimit
	case OrderTypeLimit, OrderTypeMarket:
		job.OrderType = orderType
	default:
		errs = multierr.Append(errs, fmt.Errorf("order_type %q 无法识别", s.OrderType))
	}

	if job.OrderType == OrderTypeLimit {
		normalizeLimitFields(&errs, s, job)
	}
	// market 条目忽略定价、过期与改价字段。

	job.DisableFallback = s.DisableFallback

	if errs != nil {
		return nil, fmt.Errorf("计划条目 %d 校验失败: %w", index, errs)
	}

	job.ID = fmt.Sprintf("job-%d[%s]", index, job.Pair)
	return job, nil
}

func normalizeLimitFields(errs *error, s JobSpec, job *Job) {
	switch {
	case s.LimitPriceAbsolute != nil:
		// 两种定价同时出现时固定限价优先。
		if *s.LimitPriceAbsolute <= 0 {
			*errs = multierr.Append(*errs, errors.New("limit_price_absolute 必须为正"))
		} else {
			abs := decimal.NewFromFloat(*s.LimitPriceAbsolute)
			job.LimitPriceAbs = &abs
		}
	case s.LimitPricePct != nil:
		if *s.LimitPricePct < 0 || *s.LimitPricePct >= 100 {
			*errs = multierr.Append(*errs, errors.New("limit_price_pct 必须位于[0,100)"))
		} else {
			job.LimitPricePct = decimal.NewFromFloat(*s.LimitPricePct)
		}
	default:
		job.LimitPricePct = decimal.NewFromFloat(DefaultLimitDiscountPct)
	}

	job.PostOnly = true
	if s.PostOnly != nil {
		job.PostOnly = *s.PostOnly
	}

	job.TimeInForce = NormalizeTimeInForce(s.TimeInForce)

	job.OrderTimeout = DefaultOrderTimeout
	if s.OrderTimeoutSeconds != nil {
		if *s.OrderTimeoutSeconds <= 0 {
			*errs = multierr.Append(*errs, errors.New("order_timeout_seconds 必须为正"))
		} else {
			job.OrderTimeout = time.Duration(*s.OrderTimeoutSeconds) * time.Second
		}
	}

	if s.RepriceIntervalSeconds < 0 || s.RepriceDurationSeconds < 0 {
		*errs = multierr.Append(*errs, errors.New("reprice 时间参数不能为负"))
		return
	}
	if (s.RepriceIntervalSeconds > 0) != (s.RepriceDurationSeconds > 0) {
		*errs = multierr.Append(*errs, errors.New("reprice_interval_seconds 与 reprice_duration_seconds 必须成对出现"))
		return
	}
	if job.LimitPriceAbs == nil {
		job.RepriceInterval = time.Duration(s.RepriceIntervalSeconds) * time.Second
		job.RepriceDuration = time.Duration(s.RepriceDurationSeconds) * time.Second
	}
}
