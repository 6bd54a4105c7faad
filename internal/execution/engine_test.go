package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dcabot/internal/exchange"
	"dcabot/internal/schedule"
)

// fakeClock 逻辑时钟：Sleep 直接推进时间，不真正等待。
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

type fakeGateway struct {
	prices     []float64
	priceCalls int

	placeErrs []error
	placed    []exchange.OrderRequest
	cancels   []string

	statusCalls int
	statusFn    func(orderID string, call int) exchange.OrderStatus
}

func (g *fakeGateway) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	idx := g.priceCalls
	if idx >= len(g.prices) {
		idx = len(g.prices) - 1
	}
	g.priceCalls++
	return decimal.NewFromFloat(g.prices[idx]), nil
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Placement, error) {
	if len(g.placeErrs) > 0 {
		err := g.placeErrs[0]
		g.placeErrs = g.placeErrs[1:]
		if err != nil {
			return exchange.Placement{}, err
		}
	}
	g.placed = append(g.placed, req)
	id := fmt.Sprintf("order-%d", len(g.placed))
	return exchange.Placement{OrderID: id, ClientOrderID: "client-" + id}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.cancels = append(g.cancels, orderID)
	return nil
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderStatus, error) {
	g.statusCalls++
	if g.statusFn != nil {
		return g.statusFn(orderID, g.statusCalls), nil
	}
	return exchange.OrderStatus{State: exchange.OrderStateOpen}, nil
}

func statusOpen() exchange.OrderStatus {
	return exchange.OrderStatus{State: exchange.OrderStateOpen}
}

func statusFilled(amount, avg float64) exchange.OrderStatus {
	return exchange.OrderStatus{
		State:        exchange.OrderStateFilled,
		Filled:       decimal.NewFromFloat(amount),
		AveragePrice: decimal.NewFromFloat(avg),
	}
}

func limitJob(mutate ...func(*schedule.Job)) *schedule.Job {
	job := &schedule.Job{
		ID:            "job-1[ETH/USDC]",
		Index:         1,
		Frequency:     schedule.FrequencyDaily,
		Pair:          schedule.Pair{Base: "ETH", Quote: "USDC"},
		QuoteAmount:   decimal.NewFromInt(1),
		OrderType:     schedule.OrderTypeLimit,
		LimitPricePct: decimal.NewFromFloat(0.01),
		PostOnly:      true,
		TimeInForce:   schedule.TimeInForceGTD,
		OrderTimeout:  600 * time.Second,
	}
	for _, m := range mutate {
		m(job)
	}
	return job
}

func newTestEngine(gw *fakeGateway) (*Engine, *fakeClock) {
	e := NewEngine(gw, Options{PollInterval: 15 * time.Second}, zap.NewNop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	e.clock = clock
	return e, clock
}

func TestFulfill_LimitFilled(t *testing.T) {
	gw := &fakeGateway{
		prices: []float64{3000},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			return statusFilled(0.00033, 2999.7)
		},
	}
	e, _ := newTestEngine(gw)

	result, err := e.Fulfill(context.Background(), limitJob())
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled {
		t.Errorf("expected outcome %s, got %s", OutcomeFilled, result.Outcome)
	}
	if result.FellBack {
		t.Errorf("direct fill must not be marked as fallback")
	}

	if len(gw.placed) != 1 {
		t.Fatalf("expected 1 order, got %d", len(gw.placed))
	}
	req := gw.placed[0]
	// 市价3000、折价0.01%：限价应为精确的 2999.7。
	if req.Price.String() != "2999.7" {
		t.Errorf("expected limit price 2999.7, got %s", req.Price)
	}
	if !req.BaseAmount.Equal(decimal.NewFromInt(1).Div(req.Price)) {
		t.Errorf("base amount %s does not match quote amount at limit price", req.BaseAmount)
	}
	if !req.PostOnly || req.TimeInForce != "GTD" {
		t.Errorf("unexpected order flags: post_only=%v tif=%s", req.PostOnly, req.TimeInForce)
	}
	if len(gw.cancels) != 0 {
		t.Errorf("filled order must not be cancelled")
	}
}

func TestFulfill_GTDExpiryFallsBackToMarket(t *testing.T) {
	gw := &fakeGateway{
		prices: []float64{3000},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			if orderID == "order-2" {
				return statusFilled(0.00033, 3001)
			}
			return statusOpen()
		},
	}
	e, clock := newTestEngine(gw)
	start := clock.now

	result, err := e.Fulfill(context.Background(), limitJob())
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilledViaFallback {
		t.Errorf("expected outcome %s, got %s", OutcomeFilledViaFallback, result.Outcome)
	}
	if !result.FellBack || result.OrderID != "order-2" {
		t.Errorf("unexpected result: %+v", result)
	}

	if len(gw.placed) != 2 {
		t.Fatalf("expected limit then market order, got %d orders", len(gw.placed))
	}
	if !gw.placed[0].Expiry.Equal(start.Add(600 * time.Second)) {
		t.Errorf("unexpected GTD expiry %v", gw.placed[0].Expiry)
	}
	if gw.placed[1].Kind != exchange.OrderKindMarket {
		t.Errorf("fallback order must be a market order, got %s", gw.placed[1].Kind)
	}
	if !gw.placed[1].QuoteAmount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("market fallback must spend the quote amount, got %s", gw.placed[1].QuoteAmount)
	}
	if len(gw.cancels) != 1 || gw.cancels[0] != "order-1" {
		t.Errorf("expected the expired limit order to be cancelled, got %v", gw.cancels)
	}
	if clock.now.Sub(start) != 600*time.Second {
		t.Errorf("expected expiry exactly at timeout, clock advanced %v", clock.now.Sub(start))
	}
}

func TestFulfill_DisableFallbackExpiresWithoutBuying(t *testing.T) {
	gw := &fakeGateway{prices: []float64{3000}}
	e, _ := newTestEngine(gw)

	job := limitJob(func(j *schedule.Job) { j.DisableFallback = true })
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeExpiredNoFallback {
		t.Errorf("expected outcome %s, got %s", OutcomeExpiredNoFallback, result.Outcome)
	}
	if len(gw.placed) != 1 {
		t.Fatalf("no market order may be placed when fallback is disabled, got %d orders", len(gw.placed))
	}
	if len(gw.cancels) != 1 {
		t.Errorf("expected the expired order to be cancelled, got %v", gw.cancels)
	}
}

func TestFulfill_AbsolutePriceWins(t *testing.T) {
	abs := decimal.NewFromInt(101830)
	gw := &fakeGateway{
		prices: []float64{96000},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			return statusFilled(0.001, 101830)
		},
	}
	e, _ := newTestEngine(gw)

	// 固定限价高出市价逾5%：只告警，订单照常提交。
	job := limitJob(func(j *schedule.Job) {
		j.LimitPriceAbs = &abs
		j.LimitPricePct = decimal.NewFromInt(5)
		j.TimeInForce = schedule.TimeInForceGTC
	})
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled {
		t.Errorf("expected outcome %s, got %s", OutcomeFilled, result.Outcome)
	}
	if gw.placed[0].Price.String() != "101830" {
		t.Errorf("absolute price must win over pct, got %s", gw.placed[0].Price)
	}
	if !gw.placed[0].Expiry.IsZero() {
		t.Errorf("GTC order must not carry an expiry, got %v", gw.placed[0].Expiry)
	}
}

func TestFulfill_GTCWithoutRepriceNeverFallsBack(t *testing.T) {
	gw := &fakeGateway{prices: []float64{3000}}
	gw.statusFn = func(orderID string, call int) exchange.OrderStatus {
		// 远超 order_timeout 的等待之后才成交。
		if call >= 100 {
			return statusFilled(0.00033, 2999.7)
		}
		return statusOpen()
	}
	e, clock := newTestEngine(gw)
	start := clock.now

	job := limitJob(func(j *schedule.Job) { j.TimeInForce = schedule.TimeInForceGTC })
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled || result.FellBack {
		t.Errorf("GTC order must wait for the fill, got %+v", result)
	}
	if len(gw.placed) != 1 || len(gw.cancels) != 0 {
		t.Errorf("GTC order must never be cancelled or replaced: placed=%d cancels=%v", len(gw.placed), gw.cancels)
	}
	if clock.now.Sub(start) <= 600*time.Second {
		t.Errorf("test must outlive the default timeout to prove no expiry, advanced %v", clock.now.Sub(start))
	}
}

func TestFulfill_RepriceUsesLiveMarketPrice(t *testing.T) {
	gw := &fakeGateway{
		prices: []float64{3000, 2900, 2800},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			if orderID == "order-4" {
				return statusFilled(0.00035, 2801)
			}
			return statusOpen()
		},
	}
	e, clock := newTestEngine(gw)
	start := clock.now

	job := limitJob(func(j *schedule.Job) {
		j.LimitPricePct = decimal.NewFromInt(1)
		j.RepriceInterval = 30 * time.Second
		j.RepriceDuration = 90 * time.Second
	})
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilledViaFallback {
		t.Errorf("expected outcome %s, got %s", OutcomeFilledViaFallback, result.Outcome)
	}

	if len(gw.placed) != 4 {
		t.Fatalf("expected 3 limit orders and 1 market order, got %d", len(gw.placed))
	}
	// 每轮改价都按当轮市价重新折算。
	wantPrices := []string{"2970", "2871", "2772"}
	for i, want := range wantPrices {
		if gw.placed[i].Price.String() != want {
			t.Errorf("order %d: expected price %s, got %s", i+1, want, gw.placed[i].Price)
		}
	}
	if gw.placed[3].Kind != exchange.OrderKindMarket {
		t.Errorf("final order must be the market fallback, got %s", gw.placed[3].Kind)
	}
	// 改价两次撤两单，窗口截止再撤一单。
	if len(gw.cancels) != 3 {
		t.Errorf("expected 3 cancellations, got %v", gw.cancels)
	}
	if clock.now.Sub(start) != 90*time.Second {
		t.Errorf("reprice window must end at duration, clock advanced %v", clock.now.Sub(start))
	}
}

func TestFulfill_RepriceStopsWhenOrderFills(t *testing.T) {
	gw := &fakeGateway{prices: []float64{3000}}
	gw.statusFn = func(orderID string, call int) exchange.OrderStatus {
		// 改价前的复查发现订单已成交。
		if call >= 3 {
			return statusFilled(0.00033, 2970)
		}
		return statusOpen()
	}
	e, _ := newTestEngine(gw)

	job := limitJob(func(j *schedule.Job) {
		j.LimitPricePct = decimal.NewFromInt(1)
		j.RepriceInterval = 30 * time.Second
		j.RepriceDuration = 300 * time.Second
	})
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled || result.FellBack {
		t.Errorf("filled order must not fall back, got %+v", result)
	}
	if len(gw.placed) != 1 || len(gw.cancels) != 0 {
		t.Errorf("filled order must not be replaced: placed=%d cancels=%v", len(gw.placed), gw.cancels)
	}
}

func TestFulfill_PostOnlyRejectionFallsBack(t *testing.T) {
	gw := &fakeGateway{
		prices:    []float64{3000},
		placeErrs: []error{&exchange.RejectionError{Reason: "post only would cross", PostOnlyCross: true}},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			return statusFilled(0.00033, 3001)
		},
	}
	e, _ := newTestEngine(gw)

	result, err := e.Fulfill(context.Background(), limitJob())
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilledViaFallback {
		t.Errorf("expected outcome %s, got %s", OutcomeFilledViaFallback, result.Outcome)
	}
	if len(gw.placed) != 1 || gw.placed[0].Kind != exchange.OrderKindMarket {
		t.Fatalf("expected only the market fallback to be placed, got %+v", gw.placed)
	}
}

func TestFulfill_RejectionWithFallbackDisabledFails(t *testing.T) {
	gw := &fakeGateway{
		prices:    []float64{3000},
		placeErrs: []error{&exchange.RejectionError{Reason: "post only would cross", PostOnlyCross: true}},
	}
	e, _ := newTestEngine(gw)

	job := limitJob(func(j *schedule.Job) { j.DisableFallback = true })
	result, err := e.Fulfill(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error when rejection cannot fall back")
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("expected outcome %s, got %s", OutcomeFailed, result.Outcome)
	}
	if len(gw.placed) != 0 {
		t.Errorf("no order may be placed, got %+v", gw.placed)
	}
}

func TestFulfill_MarketJobBuysDirectly(t *testing.T) {
	gw := &fakeGateway{
		prices: []float64{3000},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			return statusFilled(0.033, 3000)
		},
	}
	e, _ := newTestEngine(gw)

	job := limitJob(func(j *schedule.Job) {
		j.OrderType = schedule.OrderTypeMarket
		j.QuoteAmount = decimal.NewFromInt(100)
	})
	result, err := e.Fulfill(context.Background(), job)
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled || result.FellBack {
		t.Errorf("direct market buy is not a fallback, got %+v", result)
	}
	if gw.priceCalls != 0 {
		t.Errorf("market jobs must not fetch the market price, got %d calls", gw.priceCalls)
	}
	if len(gw.placed) != 1 || gw.placed[0].Kind != exchange.OrderKindMarket {
		t.Fatalf("expected a single market order, got %+v", gw.placed)
	}
	if !gw.placed[0].QuoteAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("unexpected quote amount %s", gw.placed[0].QuoteAmount)
	}
}

func TestFulfill_CancelFillRaceKeepsTheFill(t *testing.T) {
	gw := &fakeGateway{prices: []float64{3000}}
	var cancelled bool
	gw.statusFn = func(orderID string, call int) exchange.OrderStatus {
		// 撤单之后的复查发现订单其实已成交。
		if cancelled {
			return statusFilled(0.00033, 2999.7)
		}
		return statusOpen()
	}
	e, _ := newTestEngine(gw)
	gwWrapped := &cancelTrackingGateway{fakeGateway: gw, onCancel: func() { cancelled = true }}
	e.gateway = gwWrapped

	result, err := e.Fulfill(context.Background(), limitJob())
	if err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}
	if result.Outcome != OutcomeFilled || result.FellBack {
		t.Errorf("race fill must count as a direct fill, got %+v", result)
	}
	if len(gw.placed) != 1 {
		t.Errorf("no fallback may be placed after the race fill, got %d orders", len(gw.placed))
	}
}

type cancelTrackingGateway struct {
	*fakeGateway
	onCancel func()
}

func (g *cancelTrackingGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := g.fakeGateway.CancelOrder(ctx, symbol, orderID)
	g.onCancel()
	return err
}

type recordingObserver struct {
	started     []string
	transitions []string
	outcomes    []string
}

func (o *recordingObserver) FiringStarted(jobID string) {
	o.started = append(o.started, jobID)
}

func (o *recordingObserver) Transition(jobID, state string, fields map[string]interface{}) {
	o.transitions = append(o.transitions, state)
}

func (o *recordingObserver) Outcome(jobID, outcome string, fields map[string]interface{}) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestFulfill_ObserverSeesLifecycle(t *testing.T) {
	gw := &fakeGateway{
		prices: []float64{3000},
		statusFn: func(orderID string, call int) exchange.OrderStatus {
			return statusFilled(0.00033, 2999.7)
		},
	}
	e, _ := newTestEngine(gw)
	obs := &recordingObserver{}
	e.SetObserver(obs)

	if _, err := e.Fulfill(context.Background(), limitJob()); err != nil {
		t.Fatalf("Fulfill returned error: %v", err)
	}

	if len(obs.started) != 1 {
		t.Errorf("expected 1 firing-started event, got %d", len(obs.started))
	}
	want := []string{"resolve-price", "place-limit", "monitor"}
	if len(obs.transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, obs.transitions)
	}
	for i, state := range want {
		if obs.transitions[i] != state {
			t.Errorf("transition %d: expected %s, got %s", i, state, obs.transitions[i])
		}
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != string(OutcomeFilled) {
		t.Errorf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestFulfill_ContextCancellation(t *testing.T) {
	gw := &fakeGateway{prices: []float64{3000}}
	e, _ := newTestEngine(gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := limitJob(func(j *schedule.Job) { j.TimeInForce = schedule.TimeInForceGTC })
	result, err := e.Fulfill(ctx, job)
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if result.Outcome != OutcomeFailed {
		t.Errorf("expected outcome %s, got %s", OutcomeFailed, result.Outcome)
	}
}
