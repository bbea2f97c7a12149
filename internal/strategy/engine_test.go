package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type recordingGateway struct {
	batches  [][]exec.Order
	statuses func(orders []exec.Order) []exec.Status
	err      error
}

func (g *recordingGateway) SubmitOrders(ctx context.Context, orders []exec.Order) ([]exec.Status, error) {
	_ = ctx
	g.batches = append(g.batches, orders)
	if g.err != nil {
		return nil, g.err
	}
	if g.statuses != nil {
		return g.statuses(orders), nil
	}
	out := make([]exec.Status, len(orders))
	for i := range orders {
		out[i] = exec.Status{FilledID: "1"}
	}
	return out, nil
}

func btcScenario() (Config, market.FundingSignal, market.SpotLeg) {
	cfg := Config{
		PositiveThreshold: 0.00005,
		NegativeThreshold: -0.00005,
		CapitalUSD:        100,
		Leverage:          3,
		SpotShare:         0.5,
		SpotEnabled:       true,
		ExitPnlPercent:    -5,
	}
	sig := market.FundingSignal{
		Instrument:    "BTC",
		FundingRate:   0.00006,
		Direction:     market.CollectShort,
		SizePrecision: 5,
		MarkPrice:     60000,
	}
	spot := market.SpotLeg{Available: true, Symbol: "UBTC/USDC", AssetID: 10140, SizePrecision: 5, MidPrice: 60000}
	return cfg, sig, spot
}

func newTestEngine(t *testing.T, cfg Config, gw Gateway) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, gw, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestSelectEntryDirection(t *testing.T) {
	cfg := Config{PositiveThreshold: 0.00005, NegativeThreshold: -0.00005}
	if mode, ok := SelectEntry(0.00006, cfg); !ok || mode != state.ModeDoubleShortFunding {
		t.Fatalf("expected DOUBLE_SHORT_FUNDING, got %s/%v", mode, ok)
	}
	if market.DirectionFor(0.00006) != market.CollectShort {
		t.Fatalf("expected CollectShort")
	}
	if mode, ok := SelectEntry(-0.00006, cfg); !ok || mode != state.ModeSimpleLongFunding {
		t.Fatalf("expected SIMPLE_LONG_FUNDING, got %s/%v", mode, ok)
	}
	if market.DirectionFor(-0.00006) != market.CollectLong {
		t.Fatalf("expected CollectLong")
	}
	if _, ok := SelectEntry(0.00001, cfg); ok {
		t.Fatalf("expected no trade inside thresholds")
	}
}

func TestPlanEntryBTCScenario(t *testing.T) {
	cfg, sig, spot := btcScenario()
	engine := newTestEngine(t, cfg, nil)
	now := time.UnixMilli(1_700_000_000_000)

	plan, err := engine.PlanEntry(sig, spot, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Mode != state.ModeDoubleShortFunding {
		t.Fatalf("expected DOUBLE_SHORT_FUNDING, got %s", plan.Mode)
	}
	if plan.PerpNotionalUSD != 150 {
		t.Fatalf("expected perp notional 150, got %f", plan.PerpNotionalUSD)
	}
	if plan.PerpQty.StringFixed(5) != "0.00250" {
		t.Fatalf("expected perp qty 0.00250, got %s", plan.PerpQty.StringFixed(5))
	}
	if plan.SpotQty.String() != "0.00083" {
		t.Fatalf("expected spot qty 0.00083, got %s", plan.SpotQty)
	}
	if len(plan.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(plan.Orders))
	}
	perp, spotOrder := plan.Orders[0], plan.Orders[1]
	if perp.Leg != exec.LegPerp || perp.IsBuy || perp.Tif != exec.TifIoc {
		t.Fatalf("unexpected perp order %+v", perp)
	}
	if perp.Price.String() != "59700" {
		t.Fatalf("expected perp price 59700, got %s", perp.Price)
	}
	if spotOrder.Leg != exec.LegSpot || !spotOrder.IsBuy || spotOrder.Instrument != "UBTC/USDC" {
		t.Fatalf("unexpected spot order %+v", spotOrder)
	}
	if spotOrder.Price.String() != "60300" {
		t.Fatalf("expected spot price 60300, got %s", spotOrder.Price)
	}

	st := plan.State
	if !st.IsOpen || st.Mode != state.ModeDoubleShortFunding || st.PerpSide != SideShort {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.PerpSize != 0.0025 {
		t.Fatalf("expected perp size 0.0025, got %v", st.PerpSize)
	}
	if math.Abs(st.SpotSize-0.000833) > 1e-5 {
		t.Fatalf("expected spot size ~0.000833, got %v", st.SpotSize)
	}
	if st.MinFundingRate != 0.00005 {
		t.Fatalf("expected min funding rate 0.00005, got %v", st.MinFundingRate)
	}
	if st.EntryTimeMS != now.UnixMilli() || st.EntryMarkPrice != 60000 {
		t.Fatalf("unexpected entry fields %+v", st)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("planned state invalid: %v", err)
	}
}

func TestPlanEntryLongSkipsSpot(t *testing.T) {
	cfg, sig, spot := btcScenario()
	sig.FundingRate = -0.00006
	engine := newTestEngine(t, cfg, nil)
	plan, err := engine.PlanEntry(sig, spot, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Mode != state.ModeSimpleLongFunding || plan.HasSpot() {
		t.Fatalf("expected perp-only long plan, got %+v", plan)
	}
	if plan.PerpNotionalUSD != 300 {
		t.Fatalf("expected full capital notional 300, got %f", plan.PerpNotionalUSD)
	}
	if !plan.Orders[0].IsBuy || plan.State.PerpSide != SideLong || plan.State.MinFundingRate != -0.00005 {
		t.Fatalf("unexpected long plan %+v", plan)
	}
}

func TestPlanEntrySpotDisabled(t *testing.T) {
	cfg, sig, spot := btcScenario()
	cfg.SpotEnabled = false
	engine := newTestEngine(t, cfg, nil)
	plan, err := engine.PlanEntry(sig, spot, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.HasSpot() || len(plan.Orders) != 1 || plan.PerpNotionalUSD != 300 {
		t.Fatalf("expected perp-only plan with full capital, got %+v", plan)
	}

	cfg.SpotEnabled = true
	engine = newTestEngine(t, cfg, nil)
	plan, err = engine.PlanEntry(sig, market.SpotLeg{Available: false, Reason: "no spot market"}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.HasSpot() {
		t.Fatalf("expected unavailable spot leg to be skipped")
	}
}

func TestPlanEntryRejectsWeakSignal(t *testing.T) {
	cfg, sig, spot := btcScenario()
	sig.FundingRate = 0.00001
	engine := newTestEngine(t, cfg, nil)
	_, err := engine.PlanEntry(sig, spot, time.Now())
	if !errors.Is(err, errs.InsufficientFundingSignal) {
		t.Fatalf("expected insufficient funding signal, got %v", err)
	}
}

func TestPlanEntryEnforcesMaxNotional(t *testing.T) {
	cfg, sig, spot := btcScenario()
	cfg.MaxNotionalUSD = 100
	engine := newTestEngine(t, cfg, nil)
	if _, err := engine.PlanEntry(sig, spot, time.Now()); err == nil {
		t.Fatalf("expected risk error")
	}
}

func TestOpenSubmitsPlan(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{}
	engine := newTestEngine(t, cfg, gw)
	res, err := engine.Open(context.Background(), nil, sig, spot, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.batches) != 1 || len(gw.batches[0]) != 2 {
		t.Fatalf("expected one batch of two orders, got %v", gw.batches)
	}
	if !res.State.IsOpen || res.State.SpotSize == 0 {
		t.Fatalf("unexpected state %+v", res.State)
	}
}

func TestOpenRejectsWhenAlreadyOpen(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{}
	engine := newTestEngine(t, cfg, gw)
	current := state.StrategyState{Instrument: "BTC", Mode: state.ModeDoubleShortFunding, IsOpen: true, PerpSize: 1}
	if _, err := engine.Open(context.Background(), &current, sig, spot, time.Now()); err == nil {
		t.Fatalf("expected error for open position")
	}
	if len(gw.batches) != 0 {
		t.Fatalf("expected no orders, got %d batches", len(gw.batches))
	}
}

func TestOpenSpotLegFailureKeepsPerp(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{statuses: func(orders []exec.Order) []exec.Status {
		return []exec.Status{{FilledID: "1", FilledSize: 0.0025, AvgPrice: 59990}, {Err: "insufficient balance"}}
	}}
	engine := newTestEngine(t, cfg, gw)
	res, err := engine.Open(context.Background(), nil, sig, spot, time.Now())
	if !errors.Is(err, errs.VenueRejected) {
		t.Fatalf("expected venue_rejected, got %v", err)
	}
	if !res.State.IsOpen || res.State.SpotSize != 0 || res.State.SpotSymbol != "" {
		t.Fatalf("expected perp-only open state, got %+v", res.State)
	}
	if res.State.EntryMarkPrice != 59990 {
		t.Fatalf("expected fill price as entry, got %v", res.State.EntryMarkPrice)
	}
}

func TestOpenPerpLegFailure(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{statuses: func(orders []exec.Order) []exec.Status {
		return []exec.Status{{Err: "margin"}, {FilledID: "2"}}
	}}
	engine := newTestEngine(t, cfg, gw)
	res, err := engine.Open(context.Background(), nil, sig, spot, time.Now())
	if !errors.Is(err, errs.VenueRejected) {
		t.Fatalf("expected venue_rejected, got %v", err)
	}
	if res.State.IsOpen {
		t.Fatalf("expected no open state, got %+v", res.State)
	}
}

func openBTCState(t *testing.T, engine *Engine, entry time.Time) state.StrategyState {
	t.Helper()
	_, sig, spot := btcScenario()
	plan, err := engine.PlanEntry(sig, spot, entry)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	return plan.State
}

func TestEvaluateExitFundingFlip(t *testing.T) {
	cfg, sig, _ := btcScenario()
	engine := newTestEngine(t, cfg, nil)
	entry := time.UnixMilli(1_700_000_000_000)
	st := openBTCState(t, engine, entry)

	hold := engine.EvaluateExit(st, sig, 60000, entry.Add(time.Hour))
	if hold.ShouldExit {
		t.Fatalf("expected hold while funding keeps its sign, got %+v", hold)
	}
	sig.FundingRate = -0.00002
	d := engine.EvaluateExit(st, sig, 60000, entry.Add(time.Hour))
	if !d.ShouldExit || !d.FundingFlipped || d.Reason != CloseReasonFundingFlip {
		t.Fatalf("expected funding flip exit, got %+v", d)
	}
	sig.FundingRate = 0
	if d := engine.EvaluateExit(st, sig, 60000, entry.Add(time.Hour)); !d.FundingFlipped {
		t.Fatalf("expected zero rate to count as a flip")
	}
}

func TestEvaluateExitPnlTarget(t *testing.T) {
	cfg, sig, _ := btcScenario()
	engine := newTestEngine(t, cfg, nil)
	entry := time.UnixMilli(1_700_000_000_000)
	st := openBTCState(t, engine, entry)
	st.SpotSize = 0
	// Short 0.0025 BTC loses $7.5 on a $3000 rally: -7.5% of $100.
	sig.MarkPrice = 63000
	d := engine.EvaluateExit(st, sig, 0, entry)
	if !d.ShouldExit || !d.TargetHit || d.Reason != CloseReasonPnlTarget {
		t.Fatalf("expected pnl target exit, got %+v", d)
	}
	if math.Abs(d.PnL.Percent+7.5) > 1e-6 {
		t.Fatalf("expected -7.5%%, got %f", d.PnL.Percent)
	}
}

func TestEstimatePnLFunding(t *testing.T) {
	entry := time.UnixMilli(1_700_000_000_000)
	st := state.StrategyState{
		Mode:           state.ModeDoubleShortFunding,
		CapitalUSD:     100,
		PerpSize:       0.0025,
		SpotSize:       0.0025,
		EntryMarkPrice: 60000,
		EntrySpotPrice: 60000,
		EntryTimeMS:    entry.UnixMilli(),
		IsOpen:         true,
	}
	sig := market.FundingSignal{FundingRate: 0.0001, MarkPrice: 60000}
	pnl := EstimatePnL(st, sig, 60000, entry.Add(10*time.Hour))
	// 0.0001 * 0.0025 * 60000 * 10h = 0.15 USD to the short.
	if math.Abs(pnl.FundingUSD-0.15) > 1e-9 {
		t.Fatalf("expected funding 0.15, got %f", pnl.FundingUSD)
	}
	if math.Abs(pnl.Percent-0.15) > 1e-9 {
		t.Fatalf("expected 0.15%%, got %f", pnl.Percent)
	}

	sig.MarkPrice = 61000
	pnl = EstimatePnL(st, sig, 61000, entry)
	if math.Abs(pnl.PerpUSD+2.5) > 1e-9 || math.Abs(pnl.SpotUSD-2.5) > 1e-9 {
		t.Fatalf("expected hedged legs to offset, got %+v", pnl)
	}
}

func TestCloseOnFundingFlipKeepsSizes(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{}
	engine := newTestEngine(t, cfg, gw)
	entry := time.UnixMilli(1_700_000_000_000)
	st := openBTCState(t, engine, entry)

	sig.FundingRate = -0.00002
	now := entry.Add(2 * time.Hour)
	res, err := engine.Close(context.Background(), st, sig, spot, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Closed || res.State.IsOpen {
		t.Fatalf("expected closed state, got %+v", res.State)
	}
	if res.State.PerpSize != st.PerpSize || res.State.SpotSize != st.SpotSize || res.State.Mode != st.Mode {
		t.Fatalf("expected sizing fields retained, got %+v", res.State)
	}
	if res.State.ClosedAtMS != now.UnixMilli() || res.State.CloseReason != CloseReasonFundingFlip {
		t.Fatalf("unexpected close audit fields %+v", res.State)
	}
	if len(gw.batches) != 1 {
		t.Fatalf("expected one close batch, got %d", len(gw.batches))
	}
	orders := gw.batches[0]
	if len(orders) != 2 {
		t.Fatalf("expected perp and spot close orders, got %d", len(orders))
	}
	if !orders[0].IsBuy || !orders[0].ReduceOnly || orders[0].Tif != exec.TifIoc || orders[0].Size.String() != "0.0025" {
		t.Fatalf("unexpected perp close %+v", orders[0])
	}
	if orders[0].Price.String() != "60600" {
		t.Fatalf("expected perp close price 60600, got %s", orders[0].Price)
	}
	if orders[1].IsBuy || orders[1].Instrument != "UBTC/USDC" || orders[1].Size.String() != "0.00083" {
		t.Fatalf("unexpected spot close %+v", orders[1])
	}
	if orders[1].Price.String() != "59400" {
		t.Fatalf("expected spot close price 59400, got %s", orders[1].Price)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{}
	engine := newTestEngine(t, cfg, gw)
	st := openBTCState(t, engine, time.UnixMilli(1_700_000_000_000))
	sig.FundingRate = -0.00002

	first, err := engine.Close(context.Background(), st, sig, spot, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := engine.Close(context.Background(), first.State, sig, spot, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Closed {
		t.Fatalf("expected second close to be a no-op")
	}
	if second.State != first.State {
		t.Fatalf("expected unchanged state, got %+v vs %+v", second.State, first.State)
	}
	if len(gw.batches) != 1 {
		t.Fatalf("expected a single close batch, got %d", len(gw.batches))
	}
}

func TestCloseHoldLeavesStateUnchanged(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{}
	engine := newTestEngine(t, cfg, gw)
	st := openBTCState(t, engine, time.UnixMilli(1_700_000_000_000))
	res, err := engine.Close(context.Background(), st, sig, spot, time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Closed || res.State != st || len(gw.batches) != 0 {
		t.Fatalf("expected hold, got %+v", res)
	}
}

func TestClosePerpFailureStaysOpen(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{statuses: func(orders []exec.Order) []exec.Status {
		return []exec.Status{{Err: "reduce only would increase position"}, {FilledID: "2"}}
	}}
	engine := newTestEngine(t, cfg, gw)
	st := openBTCState(t, engine, time.UnixMilli(1_700_000_000_000))
	sig.FundingRate = -0.00002
	res, err := engine.Close(context.Background(), st, sig, spot, time.Now())
	if !errors.Is(err, errs.VenueRejected) {
		t.Fatalf("expected venue_rejected, got %v", err)
	}
	if res.Closed || !res.State.IsOpen {
		t.Fatalf("expected state to stay open, got %+v", res.State)
	}
}

func TestClosePartialPerpFillKeepsRemainderOpen(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{statuses: func(orders []exec.Order) []exec.Status {
		return []exec.Status{{FilledID: "1", FilledSize: 0.001, AvgPrice: 60100}, {FilledID: "2"}}
	}}
	engine := newTestEngine(t, cfg, gw)
	st := openBTCState(t, engine, time.UnixMilli(1_700_000_000_000))
	if st.PerpSize != 0.0025 {
		t.Fatalf("expected perp size 0.0025, got %v", st.PerpSize)
	}
	sig.FundingRate = -0.00002
	res, err := engine.Close(context.Background(), st, sig, spot, time.Now())
	if !errors.Is(err, errs.VenueRejected) {
		t.Fatalf("expected venue_rejected, got %v", err)
	}
	if res.Closed || !res.Partial {
		t.Fatalf("expected partial result, got closed=%v partial=%v", res.Closed, res.Partial)
	}
	if !res.State.IsOpen || res.State.PerpSize != 0.0015 || res.State.SpotSize != 0 {
		t.Fatalf("expected 0.0015 perp left open and spot sold, got %+v", res.State)
	}

	gw.statuses = nil
	res, err = engine.Close(context.Background(), res.State, sig, spot, time.Now())
	if err != nil {
		t.Fatalf("close remainder: %v", err)
	}
	last := gw.batches[len(gw.batches)-1]
	if len(last) != 1 || !last[0].Size.Equal(decimal.RequireFromString("0.0015")) {
		t.Fatalf("expected single perp order for the remainder, got %+v", last)
	}
	if !res.Closed || res.State.IsOpen {
		t.Fatalf("expected remainder closed, got %+v", res.State)
	}
}

func TestCloseSpotFailureClosesWithError(t *testing.T) {
	cfg, sig, spot := btcScenario()
	gw := &recordingGateway{statuses: func(orders []exec.Order) []exec.Status {
		return []exec.Status{{FilledID: "1"}, {Err: "no liquidity"}}
	}}
	engine := newTestEngine(t, cfg, gw)
	st := openBTCState(t, engine, time.UnixMilli(1_700_000_000_000))
	sig.FundingRate = -0.00002
	res, err := engine.Close(context.Background(), st, sig, spot, time.Now())
	if !errors.Is(err, errs.VenueRejected) {
		t.Fatalf("expected venue_rejected, got %v", err)
	}
	if !res.Closed || res.State.IsOpen || res.State.CloseReason != CloseReasonFundingFlip+",spot_leg_failed" {
		t.Fatalf("expected closed state with spot failure reason, got %+v", res.State)
	}
}
