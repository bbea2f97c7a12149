package strategy

import (
	"context"
	"math"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/quant"
	"hl-funding-arb/internal/state"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Engine struct {
	cfg     Config
	gateway Gateway
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(cfg Config, gateway Gateway, log *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{cfg: cfg, gateway: gateway, log: log, metrics: metrics.OrDefault(m)}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// SelectEntry picks the mode for a funding rate, or false for no trade.
func SelectEntry(rate float64, cfg Config) (state.Mode, bool) {
	switch {
	case rate > cfg.PositiveThreshold:
		return state.ModeDoubleShortFunding, true
	case rate < cfg.NegativeThreshold:
		return state.ModeSimpleLongFunding, true
	default:
		return state.ModeIdle, false
	}
}

type EntryPlan struct {
	Mode            state.Mode
	Orders          []exec.Order
	PerpQty         decimal.Decimal
	SpotQty         decimal.Decimal
	PerpNotionalUSD float64
	SpotNotionalUSD float64
	State           state.StrategyState
}

func (p EntryPlan) HasSpot() bool {
	return p.SpotQty.IsPositive()
}

// PlanEntry sizes and prices an IOC entry without side effects.
func (e *Engine) PlanEntry(sig market.FundingSignal, spot market.SpotLeg, now time.Time) (EntryPlan, error) {
	const op = "strategy.plan_entry"
	if sig.MarkPrice <= 0 {
		return EntryPlan{}, errs.New(errs.SignalUnavailable, op, "no mark price").WithInstrument(sig.Instrument)
	}
	if e.cfg.CapitalUSD <= 0 {
		return EntryPlan{}, errs.New(errs.InvalidParameter, op, "capital must be > 0").WithInstrument(sig.Instrument)
	}
	mode, ok := SelectEntry(sig.FundingRate, e.cfg)
	if !ok {
		return EntryPlan{}, errs.New(errs.InsufficientFundingSignal, op,
			"funding rate %g inside [%g, %g]", sig.FundingRate, e.cfg.NegativeThreshold, e.cfg.PositiveThreshold).WithInstrument(sig.Instrument)
	}

	useSpot := mode == state.ModeDoubleShortFunding && e.cfg.SpotEnabled && spot.Available && spot.MidPrice > 0
	spotUSD := 0.0
	if useSpot {
		spotUSD = e.cfg.SpotShare * e.cfg.CapitalUSD
		if spotUSD <= 0 {
			useSpot = false
		}
	}
	perpNotional := (e.cfg.CapitalUSD - spotUSD) * e.cfg.Leverage
	if err := CheckEntryRisk(e.cfg, perpNotional, spotUSD); err != nil {
		return EntryPlan{}, err
	}

	perpQty, err := quant.QuantizeSize(perpNotional/sig.MarkPrice, sig.SizePrecision)
	if err != nil {
		return EntryPlan{}, withInstrument(err, sig.Instrument)
	}
	perpBuy := mode == state.ModeSimpleLongFunding
	perpPrice, err := bufferedPrice(sig.MarkPrice, e.cfg.EntryBufferPct, perpBuy, exec.TifIoc, sig.SizePrecision, false)
	if err != nil {
		return EntryPlan{}, withInstrument(err, sig.Instrument)
	}
	plan := EntryPlan{
		Mode:            mode,
		PerpQty:         perpQty,
		PerpNotionalUSD: perpNotional,
		Orders: []exec.Order{{
			Instrument: sig.Instrument,
			Leg:        exec.LegPerp,
			IsBuy:      perpBuy,
			Size:       perpQty,
			Price:      perpPrice,
			Tif:        exec.TifIoc,
		}},
	}
	if useSpot {
		spotQty, err := quant.QuantizeSize(spotUSD/spot.MidPrice, spot.SizePrecision)
		if err != nil {
			return EntryPlan{}, withInstrument(err, spot.Symbol)
		}
		spotPrice, err := bufferedPrice(spot.MidPrice, e.cfg.EntryBufferPct, true, exec.TifIoc, spot.SizePrecision, true)
		if err != nil {
			return EntryPlan{}, withInstrument(err, spot.Symbol)
		}
		plan.SpotQty = spotQty
		plan.SpotNotionalUSD = spotUSD
		plan.Orders = append(plan.Orders, exec.Order{
			Instrument: spot.Symbol,
			Leg:        exec.LegSpot,
			IsBuy:      true,
			Size:       spotQty,
			Price:      spotPrice,
			Tif:        exec.TifIoc,
		})
	}

	plan.State = e.openState(sig, mode, plan.PerpQty, plan.SpotQty, spot, now)
	return plan, nil
}

func (e *Engine) openState(sig market.FundingSignal, mode state.Mode, perpQty, spotQty decimal.Decimal, spot market.SpotLeg, now time.Time) state.StrategyState {
	st := state.StrategyState{
		Instrument:           state.NormalizeInstrument(sig.Instrument),
		Mode:                 mode,
		CapitalUSD:           e.cfg.CapitalUSD,
		PerpSize:             perpQty.InexactFloat64(),
		PerpSide:             SideShort,
		EntryMarkPrice:       sig.MarkPrice,
		EntryTimeMS:          now.UnixMilli(),
		ExitPnlPercentTarget: e.cfg.ExitPnlPercent,
		MinFundingRate:       e.cfg.PositiveThreshold,
		IsOpen:               true,
		Source:               state.SourceAuto,
	}
	if mode == state.ModeSimpleLongFunding {
		st.PerpSide = SideLong
		st.MinFundingRate = e.cfg.NegativeThreshold
	}
	if spotQty.IsPositive() {
		st.SpotSize = spotQty.InexactFloat64()
		st.SpotSymbol = spot.Symbol
		st.EntrySpotPrice = spot.MidPrice
	}
	return st
}

type OpenResult struct {
	State    state.StrategyState
	Plan     EntryPlan
	Statuses []exec.Status
}

// Open plans and submits an entry. The caller persists the returned state.
// When only the spot leg fails the perp-only state is returned together with
// a VenueRejected error; a partially filled pair is not unwound.
func (e *Engine) Open(ctx context.Context, current *state.StrategyState, sig market.FundingSignal, spot market.SpotLeg, now time.Time) (OpenResult, error) {
	const op = "strategy.open"
	if current != nil && current.IsOpen {
		e.metrics.EntryFailed.Inc()
		return OpenResult{}, errs.New(errs.InvalidParameter, op, "position already open").WithInstrument(sig.Instrument)
	}
	plan, err := e.PlanEntry(sig, spot, now)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return OpenResult{}, err
	}
	if _, err := Transition(state.ModeIdle, openEvent(plan.Mode)); err != nil {
		return OpenResult{}, err
	}
	if e.gateway == nil {
		return OpenResult{}, errs.New(errs.InvalidParameter, op, "no order gateway configured")
	}
	statuses, err := e.gateway.SubmitOrders(ctx, plan.Orders)
	if err != nil {
		e.metrics.EntryFailed.Inc()
		return OpenResult{}, err
	}
	result := OpenResult{Plan: plan, Statuses: statuses}
	st, legErr := ApplyEntryFills(plan.State, plan.Orders, statuses)
	if legErr != nil && st.PerpSize == 0 {
		e.metrics.EntryFailed.Inc()
		return result, legErr
	}
	result.State = st
	e.metrics.PositionsOpened.Inc()
	e.log.Info("position opened",
		zap.String("instrument", st.Instrument),
		zap.String("mode", string(st.Mode)),
		zap.Float64("perp_size", st.PerpSize),
		zap.Float64("spot_size", st.SpotSize),
		zap.Float64("funding_rate", sig.FundingRate),
	)
	if legErr != nil {
		e.metrics.EntryFailed.Inc()
	}
	return result, legErr
}

// ApplyEntryFills folds order outcomes into a planned open state. A failed
// perp leg zeroes the state's perp size; a failed spot leg drops the hedge.
// Filled sizes replace planned sizes when the venue reports them.
func ApplyEntryFills(st state.StrategyState, orders []exec.Order, statuses []exec.Status) (state.StrategyState, error) {
	legErr := exec.LegError(orders, statuses)
	for i, order := range orders {
		if i >= len(statuses) {
			break
		}
		status := statuses[i]
		switch order.Leg {
		case exec.LegPerp:
			if !status.OK() {
				st.PerpSize = 0
				st.IsOpen = false
				continue
			}
			if status.FilledSize > 0 {
				st.PerpSize = status.FilledSize
			}
			if status.AvgPrice > 0 {
				st.EntryMarkPrice = status.AvgPrice
			}
		case exec.LegSpot:
			if !status.OK() {
				st.SpotSize = 0
				st.SpotSymbol = ""
				st.EntrySpotPrice = 0
				continue
			}
			if status.FilledSize > 0 {
				st.SpotSize = status.FilledSize
			}
			if status.AvgPrice > 0 {
				st.EntrySpotPrice = status.AvgPrice
			}
		}
	}
	return st, legErr
}

type PnL struct {
	PerpUSD    float64
	SpotUSD    float64
	FundingUSD float64
	TotalUSD   float64
	Percent    float64
	HoursHeld  float64
}

// EstimatePnL marks both legs and accrues hourly funding since entry.
func EstimatePnL(st state.StrategyState, sig market.FundingSignal, spotPrice float64, now time.Time) PnL {
	dir := perpDirection(st)
	var pnl PnL
	mark := sig.MarkPrice
	if mark > 0 && st.EntryMarkPrice > 0 {
		pnl.PerpUSD = dir * (mark - st.EntryMarkPrice) * st.PerpSize
	}
	if st.SpotSize > 0 && spotPrice > 0 {
		entry := st.EntrySpotPrice
		if entry <= 0 {
			entry = st.EntryMarkPrice
		}
		pnl.SpotUSD = (spotPrice - entry) * st.SpotSize
	}
	if st.EntryTimeMS > 0 {
		held := now.Sub(time.UnixMilli(st.EntryTimeMS)).Hours()
		if held > 0 {
			pnl.HoursHeld = held
		}
	}
	pnl.FundingUSD = -dir * sig.FundingRate * st.PerpSize * mark * pnl.HoursHeld
	pnl.TotalUSD = pnl.PerpUSD + pnl.SpotUSD + pnl.FundingUSD
	if st.CapitalUSD > 0 {
		pnl.Percent = pnl.TotalUSD / st.CapitalUSD * 100
	}
	return pnl
}

func perpDirection(st state.StrategyState) float64 {
	if st.Mode == state.ModeSimpleLongFunding || st.PerpSide == SideLong {
		return 1
	}
	return -1
}

type ExitDecision struct {
	ShouldExit       bool
	Reason           string
	FundingFlipped   bool
	TargetHit        bool
	PnL              PnL
	EstimatedCostUSD float64
	NetCarryUSD      float64
}

// EvaluateExit decides whether an open state should close.
func (e *Engine) EvaluateExit(st state.StrategyState, sig market.FundingSignal, spotPrice float64, now time.Time) ExitDecision {
	if !st.IsOpen {
		return ExitDecision{}
	}
	pnl := EstimatePnL(st, sig, spotPrice, now)
	d := ExitDecision{
		PnL:            pnl,
		FundingFlipped: fundingFlipped(st, sig.FundingRate),
		TargetHit:      pnl.Percent <= st.ExitPnlPercentTarget,
	}
	perpUSD := st.PerpSize * sig.MarkPrice
	spotUSD := st.SpotSize * spotPrice
	d.NetCarryUSD, d.EstimatedCostUSD = NetExpectedCarryUSD(pnl.FundingUSD, perpUSD, spotUSD, e.cfg.FeeBps, e.cfg.SlippageBps)
	switch {
	case d.FundingFlipped:
		d.ShouldExit = true
		d.Reason = CloseReasonFundingFlip
	case d.TargetHit:
		d.ShouldExit = true
		d.Reason = CloseReasonPnlTarget
	}
	return d
}

// fundingFlipped compares signs against the entry reference; zero counts as
// a flip.
func fundingFlipped(st state.StrategyState, rate float64) bool {
	ref := st.MinFundingRate
	if ref == 0 {
		ref = -perpDirection(st)
	}
	if ref > 0 {
		return rate <= 0
	}
	return rate >= 0
}

type CloseResult struct {
	State    state.StrategyState
	Closed   bool
	Decision ExitDecision
	Statuses []exec.Status
	// Partial is set when the perp leg filled short of its size. State then
	// holds the remaining open sizes and should be persisted.
	Partial bool
}

// Close evaluates the exit and, when due, submits reduce-only IOC orders
// unwinding both legs. Closed states and hold decisions are returned
// unchanged. On a perp leg failure the state stays open. If only the spot leg
// fails the state is closed and VenueRejected is returned with it. A perp leg
// filled short of its size leaves the remainder open for the next attempt.
func (e *Engine) Close(ctx context.Context, st state.StrategyState, sig market.FundingSignal, spot market.SpotLeg, now time.Time) (CloseResult, error) {
	const op = "strategy.close"
	result := CloseResult{State: st}
	if !st.IsOpen {
		return result, nil
	}
	spotPrice := spot.MidPrice
	result.Decision = e.EvaluateExit(st, sig, spotPrice, now)
	if !result.Decision.ShouldExit {
		return result, nil
	}
	if _, err := Transition(effectiveMode(st), EventClose); err != nil {
		return result, err
	}
	orders, err := e.closeOrders(st, sig, spot)
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return result, err
	}
	if e.gateway == nil {
		return result, errs.New(errs.InvalidParameter, op, "no order gateway configured")
	}
	statuses, err := e.gateway.SubmitOrders(ctx, orders)
	if err != nil {
		e.metrics.ExitFailed.Inc()
		return result, err
	}
	result.Statuses = statuses
	legErr := exec.LegError(orders, statuses)
	if len(statuses) == 0 || !statuses[0].OK() {
		e.metrics.ExitFailed.Inc()
		return result, legErr
	}
	if perpFilled := filledSize(orders[0], statuses[0]); perpFilled.LessThan(orders[0].Size) {
		reduced := st
		reduced.PerpSize = orders[0].Size.Sub(perpFilled).InexactFloat64()
		if len(orders) > 1 && len(statuses) > 1 && statuses[1].OK() {
			reduced.SpotSize = math.Max(0, decimal.NewFromFloat(st.SpotSize).Sub(filledSize(orders[1], statuses[1])).InexactFloat64())
		}
		result.State = reduced
		result.Partial = true
		e.metrics.ExitFailed.Inc()
		e.log.Warn("perp close partially filled",
			zap.String("instrument", st.Instrument),
			zap.String("filled", perpFilled.String()),
			zap.String("size", orders[0].Size.String()),
			zap.Float64("remaining", reduced.PerpSize),
		)
		return result, errs.New(errs.VenueRejected, op, "perp close filled %s of %s", perpFilled, orders[0].Size).WithInstrument(st.Instrument)
	}

	closed := st
	closed.IsOpen = false
	closed.ClosedAtMS = now.UnixMilli()
	closed.CloseReason = result.Decision.Reason
	closed.EstimatedFundingPnlUSD = result.Decision.PnL.FundingUSD
	if legErr != nil {
		closed.CloseReason += ",spot_leg_failed"
		e.metrics.ExitFailed.Inc()
	}
	result.State = closed
	result.Closed = true
	e.metrics.PositionsClosed.Inc()
	e.log.Info("position closed",
		zap.String("instrument", st.Instrument),
		zap.String("reason", closed.CloseReason),
		zap.Float64("funding_rate", sig.FundingRate),
		zap.Float64("pnl_percent", result.Decision.PnL.Percent),
	)
	return result, legErr
}

// filledSize is the executed size of an accepted order, capped at the order
// size. An accepted order without a reported size counts as fully filled.
func filledSize(order exec.Order, status exec.Status) decimal.Decimal {
	if status.FilledSize <= 0 {
		return order.Size
	}
	filled := decimal.NewFromFloat(status.FilledSize)
	if filled.GreaterThan(order.Size) {
		return order.Size
	}
	return filled
}

func (e *Engine) closeOrders(st state.StrategyState, sig market.FundingSignal, spot market.SpotLeg) ([]exec.Order, error) {
	if sig.MarkPrice <= 0 {
		return nil, errs.New(errs.SignalUnavailable, "strategy.close", "no mark price").WithInstrument(st.Instrument)
	}
	perpSize, err := quant.QuantizeSize(st.PerpSize, quant.MaxSizePrecision)
	if err != nil {
		return nil, withInstrument(err, st.Instrument)
	}
	buyBack := perpDirection(st) < 0
	perpPrice, err := bufferedPrice(sig.MarkPrice, e.cfg.CloseBufferPct, buyBack, exec.TifIoc, sig.SizePrecision, false)
	if err != nil {
		return nil, withInstrument(err, st.Instrument)
	}
	orders := []exec.Order{{
		Instrument: st.Instrument,
		Leg:        exec.LegPerp,
		IsBuy:      buyBack,
		Size:       perpSize,
		Price:      perpPrice,
		Tif:        exec.TifIoc,
		ReduceOnly: true,
	}}
	if st.SpotSize <= 0 {
		return orders, nil
	}
	symbol := st.SpotSymbol
	if symbol == "" {
		symbol = spot.Symbol
	}
	ref := spot.MidPrice
	if ref <= 0 {
		ref = sig.MarkPrice
	}
	spotSize, err := quant.QuantizeSize(st.SpotSize, quant.MaxSizePrecision)
	if err != nil {
		return nil, withInstrument(err, symbol)
	}
	spotPrice, err := bufferedPrice(ref, e.cfg.CloseBufferPct, false, exec.TifIoc, spot.SizePrecision, true)
	if err != nil {
		return nil, withInstrument(err, symbol)
	}
	return append(orders, exec.Order{
		Instrument: symbol,
		Leg:        exec.LegSpot,
		IsBuy:      false,
		Size:       spotSize,
		Price:      spotPrice,
		Tif:        exec.TifIoc,
	}), nil
}

// bufferedPrice nudges ref by bufferPct toward crossing the book and
// quantizes it to the venue tick.
func bufferedPrice(ref, bufferPct float64, isBuy bool, tif exec.Tif, szDecimals int, isSpot bool) (decimal.Decimal, error) {
	return QuotePrice(BufferedRaw(ref, bufferPct, isBuy), ref, isBuy, tif, szDecimals, isSpot)
}

// BufferedRaw moves ref by bufferPct toward crossing the book. The product is
// taken in decimal so exact ticks survive the later rounding.
func BufferedRaw(ref, bufferPct float64, isBuy bool) float64 {
	factor := decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(bufferPct))
	if isBuy {
		factor = decimal.NewFromFloat(1).Add(decimal.NewFromFloat(bufferPct))
	}
	return decimal.NewFromFloat(ref).Mul(factor).InexactFloat64()
}

// QuotePrice quantizes raw to the tick derived from ref, rounding for tif.
func QuotePrice(raw, ref float64, isBuy bool, tif exec.Tif, szDecimals int, isSpot bool) (decimal.Decimal, error) {
	if math.IsNaN(ref) || ref <= 0 {
		ref = raw
	}
	meta, err := quant.VenuePriceTick(ref, szDecimals, isSpot)
	if err != nil {
		return decimal.Zero, err
	}
	return quant.QuantizePrice(raw, meta, quant.RoundingFor(isBuy, tif.Resting()))
}

func withInstrument(err error, instrument string) error {
	if e, ok := err.(*errs.Error); ok && e.Instrument == "" {
		return e.WithInstrument(instrument)
	}
	return err
}
