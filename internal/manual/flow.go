package manual

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/quant"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Execution string

const (
	// ExecutionImpact rests GTC orders at the venue impact prices.
	ExecutionImpact Execution = "impact"
	// ExecutionIOC crosses the book at mark plus the entry buffer.
	ExecutionIOC Execution = "ioc"
)

type SignalSource interface {
	FundingSignal(ctx context.Context, coin string) (market.FundingSignal, error)
	SpotLeg(ctx context.Context, coin string) (market.SpotLeg, error)
}

type Request struct {
	Instrument     string    `json:"instrument"`
	NotionalUSD    float64   `json:"notional_usd"`
	Leverage       float64   `json:"leverage"`
	HedgeFactor    float64   `json:"hedge_factor"`
	MinFundingRate float64   `json:"min_funding_rate"`
	IncludeSpot    bool      `json:"include_spot"`
	OwnerRef       string    `json:"owner_ref"`
	ExitPnlPercent float64   `json:"exit_pnl_percent"`
	Execution      Execution `json:"execution"`
}

// Defaults fill request fields left at zero.
type Defaults struct {
	Leverage       float64
	HedgeFactor    float64
	ExitPnlPercent float64
	EntryBufferPct float64
	SpotEnabled    bool
}

type Result struct {
	State    state.StrategyState `json:"state"`
	Trade    *state.TradeRecord  `json:"trade,omitempty"`
	Statuses []exec.Status       `json:"statuses"`
}

type Flow struct {
	signals   SignalSource
	positions *state.Positions
	gateway   strategy.Gateway
	trades    state.TradeLog
	defaults  Defaults
	alerts    alerts.Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

type Options struct {
	Defaults Defaults
	Alerts   alerts.Notifier
	Metrics  *metrics.Metrics
}

func New(signals SignalSource, positions *state.Positions, gateway strategy.Gateway, trades state.TradeLog, log *zap.Logger, opts Options) *Flow {
	if log == nil {
		log = zap.NewNop()
	}
	d := opts.Defaults
	if d.Leverage <= 0 {
		d.Leverage = 1
	}
	if d.HedgeFactor <= 0 {
		d.HedgeFactor = quant.DefaultHedgeFactor
	}
	if d.EntryBufferPct <= 0 {
		d.EntryBufferPct = strategy.DefaultEntryBufferPct
	}
	return &Flow{
		signals:   signals,
		positions: positions,
		gateway:   gateway,
		trades:    trades,
		defaults:  d,
		alerts:    opts.Alerts,
		metrics:   metrics.OrDefault(opts.Metrics),
		log:       log,
		now:       time.Now,
	}
}

func (r Request) normalized(d Defaults) (Request, error) {
	const op = "manual.validate"
	r.Instrument = state.NormalizeInstrument(r.Instrument)
	if r.Instrument == "" {
		return r, errs.New(errs.InvalidParameter, op, "instrument is required")
	}
	if !positiveFinite(r.NotionalUSD) {
		return r, errs.New(errs.InvalidParameter, op, "notional_usd must be > 0").WithInstrument(r.Instrument)
	}
	if r.Leverage == 0 {
		r.Leverage = d.Leverage
	}
	if !positiveFinite(r.Leverage) {
		return r, errs.New(errs.InvalidParameter, op, "leverage must be > 0").WithInstrument(r.Instrument)
	}
	if r.HedgeFactor == 0 {
		r.HedgeFactor = d.HedgeFactor
	}
	if !positiveFinite(r.HedgeFactor) {
		return r, errs.New(errs.InvalidParameter, op, "hedge_factor must be > 0").WithInstrument(r.Instrument)
	}
	if r.MinFundingRate < 0 || math.IsNaN(r.MinFundingRate) {
		return r, errs.New(errs.InvalidParameter, op, "min_funding_rate must be >= 0").WithInstrument(r.Instrument)
	}
	if r.ExitPnlPercent == 0 {
		r.ExitPnlPercent = d.ExitPnlPercent
	}
	switch Execution(strings.ToLower(string(r.Execution))) {
	case "", ExecutionImpact:
		r.Execution = ExecutionImpact
	case ExecutionIOC:
		r.Execution = ExecutionIOC
	default:
		return r, errs.New(errs.InvalidParameter, op, "execution %q must be impact or ioc", r.Execution).WithInstrument(r.Instrument)
	}
	return r, nil
}

// Open runs a user-initiated entry. The entitlement check belongs to the
// caller. If the perp leg fails nothing is persisted; if only the spot leg
// fails the perp-only state is persisted and VenueRejected is returned.
func (f *Flow) Open(ctx context.Context, raw Request) (Result, error) {
	req, err := raw.normalized(f.defaults)
	if err != nil {
		return Result{}, err
	}
	return f.open(ctx, req)
}

func (f *Flow) open(ctx context.Context, req Request) (Result, error) {
	const op = "manual.open"
	sig, err := f.signals.FundingSignal(ctx, req.Instrument)
	if err != nil {
		return Result{}, err
	}
	if math.Abs(sig.FundingRate) <= req.MinFundingRate {
		return Result{}, errs.New(errs.InsufficientFundingSignal, op,
			"|funding rate| %g does not exceed %g", sig.FundingRate, req.MinFundingRate).WithInstrument(req.Instrument)
	}
	if sig.MarkPrice <= 0 {
		return Result{}, errs.New(errs.SignalUnavailable, op, "no mark price").WithInstrument(req.Instrument)
	}

	current, err := f.positions.LoadOrIdle(ctx, req.Instrument)
	if err != nil {
		return Result{}, err
	}
	if current.IsOpen {
		return Result{}, errs.New(errs.InvalidParameter, op, "position already open").WithInstrument(req.Instrument)
	}

	short := sig.Direction == market.CollectShort || (sig.Direction == "" && sig.FundingRate > 0)
	var spot market.SpotLeg
	if short && req.IncludeSpot && f.defaults.SpotEnabled {
		spot, err = f.signals.SpotLeg(ctx, req.Instrument)
		if err != nil {
			return Result{}, err
		}
		if !spot.Available {
			f.log.Info("spot leg skipped", zap.String("instrument", req.Instrument), zap.String("reason", spot.Reason))
		}
	}

	sizes, err := quant.ComputeHedgeSizes(req.NotionalUSD, sig.MarkPrice, req.HedgeFactor)
	if err != nil {
		return Result{}, withInstrument(err, req.Instrument)
	}
	perpQty, err := quant.QuantizeSize(sizes.PerpQty, sig.SizePrecision)
	if err != nil {
		return Result{}, withInstrument(err, req.Instrument)
	}
	orders := make([]exec.Order, 0, 2)
	perpOrder, err := f.order(req, sig.Instrument, exec.LegPerp, !short, perpQty, sig.MarkPrice, sig.ImpactBid, sig.ImpactAsk, sig.SizePrecision)
	if err != nil {
		return Result{}, withInstrument(err, req.Instrument)
	}
	orders = append(orders, perpOrder)

	var spotQty decimal.Decimal
	if spot.Available {
		spotQty, err = quant.QuantizeSize(sizes.SpotQty, spot.SizePrecision)
		if err != nil {
			return Result{}, withInstrument(err, spot.Symbol)
		}
		spotOrder, err := f.order(req, spot.Symbol, exec.LegSpot, true, spotQty, spot.MidPrice, 0, 0, spot.SizePrecision)
		if err != nil {
			return Result{}, withInstrument(err, spot.Symbol)
		}
		orders = append(orders, spotOrder)
	}

	statuses, err := f.gateway.SubmitOrders(ctx, orders)
	if err != nil {
		f.metrics.EntryFailed.Inc()
		return Result{}, err
	}
	res := Result{Statuses: statuses}

	now := f.now()
	planned := f.plannedState(req, sig, short, perpQty, spotQty, spot, now)
	st, legErr := strategy.ApplyEntryFills(planned, orders, statuses)
	if legErr != nil {
		f.metrics.EntryFailed.Inc()
	}
	if !st.IsOpen {
		return res, legErr
	}
	saved, err := f.positions.Save(ctx, st)
	if err != nil {
		return res, err
	}
	res.State = saved
	f.metrics.PositionsOpened.Inc()

	rec := f.tradeRecord(req, sig, saved, orders, statuses, now)
	if f.trades != nil {
		if err := f.trades.Append(ctx, rec); err != nil {
			f.log.Warn("trade record append failed", zap.String("instrument", req.Instrument), zap.Error(err))
			return res, err
		}
	}
	res.Trade = &rec
	f.log.Info("manual position opened",
		zap.String("instrument", saved.Instrument),
		zap.String("mode", string(saved.Mode)),
		zap.String("execution", string(req.Execution)),
		zap.Float64("perp_size", saved.PerpSize),
		zap.Float64("spot_size", saved.SpotSize),
		zap.String("owner_ref", req.OwnerRef),
	)
	alerts.Notify(ctx, f.alerts, f.log, alerts.FormatOpened(saved, sig.FundingRate))
	return res, legErr
}

// order prices one leg. Impact execution rests GTC at the impact price on
// the order's side; without impact prices it falls back to the buffered mark.
func (f *Flow) order(req Request, instrument string, leg exec.Leg, isBuy bool, size decimal.Decimal, ref, impactBid, impactAsk float64, szDecimals int) (exec.Order, error) {
	tif := exec.TifIoc
	raw := 0.0
	if req.Execution == ExecutionImpact {
		tif = exec.TifGtc
		if isBuy && impactAsk > 0 {
			raw = impactAsk
		} else if !isBuy && impactBid > 0 {
			raw = impactBid
		}
	}
	if raw == 0 {
		raw = strategy.BufferedRaw(ref, f.defaults.EntryBufferPct, isBuy)
	}
	price, err := strategy.QuotePrice(raw, ref, isBuy, tif, szDecimals, leg == exec.LegSpot)
	if err != nil {
		return exec.Order{}, err
	}
	return exec.Order{
		Instrument: instrument,
		Leg:        leg,
		IsBuy:      isBuy,
		Size:       size,
		Price:      price,
		Tif:        tif,
	}, nil
}

func (f *Flow) plannedState(req Request, sig market.FundingSignal, short bool, perpQty, spotQty decimal.Decimal, spot market.SpotLeg, now time.Time) state.StrategyState {
	st := state.StrategyState{
		Instrument:           req.Instrument,
		Mode:                 state.ModeSimpleLongFunding,
		PerpSize:             perpQty.InexactFloat64(),
		PerpSide:             strategy.SideLong,
		EntryMarkPrice:       sig.MarkPrice,
		EntryTimeMS:          now.UnixMilli(),
		ExitPnlPercentTarget: req.ExitPnlPercent,
		MinFundingRate:       -req.MinFundingRate,
		IsOpen:               true,
		Source:               state.SourceManual,
		OwnerRef:             req.OwnerRef,
	}
	if short {
		st.Mode = state.ModeDoubleShortFunding
		st.PerpSide = strategy.SideShort
		st.MinFundingRate = req.MinFundingRate
	}
	if spotQty.IsPositive() {
		st.SpotSize = spotQty.InexactFloat64()
		st.SpotSymbol = spot.Symbol
		st.EntrySpotPrice = spot.MidPrice
	}
	// Margin on the perp plus cash spent on the spot hedge.
	st.CapitalUSD = st.PerpSize*sig.MarkPrice/req.Leverage + st.SpotSize*spot.MidPrice
	return st
}

func (f *Flow) tradeRecord(req Request, sig market.FundingSignal, st state.StrategyState, orders []exec.Order, statuses []exec.Status, now time.Time) state.TradeRecord {
	rec := state.TradeRecord{
		TradeID:     uuid.NewString(),
		Instrument:  st.Instrument,
		Direction:   string(market.DirectionFor(sig.FundingRate)),
		PerpQty:     st.PerpSize,
		SpotQty:     st.SpotSize,
		NotionalUSD: req.NotionalUSD,
		Leverage:    req.Leverage,
		HedgeFactor: req.HedgeFactor,
		CreatedAt:   now.UTC(),
		Extra: map[string]any{
			"execution":    string(req.Execution),
			"funding_rate": sig.FundingRate,
			"mark_price":   sig.MarkPrice,
			"mode":         string(st.Mode),
		},
	}
	if req.OwnerRef != "" {
		rec.Extra["owner_ref"] = req.OwnerRef
	}
	for i, order := range orders {
		if i >= len(statuses) {
			break
		}
		status := statuses[i]
		switch order.Leg {
		case exec.LegPerp:
			rec.PerpOrderID = status.OrderID()
			rec.Extra["perp_cloid"] = order.ClientOrderID
		case exec.LegSpot:
			rec.SpotOrderID = status.OrderID()
			rec.Extra["spot_symbol"] = order.Instrument
			if !status.OK() {
				rec.Extra["spot_error"] = status.Err
			}
		}
	}
	return rec
}

func positiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func withInstrument(err error, instrument string) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Instrument == "" {
		return e.WithInstrument(instrument)
	}
	return err
}
