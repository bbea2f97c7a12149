package app

import (
	"context"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OpenAuto enters instrument with the configured capital split through the
// strategy engine, using IOC orders around the mark price.
func (a *App) OpenAuto(ctx context.Context, instrument string) (strategy.OpenResult, error) {
	a.prepare(ctx)
	instrument = state.NormalizeInstrument(instrument)
	current, err := a.positions.LoadOrIdle(ctx, instrument)
	if err != nil {
		return strategy.OpenResult{}, err
	}
	sig, err := a.market.FundingSignal(ctx, instrument)
	if err != nil {
		return strategy.OpenResult{}, err
	}
	var spot market.SpotLeg
	if mode, ok := strategy.SelectEntry(sig.FundingRate, a.engine.Config()); ok && mode == state.ModeDoubleShortFunding {
		spot, err = a.market.SpotLeg(ctx, instrument)
		if err != nil {
			return strategy.OpenResult{}, err
		}
	}
	res, openErr := a.engine.Open(ctx, &current, sig, spot, a.now())
	if !res.State.IsOpen {
		return res, openErr
	}
	saved, err := a.positions.Save(ctx, res.State)
	if err != nil {
		return res, err
	}
	res.State = saved
	rec := autoTradeRecord(saved, sig, res, a.cfg.Strategy.Leverage)
	if err := a.trades.Append(ctx, rec); err != nil {
		a.log.Warn("trade record append failed", zap.String("instrument", instrument), zap.Error(err))
		return res, err
	}
	alerts.Notify(ctx, a.alerts, a.log, alerts.FormatOpened(saved, sig.FundingRate))
	return res, openErr
}

func autoTradeRecord(st state.StrategyState, sig market.FundingSignal, res strategy.OpenResult, leverage float64) state.TradeRecord {
	rec := state.TradeRecord{
		TradeID:     uuid.NewString(),
		Instrument:  st.Instrument,
		Direction:   string(market.DirectionFor(sig.FundingRate)),
		PerpQty:     st.PerpSize,
		SpotQty:     st.SpotSize,
		NotionalUSD: res.Plan.PerpNotionalUSD + res.Plan.SpotNotionalUSD,
		Leverage:    leverage,
		CreatedAt:   st.UpdatedAt,
		Extra: map[string]any{
			"execution":    "auto",
			"funding_rate": sig.FundingRate,
			"mark_price":   sig.MarkPrice,
			"mode":         string(st.Mode),
		},
	}
	if st.SpotSize > 0 {
		rec.HedgeFactor = st.PerpSize / st.SpotSize
	}
	for i, order := range res.Plan.Orders {
		if i >= len(res.Statuses) {
			break
		}
		switch order.Leg {
		case exec.LegPerp:
			rec.PerpOrderID = res.Statuses[i].OrderID()
		case exec.LegSpot:
			rec.SpotOrderID = res.Statuses[i].OrderID()
			if !res.Statuses[i].OK() {
				rec.Extra["spot_error"] = res.Statuses[i].Err
			}
		}
	}
	return rec
}
