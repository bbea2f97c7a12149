package quant

import "hl-funding-arb/internal/errs"

const DefaultHedgeFactor = 1.0

type HedgeSizing struct {
	SpotQty float64
	PerpQty float64
}

// ComputeHedgeSizes converts a USD notional into unquantized leg sizes.
// The perp leg is scaled by hedgeFactor against the spot leg.
func ComputeHedgeSizes(notionalUSD, spotPrice, hedgeFactor float64) (HedgeSizing, error) {
	if !isPositiveFinite(notionalUSD) {
		return HedgeSizing{}, errs.New(errs.InvalidParameter, "quant.hedge", "notional %v must be a positive finite number", notionalUSD)
	}
	if !isPositiveFinite(spotPrice) {
		return HedgeSizing{}, errs.New(errs.InvalidParameter, "quant.hedge", "price %v must be a positive finite number", spotPrice)
	}
	if !isPositiveFinite(hedgeFactor) {
		return HedgeSizing{}, errs.New(errs.InvalidParameter, "quant.hedge", "hedge factor %v must be a positive finite number", hedgeFactor)
	}
	spot := notionalUSD / spotPrice
	return HedgeSizing{SpotQty: spot, PerpQty: spot * hedgeFactor}, nil
}
