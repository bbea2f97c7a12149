package quant

import (
	"math"

	"hl-funding-arb/internal/errs"

	"github.com/shopspring/decimal"
)

const (
	MaxSizePrecision = 8
	maxPriceDecimals = 8
	minTickExponent  = -8
	maxTickExponent  = 8
	// Significant price digits kept below the leading digit.
	tickExponentOffset = 4

	perpMaxDecimals = 6
	spotMaxDecimals = 8
)

type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
)

func (r Rounding) String() string {
	if r == RoundUp {
		return "up"
	}
	return "down"
}

type PriceTickMeta struct {
	Tick     decimal.Decimal
	Decimals int32
}

// QuantizeSize floors rawSize to precision decimal digits.
func QuantizeSize(rawSize float64, precision int) (decimal.Decimal, error) {
	if precision < 0 || precision > MaxSizePrecision {
		return decimal.Zero, errs.New(errs.InvalidQuantity, "quant.size", "precision %d outside [0,%d]", precision, MaxSizePrecision)
	}
	if !isPositiveFinite(rawSize) {
		return decimal.Zero, errs.New(errs.InvalidQuantity, "quant.size", "size %v is not a positive finite number", rawSize)
	}
	size := decimal.NewFromFloat(rawSize).Truncate(int32(precision))
	if !size.IsPositive() {
		return decimal.Zero, errs.New(errs.InvalidQuantity, "quant.size", "size %v floors to zero at precision %d", rawSize, precision)
	}
	return size, nil
}

// DerivePriceTick keeps roughly five significant digits of price resolution.
func DerivePriceTick(referencePrice float64) (PriceTickMeta, error) {
	if !isPositiveFinite(referencePrice) {
		return PriceTickMeta{}, errs.New(errs.InvalidPrice, "quant.tick", "reference price %v is not a positive finite number", referencePrice)
	}
	exp := magnitude(decimal.NewFromFloat(referencePrice)) - tickExponentOffset
	if exp < minTickExponent {
		exp = minTickExponent
	}
	if exp > maxTickExponent {
		exp = maxTickExponent
	}
	decimals := int32(0)
	if exp < 0 {
		decimals = -exp
		if decimals > maxPriceDecimals {
			decimals = maxPriceDecimals
		}
	}
	return PriceTickMeta{Tick: decimal.New(1, exp), Decimals: decimals}, nil
}

// VenuePriceTick applies the venue cap of 6 (perp) or 8 (spot) minus
// szDecimals price decimals on top of DerivePriceTick.
func VenuePriceTick(referencePrice float64, szDecimals int, isSpot bool) (PriceTickMeta, error) {
	meta, err := DerivePriceTick(referencePrice)
	if err != nil {
		return PriceTickMeta{}, err
	}
	limit := perpMaxDecimals
	if isSpot {
		limit = spotMaxDecimals
	}
	if szDecimals > 0 {
		limit -= szDecimals
	}
	if limit < 0 {
		limit = 0
	}
	if meta.Decimals > int32(limit) {
		meta.Decimals = int32(limit)
		meta.Tick = decimal.New(1, -int32(limit))
	}
	return meta, nil
}

func QuantizePrice(rawPrice float64, meta PriceTickMeta, dir Rounding) (decimal.Decimal, error) {
	if !isPositiveFinite(rawPrice) {
		return decimal.Zero, errs.New(errs.InvalidPrice, "quant.price", "price %v is not a positive finite number", rawPrice)
	}
	if !meta.Tick.IsPositive() {
		return decimal.Zero, errs.New(errs.InvalidPrice, "quant.price", "tick %s must be > 0", meta.Tick)
	}
	steps := decimal.NewFromFloat(rawPrice).Div(meta.Tick)
	if dir == RoundUp {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	if steps.LessThan(decimal.NewFromInt(1)) {
		steps = decimal.NewFromInt(1)
	}
	return steps.Mul(meta.Tick).Round(meta.Decimals), nil
}

// RoundingFor rounds immediate orders toward crossing the book and resting
// orders away from it.
func RoundingFor(isBuy, resting bool) Rounding {
	if isBuy != resting {
		return RoundUp
	}
	return RoundDown
}

// magnitude returns floor(log10(d)) for d > 0 without float error at exact
// powers of ten.
func magnitude(d decimal.Decimal) int32 {
	return int32(d.NumDigits()) - 1 + d.Exponent()
}

func isPositiveFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
