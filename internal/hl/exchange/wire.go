package exchange

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LimitOrderWire builds a limit order from already-quantized size and price.
func LimitOrderWire(asset int, isBuy bool, size, limit decimal.Decimal, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if asset < 0 {
		return OrderWire{}, fmt.Errorf("asset id %d must be >= 0", asset)
	}
	if !limit.IsPositive() {
		return OrderWire{}, fmt.Errorf("limit price %s must be > 0", limit)
	}
	if !size.IsPositive() {
		return OrderWire{}, fmt.Errorf("size %s must be > 0", size)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      decimalToWire(limit),
		Size:       decimalToWire(size),
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// decimalToWire renders the canonical venue form: no exponent and no
// trailing zeros.
func decimalToWire(d decimal.Decimal) string {
	out := d.String()
	if out == "-0" {
		return "0"
	}
	return out
}
