package quant

import (
	"errors"
	"math"
	"testing"

	"hl-funding-arb/internal/errs"

	"github.com/shopspring/decimal"
)

func TestQuantizeSizeFloors(t *testing.T) {
	got, err := QuantizeSize(0.0025, 5)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if got.StringFixed(5) != "0.00250" {
		t.Fatalf("expected 0.00250, got %s", got.StringFixed(5))
	}

	got, err = QuantizeSize(1.23456789, 3)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if got.String() != "1.234" {
		t.Fatalf("expected 1.234, got %s", got.String())
	}
}

func TestQuantizeSizeNeverExceedsInput(t *testing.T) {
	inputs := []float64{0.000833333, 12.9999999, 3.14159, 100, 0.1 + 0.2}
	for _, raw := range inputs {
		for precision := 0; precision <= MaxSizePrecision; precision++ {
			got, err := QuantizeSize(raw, precision)
			if err != nil {
				if errors.Is(err, errs.InvalidQuantity) {
					continue
				}
				t.Fatalf("unexpected error for %v/%d: %v", raw, precision, err)
			}
			if got.GreaterThan(decimal.NewFromFloat(raw)) {
				t.Fatalf("expected %s <= %v", got, raw)
			}
			if -got.Exponent() > int32(precision) {
				t.Fatalf("expected at most %d digits, got %s", precision, got)
			}
		}
	}
}

func TestQuantizeSizeRejectsBadInput(t *testing.T) {
	cases := []struct {
		raw       float64
		precision int
	}{
		{0, 4},
		{-1, 4},
		{math.NaN(), 4},
		{math.Inf(1), 4},
		{0.00001, 2},
		{1, -1},
		{1, 9},
	}
	for _, tc := range cases {
		if _, err := QuantizeSize(tc.raw, tc.precision); !errors.Is(err, errs.InvalidQuantity) {
			t.Fatalf("expected invalid quantity for %v/%d, got %v", tc.raw, tc.precision, err)
		}
	}
}

func TestDerivePriceTick(t *testing.T) {
	cases := []struct {
		ref      float64
		tick     string
		decimals int32
	}{
		{60000, "1", 0},
		{3000, "0.1", 1},
		{1000, "0.1", 1},
		{1.5, "0.0001", 4},
		{0.00001, "0.00000001", 8},
		{1e12, "100000000", 0},
	}
	for _, tc := range cases {
		meta, err := DerivePriceTick(tc.ref)
		if err != nil {
			t.Fatalf("tick %v: %v", tc.ref, err)
		}
		if !meta.Tick.Equal(decimal.RequireFromString(tc.tick)) {
			t.Fatalf("expected tick %s for %v, got %s", tc.tick, tc.ref, meta.Tick)
		}
		if meta.Decimals != tc.decimals {
			t.Fatalf("expected %d decimals for %v, got %d", tc.decimals, tc.ref, meta.Decimals)
		}
	}
	if _, err := DerivePriceTick(0); !errors.Is(err, errs.InvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
}

func TestVenuePriceTickCapsDecimals(t *testing.T) {
	meta, err := VenuePriceTick(1.5, 4, false)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if meta.Decimals != 2 || !meta.Tick.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected 2 decimals and tick 0.01, got %d %s", meta.Decimals, meta.Tick)
	}

	meta, err = VenuePriceTick(1.5, 4, true)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if meta.Decimals != 4 {
		t.Fatalf("expected spot to keep 4 decimals, got %d", meta.Decimals)
	}

	meta, err = VenuePriceTick(60000, 5, false)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if meta.Decimals != 0 || !meta.Tick.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected integer tick, got %d %s", meta.Decimals, meta.Tick)
	}
}

func TestQuantizePriceDirection(t *testing.T) {
	meta, _ := DerivePriceTick(60000)
	up, err := QuantizePrice(60000.4, meta, RoundUp)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if up.String() != "60001" {
		t.Fatalf("expected 60001, got %s", up)
	}
	down, err := QuantizePrice(60000.4, meta, RoundDown)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if down.String() != "60000" {
		t.Fatalf("expected 60000, got %s", down)
	}
}

func TestQuantizePriceClampsToOneTick(t *testing.T) {
	meta := PriceTickMeta{Tick: decimal.RequireFromString("0.01"), Decimals: 2}
	got, err := QuantizePrice(0.001, meta, RoundDown)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if got.String() != "0.01" {
		t.Fatalf("expected one tick, got %s", got)
	}
}

func TestQuantizePriceIdempotent(t *testing.T) {
	refs := []float64{60123.456, 3012.77, 1.23456, 0.000123456}
	for _, ref := range refs {
		meta, err := DerivePriceTick(ref)
		if err != nil {
			t.Fatalf("tick: %v", err)
		}
		for _, dir := range []Rounding{RoundUp, RoundDown} {
			first, err := QuantizePrice(ref*1.01, meta, dir)
			if err != nil {
				t.Fatalf("quantize: %v", err)
			}
			second, err := QuantizePrice(first.InexactFloat64(), meta, dir)
			if err != nil {
				t.Fatalf("requantize: %v", err)
			}
			if !first.Equal(second) {
				t.Fatalf("expected idempotent %s result for %v, got %s then %s", dir, ref, first, second)
			}
		}
	}
}

func TestQuantizePriceRejectsBadInput(t *testing.T) {
	meta, _ := DerivePriceTick(100)
	if _, err := QuantizePrice(-1, meta, RoundUp); !errors.Is(err, errs.InvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}
	if _, err := QuantizePrice(1, PriceTickMeta{}, RoundUp); !errors.Is(err, errs.InvalidPrice) {
		t.Fatalf("expected invalid price for zero tick, got %v", err)
	}
}

func TestRoundingFor(t *testing.T) {
	if RoundingFor(true, false) != RoundUp {
		t.Fatalf("expected immediate buy to round up")
	}
	if RoundingFor(false, false) != RoundDown {
		t.Fatalf("expected immediate sell to round down")
	}
	if RoundingFor(true, true) != RoundDown {
		t.Fatalf("expected resting buy to round down")
	}
	if RoundingFor(false, true) != RoundUp {
		t.Fatalf("expected resting sell to round up")
	}
}
