package exec

import (
	"encoding/hex"
	"strings"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/hl/exchange"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Leg string

const (
	LegPerp Leg = "PERP"
	LegSpot Leg = "SPOT"
)

type Tif string

const (
	TifIoc Tif = "IOC"
	TifGtc Tif = "GTC"
	TifAlo Tif = "ALO"
)

// Resting reports whether the order rests on the book rather than crossing it.
func (t Tif) Resting() bool {
	return t == TifGtc || t == TifAlo
}

func (t Tif) wire() (exchange.Tif, bool) {
	switch t {
	case TifIoc:
		return exchange.TifIoc, true
	case TifGtc:
		return exchange.TifGtc, true
	case TifAlo:
		return exchange.TifAlo, true
	default:
		return "", false
	}
}

// Order is one leg. Size and Price must already be venue-quantized.
type Order struct {
	Instrument    string
	Leg           Leg
	IsBuy         bool
	Size          decimal.Decimal
	Price         decimal.Decimal
	Tif           Tif
	ReduceOnly    bool
	ClientOrderID string
}

func (o Order) Validate() error {
	const op = "exec.validate"
	if strings.TrimSpace(o.Instrument) == "" {
		return errs.New(errs.InvalidParameter, op, "instrument is required")
	}
	if o.Leg != LegPerp && o.Leg != LegSpot {
		return errs.New(errs.InvalidParameter, op, "unknown leg %q", o.Leg).WithInstrument(o.Instrument)
	}
	if _, ok := o.Tif.wire(); !ok {
		return errs.New(errs.InvalidParameter, op, "unknown tif %q", o.Tif).WithInstrument(o.Instrument)
	}
	if !o.Size.IsPositive() {
		return errs.New(errs.InvalidQuantity, op, "size %s must be > 0", o.Size).WithInstrument(o.Instrument)
	}
	if !o.Price.IsPositive() {
		return errs.New(errs.InvalidPrice, op, "price %s must be > 0", o.Price).WithInstrument(o.Instrument)
	}
	if o.Leg == LegSpot && o.ReduceOnly {
		return errs.New(errs.InvalidParameter, op, "spot orders cannot be reduce-only").WithInstrument(o.Instrument)
	}
	return nil
}

// Status is the per-order outcome. Err is empty on success.
type Status struct {
	ClientOrderID string  `json:"cloid"`
	RestingID     string  `json:"resting_id,omitempty"`
	FilledID      string  `json:"filled_id,omitempty"`
	FilledSize    float64 `json:"filled_size,omitempty"`
	AvgPrice      float64 `json:"avg_price,omitempty"`
	Err           string  `json:"error,omitempty"`
}

func (s Status) OK() bool {
	return s.Err == ""
}

func (s Status) OrderID() string {
	if s.FilledID != "" {
		return s.FilledID
	}
	return s.RestingID
}

// LegError returns a VenueRejected error for the first failed status.
func LegError(orders []Order, statuses []Status) error {
	for i, st := range statuses {
		if st.OK() {
			continue
		}
		e := errs.New(errs.VenueRejected, "exec.submit", "%s leg rejected: %s", legOf(orders, i), st.Err)
		if i < len(orders) {
			e = e.WithInstrument(orders[i].Instrument)
		}
		return e.WithOrderID(st.ClientOrderID)
	}
	return nil
}

func legOf(orders []Order, i int) Leg {
	if i < len(orders) {
		return orders[i].Leg
	}
	return ""
}

// NewClientOrderID returns a venue cloid: 0x followed by 16 random bytes in hex.
func NewClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
