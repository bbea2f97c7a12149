package exec

import (
	"context"
	"strconv"
	"sync/atomic"

	"hl-funding-arb/internal/hl/exchange"
)

// PaperVenue fills every order at its limit price without touching the
// exchange. It backs dry runs and deployments without a signing key.
type PaperVenue struct {
	nextID atomic.Int64
}

func NewPaperVenue() *PaperVenue {
	return &PaperVenue{}
}

func (p *PaperVenue) PlaceOrders(ctx context.Context, orders []exchange.OrderWire) ([]exchange.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderStatus, 0, len(orders))
	for _, order := range orders {
		size, _ := strconv.ParseFloat(order.Size, 64)
		price, _ := strconv.ParseFloat(order.Price, 64)
		id := strconv.FormatInt(p.nextID.Add(1), 10)
		if order.OrderType.Limit != nil && order.OrderType.Limit.Tif != exchange.TifIoc {
			out = append(out, exchange.OrderStatus{RestingID: id})
			continue
		}
		out = append(out, exchange.OrderStatus{FilledID: id, TotalSz: size, AvgPx: price})
	}
	return out, nil
}
