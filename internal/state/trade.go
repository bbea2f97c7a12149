package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"hl-funding-arb/internal/errs"
)

var ErrDuplicateTrade = errors.New("trade record already exists")

// TradeRecord is written once per executed entry and never updated.
type TradeRecord struct {
	TradeID     string         `json:"trade_id"`
	Instrument  string         `json:"instrument"`
	Direction   string         `json:"direction"`
	SpotOrderID string         `json:"spot_order_id,omitempty"`
	PerpOrderID string         `json:"perp_order_id,omitempty"`
	SpotQty     float64        `json:"spot_qty"`
	PerpQty     float64        `json:"perp_qty"`
	NotionalUSD float64        `json:"notional_usd"`
	Leverage    float64        `json:"leverage"`
	HedgeFactor float64        `json:"hedge_factor"`
	CreatedAt   time.Time      `json:"created_at"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func (r TradeRecord) Validate() error {
	if strings.TrimSpace(r.TradeID) == "" {
		return errs.New(errs.InvalidParameter, "trade.validate", "trade_id is required")
	}
	if strings.TrimSpace(r.Instrument) == "" {
		return errs.New(errs.InvalidParameter, "trade.validate", "instrument is required")
	}
	return nil
}

type TradeLog interface {
	Append(ctx context.Context, rec TradeRecord) error
	// List returns at most limit records, most recent first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]TradeRecord, error)
}

// MultiTradeLog appends to a primary log, then hands each record to the
// mirrors. Mirrors queue asynchronously and cannot fail Append.
type MultiTradeLog struct {
	Primary TradeLog
	Mirrors []TradeMirror
}

type TradeMirror interface {
	MirrorTrade(rec TradeRecord)
}

func (m *MultiTradeLog) Append(ctx context.Context, rec TradeRecord) error {
	if m.Primary == nil {
		return errs.New(errs.PersistenceFailure, "trade.append", "trade log is not configured")
	}
	if err := m.Primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, mirror := range m.Mirrors {
		if mirror != nil {
			mirror.MirrorTrade(rec)
		}
	}
	return nil
}

func (m *MultiTradeLog) List(ctx context.Context, limit int) ([]TradeRecord, error) {
	if m.Primary == nil {
		return nil, errs.New(errs.PersistenceFailure, "trade.list", "trade log is not configured")
	}
	return m.Primary.List(ctx, limit)
}
