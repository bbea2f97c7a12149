package strategy

import (
	"context"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/exec"
)

type Event string

const (
	EventOpenShort Event = "OPEN_SHORT"
	EventOpenLong  Event = "OPEN_LONG"
	EventClose     Event = "CLOSE"
)

const (
	SideShort = "SHORT"
	SideLong  = "LONG"
)

const (
	CloseReasonFundingFlip = "funding_flip"
	CloseReasonPnlTarget   = "pnl_target"
)

const (
	DefaultPositiveThreshold = 0.00005
	DefaultNegativeThreshold = -0.00005
	DefaultCloseBufferPct    = 0.01
	DefaultEntryBufferPct    = 0.005
)

// Gateway submits a batch of orders and reports one status per order.
type Gateway interface {
	SubmitOrders(ctx context.Context, orders []exec.Order) ([]exec.Status, error)
}

// Config carries thresholds, sizing and venue capability flags.
type Config struct {
	PositiveThreshold float64
	NegativeThreshold float64
	CapitalUSD        float64
	Leverage          float64
	// SpotShare is the fraction of capital used to buy the spot hedge.
	SpotShare   float64
	SpotEnabled bool
	// ExitPnlPercent is the PnL percent at or below which a position exits.
	ExitPnlPercent float64
	CloseBufferPct float64
	EntryBufferPct float64
	MaxNotionalUSD float64
	FeeBps         float64
	SlippageBps    float64
}

func (c Config) withDefaults() Config {
	if c.PositiveThreshold == 0 {
		c.PositiveThreshold = DefaultPositiveThreshold
	}
	if c.NegativeThreshold == 0 {
		c.NegativeThreshold = DefaultNegativeThreshold
	}
	if c.Leverage == 0 {
		c.Leverage = 1
	}
	if c.CloseBufferPct == 0 {
		c.CloseBufferPct = DefaultCloseBufferPct
	}
	if c.EntryBufferPct == 0 {
		c.EntryBufferPct = DefaultEntryBufferPct
	}
	return c
}

func (c Config) Validate() error {
	const op = "strategy.config"
	switch {
	case c.PositiveThreshold <= 0:
		return errs.New(errs.InvalidParameter, op, "positive threshold must be > 0")
	case c.NegativeThreshold >= 0:
		return errs.New(errs.InvalidParameter, op, "negative threshold must be < 0")
	case c.CapitalUSD < 0:
		return errs.New(errs.InvalidParameter, op, "capital must be >= 0")
	case c.Leverage <= 0:
		return errs.New(errs.InvalidParameter, op, "leverage must be > 0")
	case c.SpotShare < 0 || c.SpotShare >= 1:
		return errs.New(errs.InvalidParameter, op, "spot share must be in [0,1)")
	case c.CloseBufferPct < 0 || c.CloseBufferPct >= 1:
		return errs.New(errs.InvalidParameter, op, "close buffer must be in [0,1)")
	case c.EntryBufferPct < 0 || c.EntryBufferPct >= 1:
		return errs.New(errs.InvalidParameter, op, "entry buffer must be in [0,1)")
	}
	return nil
}
