package strategy

import (
	"math"

	"hl-funding-arb/internal/errs"
)

// CheckEntryRisk rejects entries whose combined notional exceeds the cap.
func CheckEntryRisk(cfg Config, perpNotionalUSD, spotNotionalUSD float64) error {
	notional := math.Abs(perpNotionalUSD) + math.Abs(spotNotionalUSD)
	if cfg.MaxNotionalUSD > 0 && notional > cfg.MaxNotionalUSD {
		return errs.New(errs.InvalidParameter, "strategy.risk", "notional %.2f exceeds configured maximum %.2f", notional, cfg.MaxNotionalUSD)
	}
	return nil
}
