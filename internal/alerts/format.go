package alerts

import (
	"context"
	"fmt"
	"strings"

	"hl-funding-arb/internal/state"

	"go.uber.org/zap"
)

func FormatOpened(st state.StrategyState, fundingRate float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OPENED %s %s (%s)\n", st.Instrument, st.Mode, st.Source)
	fmt.Fprintf(&b, "perp %s %g @ %g\n", strings.ToLower(st.PerpSide), st.PerpSize, st.EntryMarkPrice)
	if st.SpotSize > 0 {
		fmt.Fprintf(&b, "spot buy %g %s @ %g\n", st.SpotSize, st.SpotSymbol, st.EntrySpotPrice)
	}
	fmt.Fprintf(&b, "funding %.6f%%/h, capital $%.2f", fundingRate*100, st.CapitalUSD)
	return b.String()
}

func FormatClosed(st state.StrategyState, fundingRate, pnlPercent float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLOSED %s %s: %s\n", st.Instrument, st.Mode, st.CloseReason)
	fmt.Fprintf(&b, "perp %g, spot %g\n", st.PerpSize, st.SpotSize)
	fmt.Fprintf(&b, "funding %.6f%%/h, est. pnl %.2f%%, est. funding $%.4f", fundingRate*100, pnlPercent, st.EstimatedFundingPnlUSD)
	return b.String()
}

// Notify sends best-effort; failures are logged and dropped.
func Notify(ctx context.Context, n Notifier, log *zap.Logger, message string) {
	if n == nil {
		return
	}
	if err := n.Send(ctx, message); err != nil && log != nil {
		log.Warn("alert delivery failed", zap.Error(err))
	}
}
