package strategy

import "math"

// Each position leg is crossed twice: once to open and once to close.
const crossingsPerLeg = 2

func EstimatedCostsUSD(perpNotionalUSD, spotNotionalUSD, feeBps, slippageBps float64) float64 {
	rate := (feeBps + slippageBps) / 10000
	if rate <= 0 {
		return 0
	}
	notional := math.Abs(perpNotionalUSD) + math.Abs(spotNotionalUSD)
	return notional * rate * crossingsPerLeg
}

// NetExpectedCarryUSD returns funding minus round-trip costs, and the cost.
func NetExpectedCarryUSD(fundingUSD, perpNotionalUSD, spotNotionalUSD, feeBps, slippageBps float64) (float64, float64) {
	cost := EstimatedCostsUSD(perpNotionalUSD, spotNotionalUSD, feeBps, slippageBps)
	return fundingUSD - cost, cost
}
