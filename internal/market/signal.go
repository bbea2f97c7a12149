package market

// Direction is the side that receives funding.
type Direction string

const (
	// CollectShort means longs pay shorts.
	CollectShort Direction = "CollectShort"
	// CollectLong means shorts pay longs.
	CollectLong Direction = "CollectLong"
)

func DirectionFor(fundingRate float64) Direction {
	if fundingRate > 0 {
		return CollectShort
	}
	return CollectLong
}

// FundingSignal is derived per evaluation and never persisted.
// Zero ImpactBid/ImpactAsk mean the venue did not publish them.
type FundingSignal struct {
	Instrument    string
	AssetID       int
	FundingRate   float64
	Premium       float64
	Direction     Direction
	SizePrecision int
	MarkPrice     float64
	OraclePrice   float64
	MidPrice      float64
	ImpactBid     float64
	ImpactAsk     float64
}

func (s FundingSignal) HasImpactPrices() bool {
	return s.ImpactBid > 0 && s.ImpactAsk > 0
}

// SpotLeg describes the spot market hedging a perp, if one exists.
// Available=false carries the reason instead of an error.
type SpotLeg struct {
	Available     bool
	Reason        string
	Symbol        string
	AssetID       int
	SizePrecision int
	MidPrice      float64
}

const maxSizePrecision = 8

func clampPrecision(szDecimals int) int {
	if szDecimals < 0 {
		return 0
	}
	if szDecimals > maxSizePrecision {
		return maxSizePrecision
	}
	return szDecimals
}
