package state

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"hl-funding-arb/internal/errs"
)

const StrategyStateKeyPrefix = "strategy:state:"

type Mode string

const (
	ModeIdle               Mode = "IDLE"
	ModeDoubleShortFunding Mode = "DOUBLE_SHORT_FUNDING"
	ModeSimpleLongFunding  Mode = "SIMPLE_LONG_FUNDING"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeIdle, ModeDoubleShortFunding, ModeSimpleLongFunding:
		return true
	default:
		return false
	}
}

type Source string

const (
	SourceAuto   Source = "AUTO"
	SourceManual Source = "MANUAL"
)

type StrategyState struct {
	Instrument             string    `json:"instrument"`
	Mode                   Mode      `json:"mode"`
	CapitalUSD             float64   `json:"capital_usd"`
	PerpSize               float64   `json:"perp_size"`
	SpotSize               float64   `json:"spot_size"`
	PerpSide               string    `json:"perp_side,omitempty"`
	SpotSymbol             string    `json:"spot_symbol,omitempty"`
	EntryMarkPrice         float64   `json:"entry_mark_price"`
	EntrySpotPrice         float64   `json:"entry_spot_price,omitempty"`
	EntryTimeMS            int64     `json:"entry_time_ms"`
	ExitPnlPercentTarget   float64   `json:"exit_pnl_percent_target"`
	MinFundingRate         float64   `json:"min_funding_rate"`
	IsOpen                 bool      `json:"is_open"`
	EstimatedFundingPnlUSD float64   `json:"estimated_funding_pnl_usd"`
	Source                 Source    `json:"source"`
	OwnerRef               string    `json:"owner_ref,omitempty"`
	ClosedAtMS             int64     `json:"closed_at_ms,omitempty"`
	CloseReason            string    `json:"close_reason,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Idle returns the resting state for an instrument with no position.
func Idle(instrument string) StrategyState {
	return StrategyState{Instrument: NormalizeInstrument(instrument), Mode: ModeIdle, Source: SourceAuto}
}

func NormalizeInstrument(instrument string) string {
	return strings.ToUpper(strings.TrimSpace(instrument))
}

func StateKey(instrument string) string {
	return StrategyStateKeyPrefix + NormalizeInstrument(instrument)
}

func (s StrategyState) Validate() error {
	const op = "state.validate"
	if NormalizeInstrument(s.Instrument) == "" {
		return errs.New(errs.InvalidParameter, op, "instrument is required")
	}
	if !s.Mode.Valid() {
		return errs.New(errs.InvalidParameter, op, "unknown mode %q", s.Mode).WithInstrument(s.Instrument)
	}
	if s.Source != "" && s.Source != SourceAuto && s.Source != SourceManual {
		return errs.New(errs.InvalidParameter, op, "unknown source %q", s.Source).WithInstrument(s.Instrument)
	}
	if s.CapitalUSD < 0 || s.PerpSize < 0 || s.SpotSize < 0 {
		return errs.New(errs.InvalidParameter, op, "capital and sizes must be >= 0").WithInstrument(s.Instrument)
	}
	if s.Mode == ModeIdle && s.IsOpen {
		return errs.New(errs.InvalidParameter, op, "idle state cannot be open").WithInstrument(s.Instrument)
	}
	if s.IsOpen && s.PerpSize <= 0 {
		return errs.New(errs.InvalidParameter, op, "open state requires perp_size > 0").WithInstrument(s.Instrument)
	}
	if s.SpotSize > 0 && s.Mode != ModeDoubleShortFunding {
		return errs.New(errs.InvalidParameter, op, "spot_size requires %s", ModeDoubleShortFunding).WithInstrument(s.Instrument)
	}
	return nil
}

// Positions persists one StrategyState per uppercased instrument.
// There is no compare-and-swap; concurrent writers overwrite each other.
type Positions struct {
	store Store
	now   func() time.Time
}

func NewPositions(store Store) *Positions {
	return &Positions{store: store, now: time.Now}
}

func (p *Positions) Load(ctx context.Context, instrument string) (StrategyState, bool, error) {
	const op = "state.load"
	if p == nil || p.store == nil {
		return StrategyState{}, false, errs.New(errs.PersistenceFailure, op, "store is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := p.store.Get(ctx, StateKey(instrument))
	if err != nil {
		return StrategyState{}, false, errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(NormalizeInstrument(instrument))
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return StrategyState{}, false, nil
	}
	var st StrategyState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return StrategyState{}, false, errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(NormalizeInstrument(instrument))
	}
	return st, true, nil
}

// LoadOrIdle returns the stored state or an idle one when nothing is stored.
func (p *Positions) LoadOrIdle(ctx context.Context, instrument string) (StrategyState, error) {
	st, ok, err := p.Load(ctx, instrument)
	if err != nil {
		return StrategyState{}, err
	}
	if !ok {
		return Idle(instrument), nil
	}
	return st, nil
}

// Save overwrites the record for st.Instrument and returns it as written.
func (p *Positions) Save(ctx context.Context, st StrategyState) (StrategyState, error) {
	const op = "state.save"
	if p == nil || p.store == nil {
		return StrategyState{}, errs.New(errs.PersistenceFailure, op, "store is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	st.Instrument = NormalizeInstrument(st.Instrument)
	if st.Source == "" {
		st.Source = SourceAuto
	}
	st.UpdatedAt = p.now().UTC()
	payload, err := json.Marshal(st)
	if err != nil {
		return StrategyState{}, errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(st.Instrument)
	}
	if err := p.store.Set(ctx, StateKey(st.Instrument), string(payload)); err != nil {
		return StrategyState{}, errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(st.Instrument)
	}
	return st, nil
}

func (p *Positions) ListAll(ctx context.Context) (map[string]StrategyState, error) {
	const op = "state.list"
	if p == nil || p.store == nil {
		return nil, errs.New(errs.PersistenceFailure, op, "store is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, err := p.store.List(ctx, StrategyStateKeyPrefix)
	if err != nil {
		return nil, errs.Wrap(errs.PersistenceFailure, op, err)
	}
	out := make(map[string]StrategyState, len(raw))
	for key, value := range raw {
		var st StrategyState
		if err := json.Unmarshal([]byte(value), &st); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, op, err).WithInstrument(strings.TrimPrefix(key, StrategyStateKeyPrefix))
		}
		out[strings.TrimPrefix(key, StrategyStateKeyPrefix)] = st
	}
	return out, nil
}

// OpenInstruments lists instruments whose stored state is open, sorted.
func (p *Positions) OpenInstruments(ctx context.Context) ([]string, error) {
	all, err := p.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(all))
	for instrument, st := range all {
		if st.IsOpen {
			out = append(out, instrument)
		}
	}
	sort.Strings(out)
	return out, nil
}
