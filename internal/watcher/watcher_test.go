package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"
	"hl-funding-arb/internal/timescale"

	"go.uber.org/zap"
)

type fakeSignals struct {
	mu      sync.Mutex
	signals map[string]market.FundingSignal
	fail    map[string]error
	panics  map[string]bool
	calls   []string
}

func (f *fakeSignals) FundingSignal(ctx context.Context, coin string) (market.FundingSignal, error) {
	_ = ctx
	f.mu.Lock()
	f.calls = append(f.calls, coin)
	f.mu.Unlock()
	if f.panics[coin] {
		panic("corrupt market payload")
	}
	if err := f.fail[coin]; err != nil {
		return market.FundingSignal{}, err
	}
	sig, ok := f.signals[coin]
	if !ok {
		return market.FundingSignal{}, errs.New(errs.SignalUnavailable, "test", "unknown").WithInstrument(coin)
	}
	return sig, nil
}

func (f *fakeSignals) SpotLeg(ctx context.Context, coin string) (market.SpotLeg, error) {
	_ = ctx
	return market.SpotLeg{Available: true, Symbol: "U" + coin + "/USDC", SizePrecision: 4, MidPrice: f.signals[coin].MarkPrice}, nil
}

type okGateway struct {
	mu       sync.Mutex
	batches  int
	perpFill float64
}

func (g *okGateway) SubmitOrders(ctx context.Context, orders []exec.Order) ([]exec.Status, error) {
	_ = ctx
	g.mu.Lock()
	g.batches++
	g.mu.Unlock()
	out := make([]exec.Status, len(orders))
	for i := range orders {
		out[i] = exec.Status{ClientOrderID: orders[i].ClientOrderID, FilledID: "1"}
	}
	if g.perpFill > 0 && len(out) > 0 {
		out[0].FilledSize = g.perpFill
	}
	return out, nil
}

type recordingSink struct {
	mu   sync.Mutex
	rows []timescale.Evaluation
}

func (r *recordingSink) EnqueueEvaluation(ev timescale.Evaluation) {
	r.mu.Lock()
	r.rows = append(r.rows, ev)
	r.mu.Unlock()
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Send(ctx context.Context, message string) error {
	_ = ctx
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.mu.Unlock()
	return nil
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

type labeledCounter struct {
	mu     sync.Mutex
	counts map[string]*countingCounter
}

func (l *labeledCounter) With(label string) metrics.Counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = make(map[string]*countingCounter)
	}
	c, ok := l.counts[label]
	if !ok {
		c = &countingCounter{}
		l.counts[label] = c
	}
	return c
}

func (l *labeledCounter) count(label string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counts[label]; ok {
		return c.n
	}
	return 0
}

type fixture struct {
	signals   *fakeSignals
	positions *state.Positions
	gateway   *okGateway
	sink      *recordingSink
	notifier  *recordingNotifier
	ticks     *countingCounter
	errors    *countingCounter
	results   *labeledCounter
	watcher   *Watcher
}

func newFixture(t *testing.T, configured []string) *fixture {
	t.Helper()
	f := &fixture{
		signals:   &fakeSignals{signals: map[string]market.FundingSignal{}, fail: map[string]error{}, panics: map[string]bool{}},
		positions: state.NewPositions(state.NewMemoryStore()),
		gateway:   &okGateway{},
		sink:      &recordingSink{},
		notifier:  &recordingNotifier{},
		ticks:     &countingCounter{},
		errors:    &countingCounter{},
		results:   &labeledCounter{},
	}
	engine, err := strategy.NewEngine(strategy.Config{CapitalUSD: 100, Leverage: 3, SpotShare: 0.5, SpotEnabled: true, ExitPnlPercent: -5}, f.gateway, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	m := metrics.NewNoop()
	m.WatcherTicks = f.ticks
	m.WatcherErrors = f.errors
	m.WatcherResults = f.results
	f.watcher = New(f.signals, f.positions, engine, zap.NewNop(), Options{
		Instruments: configured,
		Alerts:      f.notifier,
		Evaluations: f.sink,
		Metrics:     m,
	})
	f.watcher.now = func() time.Time { return time.UnixMilli(1_700_003_600_000) }
	return f
}

func (f *fixture) openShort(t *testing.T, instrument string, mark float64) {
	t.Helper()
	_, err := f.positions.Save(context.Background(), state.StrategyState{
		Instrument:           instrument,
		Mode:                 state.ModeDoubleShortFunding,
		CapitalUSD:           100,
		PerpSize:             0.0025,
		SpotSize:             0.0008,
		SpotSymbol:           "U" + instrument + "/USDC",
		PerpSide:             strategy.SideShort,
		EntryMarkPrice:       mark,
		EntrySpotPrice:       mark,
		EntryTimeMS:          1_700_000_000_000,
		ExitPnlPercentTarget: -5,
		MinFundingRate:       0.00005,
		IsOpen:               true,
	})
	if err != nil {
		t.Fatalf("save %s: %v", instrument, err)
	}
}

func TestTickIsolatesFailingInstrument(t *testing.T) {
	f := newFixture(t, nil)
	for _, coin := range []string{"BTC", "ETH", "SOL"} {
		f.openShort(t, coin, 100)
		f.signals.signals[coin] = market.FundingSignal{Instrument: coin, FundingRate: -0.00002, MarkPrice: 100, SizePrecision: 4}
	}
	f.signals.fail["ETH"] = errors.New("venue timeout")

	results := f.watcher.Tick(context.Background(), []string{"btc", "ETH", "sol"})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Instrument != "BTC" || results[0].Action != ActionClosed {
		t.Fatalf("expected BTC closed, got %+v", results[0])
	}
	if results[1].Instrument != "ETH" || results[1].Action != ActionError || !strings.Contains(results[1].Error, "venue timeout") {
		t.Fatalf("expected ETH error, got %+v", results[1])
	}
	if results[2].Instrument != "SOL" || results[2].Action != ActionClosed {
		t.Fatalf("expected SOL closed, got %+v", results[2])
	}
	if results[0].FundingRate != -0.00002 {
		t.Fatalf("expected funding rate in result, got %v", results[0].FundingRate)
	}

	btc, _, _ := f.positions.Load(context.Background(), "BTC")
	if btc.IsOpen || btc.PerpSize != 0.0025 || btc.CloseReason != strategy.CloseReasonFundingFlip {
		t.Fatalf("expected BTC persisted closed with sizes, got %+v", btc)
	}
	eth, _, _ := f.positions.Load(context.Background(), "ETH")
	if !eth.IsOpen {
		t.Fatalf("expected ETH to remain open")
	}
	if f.gateway.batches != 2 {
		t.Fatalf("expected 2 close batches, got %d", f.gateway.batches)
	}
	if len(f.notifier.messages) != 2 {
		t.Fatalf("expected 2 close alerts, got %d", len(f.notifier.messages))
	}
	if len(f.sink.rows) != 3 {
		t.Fatalf("expected 3 evaluation rows, got %d", len(f.sink.rows))
	}
	if f.ticks.n != 1 || f.errors.n != 1 {
		t.Fatalf("expected 1 tick and 1 error, got %d/%d", f.ticks.n, f.errors.n)
	}
	if f.results.count("CLOSED") != 2 || f.results.count("ERROR") != 1 {
		t.Fatalf("unexpected result counters %+v", f.results.counts)
	}
}

func TestTickKeepsRemainderOfPartialClose(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.perpFill = 0.001
	f.openShort(t, "BTC", 100)
	f.signals.signals["BTC"] = market.FundingSignal{Instrument: "BTC", FundingRate: -0.00002, MarkPrice: 100, SizePrecision: 4}

	results := f.watcher.Tick(context.Background(), nil)
	if len(results) != 1 || results[0].Action != ActionError || !strings.Contains(results[0].Error, "filled 0.001 of 0.0025") {
		t.Fatalf("expected partial fill error, got %+v", results)
	}
	btc, _, _ := f.positions.Load(context.Background(), "BTC")
	if !btc.IsOpen || btc.PerpSize != 0.0015 || btc.SpotSize != 0 {
		t.Fatalf("expected remaining perp 0.0015 open with spot sold, got %+v", btc)
	}
	if len(f.notifier.messages) != 0 {
		t.Fatalf("expected no close alert, got %v", f.notifier.messages)
	}

	f.gateway.perpFill = 0
	results = f.watcher.Tick(context.Background(), nil)
	if results[0].Action != ActionClosed {
		t.Fatalf("expected remainder closed on next tick, got %+v", results[0])
	}
	btc, _, _ = f.positions.Load(context.Background(), "BTC")
	if btc.IsOpen || btc.PerpSize != 0.0015 {
		t.Fatalf("expected closed remainder, got %+v", btc)
	}
}

func TestTickRecoversPanics(t *testing.T) {
	f := newFixture(t, nil)
	f.signals.panics["BTC"] = true
	f.signals.signals["ETH"] = market.FundingSignal{Instrument: "ETH", FundingRate: 0.0001, MarkPrice: 3000}
	results := f.watcher.Tick(context.Background(), []string{"BTC", "ETH"})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Action != ActionError || !strings.Contains(results[0].Error, "panic") {
		t.Fatalf("expected recovered panic, got %+v", results[0])
	}
	if results[1].Action != ActionIdle {
		t.Fatalf("expected ETH idle, got %+v", results[1])
	}
}

func TestTickHoldsWhenFundingPersists(t *testing.T) {
	f := newFixture(t, nil)
	f.openShort(t, "BTC", 60000)
	f.signals.signals["BTC"] = market.FundingSignal{Instrument: "BTC", FundingRate: 0.0001, MarkPrice: 60000, SizePrecision: 5}
	results := f.watcher.Tick(context.Background(), nil)
	if len(results) != 1 || results[0].Action != ActionIdle {
		t.Fatalf("expected idle hold, got %+v", results)
	}
	if results[0].PnLPercent <= 0 {
		t.Fatalf("expected accrued funding pnl, got %v", results[0].PnLPercent)
	}
	if f.gateway.batches != 0 {
		t.Fatalf("expected no orders, got %d", f.gateway.batches)
	}
}

func TestTickInstrumentFallbacks(t *testing.T) {
	f := newFixture(t, []string{"eth", "ETH"})
	f.signals.signals["ETH"] = market.FundingSignal{Instrument: "ETH", FundingRate: 0.0001, MarkPrice: 3000}
	results := f.watcher.Tick(context.Background(), nil)
	if len(results) != 1 || results[0].Instrument != "ETH" {
		t.Fatalf("expected configured list, got %+v", results)
	}

	f = newFixture(t, nil)
	f.openShort(t, "SOL", 150)
	f.openShort(t, "BTC", 60000)
	if _, err := f.positions.Save(context.Background(), state.Idle("DOGE")); err != nil {
		t.Fatalf("save idle: %v", err)
	}
	f.signals.signals["SOL"] = market.FundingSignal{Instrument: "SOL", FundingRate: 0.0001, MarkPrice: 150}
	f.signals.signals["BTC"] = market.FundingSignal{Instrument: "BTC", FundingRate: 0.0001, MarkPrice: 60000}
	results = f.watcher.Tick(context.Background(), nil)
	if len(results) != 2 || results[0].Instrument != "BTC" || results[1].Instrument != "SOL" {
		t.Fatalf("expected open states BTC and SOL, got %+v", results)
	}
}

func TestTickWithNoPositionIsIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.signals.signals["BTC"] = market.FundingSignal{Instrument: "BTC", FundingRate: -0.001, MarkPrice: 60000}
	results := f.watcher.Tick(context.Background(), []string{"BTC"})
	if results[0].Action != ActionIdle {
		t.Fatalf("expected idle, got %+v", results[0])
	}
	if _, ok, _ := f.positions.Load(context.Background(), "BTC"); ok {
		t.Fatalf("watcher must never open positions")
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.watcher.Schedule(context.Background(), "every now and then"); err == nil {
		t.Fatalf("expected schedule error")
	}
	c, err := f.watcher.Schedule(context.Background(), "@every 5m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one cron entry, got %d", len(c.Entries()))
	}
}

func TestRunTicksOnStartAndStops(t *testing.T) {
	f := newFixture(t, []string{"BTC"})
	f.signals.signals["BTC"] = market.FundingSignal{Instrument: "BTC", FundingRate: 0.0001, MarkPrice: 60000}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.watcher.Run(ctx, "@every 1h", true) }()
	deadline := time.Now().Add(time.Second)
	for {
		f.ticks.mu.Lock()
		n := f.ticks.n
		f.ticks.mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected run-on-start tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected run to stop")
	}
}
