package watcher

import (
	"context"
	"fmt"
	"time"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/strategy"
	"hl-funding-arb/internal/timescale"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Action string

const (
	ActionIdle   Action = "IDLE"
	ActionClosed Action = "CLOSED"
	ActionError  Action = "ERROR"
)

type Result struct {
	Instrument  string  `json:"instrument"`
	Action      Action  `json:"action"`
	FundingRate float64 `json:"funding_rate"`
	PnLPercent  float64 `json:"pnl_percent"`
	Error       string  `json:"error,omitempty"`
}

type SignalSource interface {
	FundingSignal(ctx context.Context, coin string) (market.FundingSignal, error)
	SpotLeg(ctx context.Context, coin string) (market.SpotLeg, error)
}

type Closer interface {
	Close(ctx context.Context, st state.StrategyState, sig market.FundingSignal, spot market.SpotLeg, now time.Time) (strategy.CloseResult, error)
}

type EvaluationSink interface {
	EnqueueEvaluation(ev timescale.Evaluation)
}

type Options struct {
	// Instruments is used when a tick names none. Empty means every open state.
	Instruments []string
	Alerts      alerts.Notifier
	Evaluations EvaluationSink
	Metrics     *metrics.Metrics
}

// Watcher re-evaluates stored positions and closes them when their exit
// rule fires. It never opens positions.
type Watcher struct {
	signals     SignalSource
	positions   *state.Positions
	closer      Closer
	instruments []string
	alerts      alerts.Notifier
	evaluations EvaluationSink
	metrics     *metrics.Metrics
	log         *zap.Logger
	now         func() time.Time
}

func New(signals SignalSource, positions *state.Positions, closer Closer, log *zap.Logger, opts Options) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		signals:     signals,
		positions:   positions,
		closer:      closer,
		instruments: normalize(opts.Instruments),
		alerts:      opts.Alerts,
		evaluations: opts.Evaluations,
		metrics:     metrics.OrDefault(opts.Metrics),
		log:         log,
		now:         time.Now,
	}
}

// Tick evaluates each instrument in turn. A failing instrument yields an
// ERROR result and the batch continues.
func (w *Watcher) Tick(ctx context.Context, instruments []string) []Result {
	w.metrics.WatcherTicks.Inc()
	list, err := w.resolveInstruments(ctx, instruments)
	if err != nil {
		w.log.Warn("watcher could not list open positions", zap.Error(err))
		res := Result{Instrument: "*", Action: ActionError, Error: err.Error()}
		w.record(res)
		return []Result{res}
	}
	results := make([]Result, 0, len(list))
	for _, instrument := range list {
		if ctx.Err() != nil {
			break
		}
		res := w.evaluate(ctx, instrument)
		w.record(res)
		results = append(results, res)
	}
	w.log.Debug("watcher tick done", zap.Int("instruments", len(results)))
	return results
}

func (w *Watcher) resolveInstruments(ctx context.Context, instruments []string) ([]string, error) {
	if list := normalize(instruments); len(list) > 0 {
		return list, nil
	}
	if len(w.instruments) > 0 {
		return w.instruments, nil
	}
	return w.positions.OpenInstruments(ctx)
}

func (w *Watcher) evaluate(ctx context.Context, instrument string) (res Result) {
	res = Result{Instrument: instrument, Action: ActionIdle}
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watcher panic", zap.String("instrument", instrument), zap.Any("panic", r))
			res.Action = ActionError
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	sig, err := w.signals.FundingSignal(ctx, instrument)
	if err != nil {
		return failed(res, err)
	}
	res.FundingRate = sig.FundingRate

	st, ok, err := w.positions.Load(ctx, instrument)
	if err != nil {
		return failed(res, err)
	}
	if !ok || !st.IsOpen {
		return res
	}

	var spot market.SpotLeg
	if st.SpotSize > 0 {
		spot, err = w.signals.SpotLeg(ctx, instrument)
		if err != nil {
			w.log.Warn("spot leg unavailable, closing against mark", zap.String("instrument", instrument), zap.Error(err))
			spot = market.SpotLeg{}
		}
	}

	closeRes, closeErr := w.closer.Close(ctx, st, sig, spot, w.now())
	res.PnLPercent = closeRes.Decision.PnL.Percent
	if closeRes.Closed {
		if _, err := w.positions.Save(ctx, closeRes.State); err != nil {
			return failed(res, err)
		}
		res.Action = ActionClosed
		if closeErr != nil {
			res.Error = closeErr.Error()
		}
		alerts.Notify(ctx, w.alerts, w.log, alerts.FormatClosed(closeRes.State, sig.FundingRate, res.PnLPercent))
		return res
	}
	if closeRes.Partial {
		if _, err := w.positions.Save(ctx, closeRes.State); err != nil {
			return failed(res, err)
		}
	}
	if closeErr != nil {
		return failed(res, closeErr)
	}
	return res
}

func failed(res Result, err error) Result {
	res.Action = ActionError
	res.Error = err.Error()
	return res
}

func (w *Watcher) record(res Result) {
	w.metrics.WatcherResults.With(string(res.Action)).Inc()
	if res.Action == ActionError {
		w.metrics.WatcherErrors.Inc()
		w.log.Warn("watcher instrument failed", zap.String("instrument", res.Instrument), zap.String("error", res.Error))
	}
	if w.evaluations != nil {
		w.evaluations.EnqueueEvaluation(timescale.Evaluation{
			Time:        w.now().UTC(),
			Instrument:  res.Instrument,
			Action:      string(res.Action),
			FundingRate: res.FundingRate,
			PnLPercent:  res.PnLPercent,
			Error:       res.Error,
		})
	}
}

// Schedule registers Tick on a cron spec. Overlapping runs are skipped.
// The caller starts and stops the returned scheduler.
func (w *Watcher) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	cronLog := logging.CronLogger(w.log)
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(spec, func() {
		w.Tick(ctx, nil)
	}); err != nil {
		return nil, fmt.Errorf("register watcher schedule %q: %w", spec, err)
	}
	return c, nil
}

// Run schedules ticks until ctx is done.
func (w *Watcher) Run(ctx context.Context, spec string, runOnStart bool) error {
	c, err := w.Schedule(ctx, spec)
	if err != nil {
		return err
	}
	if runOnStart {
		w.Tick(ctx, nil)
	}
	c.Start()
	w.log.Info("watcher scheduled", zap.String("schedule", spec))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func normalize(instruments []string) []string {
	seen := make(map[string]struct{}, len(instruments))
	out := make([]string, 0, len(instruments))
	for _, raw := range instruments {
		instrument := state.NormalizeInstrument(raw)
		if instrument == "" {
			continue
		}
		if _, ok := seen[instrument]; ok {
			continue
		}
		seen[instrument] = struct{}{}
		out = append(out, instrument)
	}
	return out
}
