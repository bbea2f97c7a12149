package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hl-funding-arb/internal/alerts"
	"hl-funding-arb/internal/api"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/exec"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"
	"hl-funding-arb/internal/manual"
	"hl-funding-arb/internal/market"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/state/redis"
	"hl-funding-arb/internal/state/sqlite"
	"hl-funding-arb/internal/strategy"
	"hl-funding-arb/internal/timescale"
	"hl-funding-arb/internal/watcher"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	ledger    *sqlite.Store
	positions *state.Positions
	trades    state.TradeLog
	market    *market.MarketData
	exchange  *exchange.Client
	executor  *exec.Executor
	engine    *strategy.Engine
	watcher   *watcher.Watcher
	manual    *manual.Flow
	api       *api.Server
	prom      *metrics.Prometheus
	metrics   *metrics.Metrics
	alerts    *alerts.Telegram
	timescale *timescale.Writer
	now       func() time.Time
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{cfg: cfg, log: log, now: time.Now}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// openStores opens the KV backend and the sqlite trade ledger. The ledger is
// always sqlite; with the redis backend it lives next to the configured path.
func (a *App) openStores(ctx context.Context) error {
	path := a.cfg.State.SQLitePath
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	ledger, err := sqlite.New(path)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	a.ledger = ledger
	a.store = ledger
	if a.cfg.State.Backend == config.StateBackendRedis {
		rc := a.cfg.State.Redis
		store, err := redis.New(ctx, redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, Prefix: rc.Prefix})
		if err != nil {
			_ = ledger.Close()
			return err
		}
		a.store = store
	}
	return nil
}

func (a *App) build() error {
	cfg := a.cfg
	if cfg.Metrics.Enabled {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	} else {
		a.metrics = metrics.NewNoop()
	}
	a.alerts = alerts.NewTelegram(cfg.Telegram, a.log)

	tsWriter, err := timescale.New(cfg.Timescale, a.log)
	if err != nil {
		return fmt.Errorf("timescale: %w", err)
	}
	a.timescale = tsWriter
	trades := &state.MultiTradeLog{Primary: a.ledger.TradeLog()}
	if tsWriter != nil {
		trades.Mirrors = append(trades.Mirrors, tsWriter)
	}
	a.trades = trades
	a.positions = state.NewPositions(a.store)

	restClient := rest.New(rest.Options{
		BaseURL:      cfg.REST.BaseURL,
		Timeout:      cfg.REST.Timeout,
		RateLimit:    cfg.REST.RateLimit,
		RateBurst:    cfg.REST.RateBurst,
		MaxRetries:   cfg.REST.MaxRetries,
		RetryBackoff: cfg.REST.RetryBackoff,
		BreakerDelay: cfg.REST.BreakerDelay,
	}, a.log)
	var wsClient *ws.Client
	if cfg.WS.Enabled {
		wsClient = ws.New(ws.Options{URL: cfg.WS.URL, ReconnectDelay: cfg.WS.ReconnectDelay, PingInterval: cfg.WS.PingInterval}, a.log)
	}
	a.market = market.New(restClient, wsClient, a.log, market.Config{
		RefreshWindow: cfg.REST.RefreshWindow,
		SpotSymbols:   cfg.Exchange.SpotSymbols,
		DisableSpot:   cfg.Exchange.DisableSpotLeg,
	})

	venue, err := a.venue()
	if err != nil {
		return err
	}
	a.executor = exec.New(venue, a.market, a.store, a.log, a.metrics, exec.Options{
		MaxRetries:   cfg.Exchange.MaxRetries,
		RetryBackoff: cfg.Exchange.RetryBackoff,
	})

	engine, err := strategy.NewEngine(StrategyConfig(cfg), a.executor, a.log, a.metrics)
	if err != nil {
		return err
	}
	a.engine = engine
	a.watcher = watcher.New(a.market, a.positions, engine, a.log, watcher.Options{
		Instruments: cfg.Watcher.Instruments,
		Alerts:      a.alerts,
		Evaluations: a.evaluationSink(),
		Metrics:     a.metrics,
	})
	a.manual = manual.New(a.market, a.positions, a.executor, a.trades, a.log, manual.Options{
		Defaults: manual.Defaults{
			Leverage:       cfg.Strategy.Leverage,
			HedgeFactor:    cfg.Strategy.HedgeFactor,
			ExitPnlPercent: cfg.Strategy.ExitPnlPercent,
			EntryBufferPct: cfg.Strategy.EntryBufferPct,
			SpotEnabled:    spotEnabled(cfg),
		},
		Alerts:  a.alerts,
		Metrics: a.metrics,
	})
	if cfg.API.Enabled {
		deps := api.Deps{
			Positions: a.positions,
			Trades:    a.trades,
			Watcher:   a.watcher,
			Manual:    a.manual,
		}
		if a.prom != nil {
			deps.Metrics = a.prom.Handler()
		}
		a.api = api.New(cfg.API.Address, deps, a.log)
	}
	return nil
}

// venue signs against Hyperliquid when a key is configured and paper-fills
// otherwise.
func (a *App) venue() (exec.Venue, error) {
	cfg := a.cfg
	key := strings.TrimSpace(cfg.Exchange.PrivateKey)
	if cfg.Exchange.DryRun || key == "" {
		a.log.Info("paper trading enabled", zap.Bool("dry_run", cfg.Exchange.DryRun))
		return exec.NewPaperVenue(), nil
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(key, isMainnet)
	if err != nil {
		return nil, err
	}
	if wallet := strings.TrimSpace(cfg.Exchange.WalletAddress); wallet != "" && !strings.EqualFold(wallet, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", wallet, signer.Address().Hex())
	}
	client, err := exchange.NewClient(exchange.Options{
		BaseURL:      cfg.REST.BaseURL,
		Timeout:      cfg.REST.Timeout,
		VaultAddress: cfg.Exchange.VaultAddress,
	}, signer, a.log)
	if err != nil {
		return nil, err
	}
	a.exchange = client
	return client, nil
}

func (a *App) evaluationSink() watcher.EvaluationSink {
	if a.timescale == nil {
		return nil
	}
	return a.timescale
}

func StrategyConfig(cfg *config.Config) strategy.Config {
	s := cfg.Strategy
	return strategy.Config{
		PositiveThreshold: s.PositiveThreshold,
		NegativeThreshold: s.NegativeThreshold,
		CapitalUSD:        s.CapitalUSD,
		Leverage:          s.Leverage,
		SpotShare:         s.SpotShare,
		SpotEnabled:       spotEnabled(cfg),
		ExitPnlPercent:    s.ExitPnlPercent,
		CloseBufferPct:    s.CloseBufferPct,
		EntryBufferPct:    s.EntryBufferPct,
		MaxNotionalUSD:    cfg.Risk.MaxNotionalUSD,
		FeeBps:            s.FeeBps,
		SlippageBps:       s.SlippageBps,
	}
}

func spotEnabled(cfg *config.Config) bool {
	if cfg.Exchange.DisableSpotLeg {
		return false
	}
	return cfg.Strategy.SpotEnabled == nil || *cfg.Strategy.SpotEnabled
}

// prepare restores the persisted nonce so signed actions stay monotonic
// across restarts.
func (a *App) prepare(ctx context.Context) {
	if a.exchange == nil {
		return
	}
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
		return
	}
	if st, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", st.Key), zap.Uint64("nonce_seed", st.Last))
	}
}

// Run starts the watcher schedule and the HTTP adapter and blocks until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if !a.cfg.Watcher.Enabled && a.api == nil {
		return errors.New("nothing to run: enable watcher or api")
	}
	a.prepare(ctx)
	a.timescale.Start(ctx)
	if err := a.market.Start(ctx); err != nil {
		a.log.Warn("mids stream unavailable", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Watcher.Enabled {
		g.Go(func() error {
			return a.watcher.Run(ctx, a.cfg.Watcher.Schedule, a.cfg.Watcher.RunOnStart)
		})
	}
	if a.api != nil {
		g.Go(func() error {
			return a.api.Run(ctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Tick runs one watcher pass, for one-shot invocations.
func (a *App) Tick(ctx context.Context, instruments []string) []watcher.Result {
	a.prepare(ctx)
	return a.watcher.Tick(ctx, instruments)
}

// OpenManual runs the manual entry flow once.
func (a *App) OpenManual(ctx context.Context, req manual.Request) (manual.Result, error) {
	a.prepare(ctx)
	return a.manual.Open(ctx, req)
}

func (a *App) Positions() *state.Positions {
	return a.positions
}

func (a *App) Trades() state.TradeLog {
	return a.trades
}

func (a *App) Close() error {
	var errs []error
	if a.timescale != nil {
		errs = append(errs, a.timescale.Close())
	}
	if a.store != nil && a.store != state.Store(a.ledger) {
		errs = append(errs, a.store.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	return errors.Join(errs...)
}
