package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-funding-arb/internal/app"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/manual"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	instrument := flag.String("instrument", "", "perp coin to enter, e.g. BTC")
	notional := flag.Float64("notional", 0, "USD notional per leg")
	leverage := flag.Float64("leverage", 0, "perp leverage (default: strategy.leverage)")
	hedgeFactor := flag.Float64("hedge-factor", 0, "perp/spot size ratio (default: strategy.hedge_factor)")
	minFunding := flag.Float64("min-funding", 0, "minimum |funding rate| required to enter")
	exitPnl := flag.Float64("exit-pnl", 0, "exit PnL percent target (default: strategy.exit_pnl_percent)")
	includeSpot := flag.Bool("spot", true, "buy the spot hedge when collecting positive funding")
	ioc := flag.Bool("ioc", false, "cross the book with IOC orders instead of resting at impact prices")
	auto := flag.Bool("auto", false, "size from strategy.capital_usd through the strategy engine")
	owner := flag.String("owner", "", "owner reference stored with the position")
	dryRun := flag.Bool("dry-run", false, "paper-fill orders instead of signing them")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	if *instrument == "" {
		fatal(fmt.Errorf("-instrument is required"))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *dryRun {
		cfg.Exchange.DryRun = true
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		fatal(err)
	}
	defer application.Close()

	if *auto {
		res, err := application.OpenAuto(ctx, *instrument)
		printJSON(res)
		if err != nil {
			log.Error("auto open failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	execution := manual.ExecutionImpact
	if *ioc {
		execution = manual.ExecutionIOC
	}
	res, err := application.OpenManual(ctx, manual.Request{
		Instrument:     *instrument,
		NotionalUSD:    *notional,
		Leverage:       *leverage,
		HedgeFactor:    *hedgeFactor,
		MinFundingRate: *minFunding,
		IncludeSpot:    *includeSpot,
		OwnerRef:       *owner,
		ExitPnlPercent: *exitPnl,
		Execution:      execution,
	})
	printJSON(res)
	if err != nil {
		log.Error("manual open failed", zap.Error(err))
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
