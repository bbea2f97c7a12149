// Command bot runs the funding watcher and the HTTP adapter.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hl-funding-arb/internal/app"
	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/logging"

	"go.uber.org/zap"
)

type options struct {
	configPath  string
	envPath     string
	once        bool
	instruments []string
}

func main() {
	var opts options
	var instruments string
	flag.StringVar(&opts.configPath, "config", "config.yaml", "path to config file")
	flag.StringVar(&opts.envPath, "env", ".env", "dotenv file with secrets; missing is fine")
	flag.BoolVar(&opts.once, "once", false, "run a single watcher tick, print the results and exit")
	flag.StringVar(&instruments, "instruments", "", "comma-separated instruments for -once (default: configured and open)")
	flag.Parse()
	opts.instruments = strings.FieldsFunc(instruments, func(r rune) bool { return r == ',' || r == ' ' })

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if err := config.LoadEnv(opts.envPath); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer func() {
		if err := bot.Close(); err != nil {
			log.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	log.Info("bot initialized",
		zap.String("config", opts.configPath),
		zap.Bool("dry_run", cfg.Exchange.DryRun),
		zap.Bool("watcher", cfg.Watcher.Enabled),
		zap.Bool("api", cfg.API.Enabled),
	)

	if opts.once {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bot.Tick(ctx, opts.instruments))
	}
	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("bot stopped")
	return nil
}
