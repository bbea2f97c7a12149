package timescale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-funding-arb/internal/config"
	"hl-funding-arb/internal/state"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	writeTimeout     = 5 * time.Second
	defaultQueueSize = 256
	defaultBatchSize = 32
	defaultFlush     = 2 * time.Second
)

// Evaluation is one watcher result for one instrument.
type Evaluation struct {
	Time        time.Time
	Instrument  string
	Action      string
	FundingRate float64
	PnLPercent  float64
	Error       string
}

// batcher is the slice of *pgxpool.Pool the writer needs.
type batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type row struct {
	sql  string
	args []any
}

// Writer mirrors trade records and watcher evaluations into TimescaleDB.
// Rows are queued without blocking and flushed in batches; a full queue
// drops the row. A nil Writer is a valid disabled mirror.
type Writer struct {
	db        batcher
	pool      *pgxpool.Pool
	log       *zap.Logger
	schema    string
	queue     chan row
	batchSize int
	flush     time.Duration
	started   atomic.Bool
	dropped   atomic.Uint64
	stop      context.CancelFunc
	done      chan struct{}
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("timescale dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	w := newWriter(pool, log, cfg)
	w.pool = pool
	if err := w.ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(db batcher, log *zap.Logger, cfg config.TimescaleConfig) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	w := &Writer{
		db:        db,
		log:       log.Named("timescale"),
		schema:    schema,
		queue:     make(chan row, positive(cfg.QueueSize, defaultQueueSize)),
		batchSize: positive(cfg.BatchSize, defaultBatchSize),
		flush:     cfg.FlushInterval,
		done:      make(chan struct{}),
	}
	if w.flush <= 0 {
		w.flush = defaultFlush
	}
	return w
}

func positive(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// Start runs the flush loop until ctx ends or Close is called. Pending rows
// get one final flush.
func (w *Writer) Start(ctx context.Context) {
	if w == nil || !w.started.CompareAndSwap(false, true) {
		return
	}
	ctx, w.stop = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if w.started.Load() {
		w.stop()
		<-w.done
	}
	if w.pool != nil {
		w.pool.Close()
	}
	return nil
}

// MirrorTrade queues rec for the trade_records table.
func (w *Writer) MirrorTrade(rec state.TradeRecord) {
	if w == nil {
		return
	}
	var extra any
	if len(rec.Extra) > 0 {
		if raw, err := json.Marshal(rec.Extra); err == nil {
			extra = string(raw)
		} else {
			w.log.Warn("trade extra encode failed", zap.String("trade_id", rec.TradeID), zap.Error(err))
		}
	}
	w.enqueue(row{
		sql: `INSERT INTO ` + w.table("trade_records") + ` (
			ts, trade_id, instrument, direction, spot_order_id, perp_order_id,
			spot_qty, perp_qty, notional_usd, leverage, hedge_factor, extra
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (ts, trade_id) DO NOTHING`,
		args: []any{
			rec.CreatedAt.UTC(), rec.TradeID, rec.Instrument, rec.Direction,
			rec.SpotOrderID, rec.PerpOrderID, rec.SpotQty, rec.PerpQty,
			rec.NotionalUSD, rec.Leverage, rec.HedgeFactor, extra,
		},
	})
}

func (w *Writer) EnqueueEvaluation(ev Evaluation) {
	if w == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	w.enqueue(row{
		sql: `INSERT INTO ` + w.table("watch_results") + ` (
			ts, instrument, action, funding_rate, pnl_percent, error
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		args: []any{ev.Time.UTC(), ev.Instrument, ev.Action, ev.FundingRate, ev.PnLPercent, ev.Error},
	})
}

// Dropped returns how many rows were discarded because the queue was full.
func (w *Writer) Dropped() uint64 {
	if w == nil {
		return 0
	}
	return w.dropped.Load()
}

func (w *Writer) enqueue(r row) {
	select {
	case w.queue <- r:
	default:
		if w.dropped.Add(1) == 1 {
			w.log.Warn("queue full, dropping rows")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.flush)
	defer ticker.Stop()
	pending := make([]row, 0, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case r := <-w.queue:
					pending = append(pending, r)
				default:
					drained = true
				}
			}
			w.send(context.Background(), pending)
			return
		case r := <-w.queue:
			pending = append(pending, r)
			if len(pending) >= w.batchSize {
				pending = w.send(ctx, pending)
			}
		case <-ticker.C:
			pending = w.send(ctx, pending)
		}
	}
}

// send writes rows in one round trip and returns the emptied buffer. Failed
// rows are logged and not retried.
func (w *Writer) send(ctx context.Context, rows []row) []row {
	if len(rows) == 0 {
		return rows
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(r.sql, r.args...)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	results := w.db.SendBatch(ctx, batch)
	failed := 0
	for range rows {
		if _, err := results.Exec(); err != nil {
			failed++
			if failed == 1 {
				w.log.Warn("row insert failed", zap.Error(err))
			}
		}
	}
	if err := results.Close(); err != nil && failed == 0 {
		w.log.Warn("batch close failed", zap.Error(err))
	}
	if failed > 0 {
		w.log.Warn("batch partially failed", zap.Int("rows", len(rows)), zap.Int("failed", failed))
	}
	return rows[:0]
}

func (w *Writer) ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if w.schema != "public" {
		if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{w.schema}.Sanitize()); err != nil {
			return err
		}
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS ` + w.table("trade_records") + ` (
			ts TIMESTAMPTZ NOT NULL,
			trade_id TEXT NOT NULL,
			instrument TEXT NOT NULL,
			direction TEXT NOT NULL,
			spot_order_id TEXT NOT NULL DEFAULT '',
			perp_order_id TEXT NOT NULL DEFAULT '',
			spot_qty DOUBLE PRECISION NOT NULL,
			perp_qty DOUBLE PRECISION NOT NULL,
			notional_usd DOUBLE PRECISION NOT NULL,
			leverage DOUBLE PRECISION NOT NULL,
			hedge_factor DOUBLE PRECISION NOT NULL,
			extra JSONB,
			PRIMARY KEY (ts, trade_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + w.table("watch_results") + ` (
			ts TIMESTAMPTZ NOT NULL,
			instrument TEXT NOT NULL,
			action TEXT NOT NULL,
			funding_rate DOUBLE PRECISION NOT NULL,
			pnl_percent DOUBLE PRECISION NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, ddl := range tables {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	// Plain Postgres works without the extension; hypertables are a bonus.
	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescaledb extension unavailable", zap.Error(err))
		return nil
	}
	for _, name := range []string{"trade_records", "watch_results"} {
		stmt := fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))
		if _, err := pool.Exec(ctx, stmt); err != nil {
			w.log.Warn("hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) table(name string) string {
	return pgx.Identifier{w.schema, name}.Sanitize()
}
