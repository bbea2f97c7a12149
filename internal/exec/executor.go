package exec

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/hl/exchange"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/metrics"
	"hl-funding-arb/internal/state"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
)

const cloidKeyPrefix = "cloid:"

type Venue interface {
	PlaceOrders(ctx context.Context, orders []exchange.OrderWire) ([]exchange.OrderStatus, error)
}

type AssetResolver interface {
	PerpAssetID(coin string) (int, bool)
	SpotAssetID(symbol string) (int, bool)
}

type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

type Executor struct {
	venue   Venue
	assets  AssetResolver
	store   state.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	retry   failsafe.Executor[[]exchange.OrderStatus]

	mu    sync.Mutex
	cache map[string]Status
}

func New(venue Venue, assets AssetResolver, store state.Store, log *zap.Logger, m *metrics.Metrics, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	policy := retrypolicy.NewBuilder[[]exchange.OrderStatus]().
		HandleIf(func(_ []exchange.OrderStatus, err error) bool {
			return retryable(err)
		}).
		WithBackoff(opts.RetryBackoff, 16*opts.RetryBackoff).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()
	return &Executor{
		venue:   venue,
		assets:  assets,
		store:   store,
		log:     log,
		metrics: metrics.OrDefault(m),
		retry:   failsafe.With[[]exchange.OrderStatus](policy),
		cache:   make(map[string]Status),
	}
}

// SubmitOrders sends all orders as one signed batch and returns one Status
// per order in input order. Orders whose cloid already succeeded are answered
// from the cache without resubmitting. A returned error means the batch did
// not reach the venue; per-leg rejections are reported in the statuses.
func (e *Executor) SubmitOrders(ctx context.Context, orders []Order) ([]Status, error) {
	if len(orders) == 0 {
		return nil, errs.New(errs.InvalidParameter, "exec.submit", "no orders to submit")
	}
	out := make([]Status, len(orders))
	pendingIdx := make([]int, 0, len(orders))
	wires := make([]exchange.OrderWire, 0, len(orders))
	for i := range orders {
		order := orders[i]
		if err := order.Validate(); err != nil {
			return nil, err
		}
		if order.ClientOrderID == "" {
			order.ClientOrderID = NewClientOrderID()
			orders[i].ClientOrderID = order.ClientOrderID
		}
		if cached, ok, err := e.cached(ctx, order.ClientOrderID); err != nil {
			return nil, errs.Wrap(errs.PersistenceFailure, "exec.submit", err).WithOrderID(order.ClientOrderID)
		} else if ok {
			out[i] = cached
			continue
		}
		wire, err := e.wire(order)
		if err != nil {
			return nil, err
		}
		pendingIdx = append(pendingIdx, i)
		wires = append(wires, wire)
	}
	if len(wires) == 0 {
		return out, nil
	}

	venueStatuses, err := e.retry.WithContext(ctx).Get(func() ([]exchange.OrderStatus, error) {
		return e.venue.PlaceOrders(ctx, wires)
	})
	if err != nil {
		for range wires {
			e.metrics.OrdersFailed.Inc()
		}
		e.log.Warn("order batch failed", zap.Int("orders", len(wires)), zap.Error(err))
		return nil, errs.Wrap(errs.VenueRejected, "exec.submit", err).WithInstrument(orders[pendingIdx[0]].Instrument)
	}
	for j, idx := range pendingIdx {
		order := orders[idx]
		status := Status{ClientOrderID: order.ClientOrderID}
		if j < len(venueStatuses) {
			vs := venueStatuses[j]
			status.RestingID = vs.RestingID
			status.FilledID = vs.FilledID
			status.FilledSize = vs.TotalSz
			status.AvgPrice = vs.AvgPx
			status.Err = vs.Error
		} else {
			status.Err = "missing order status"
		}
		out[idx] = status
		if !status.OK() {
			e.metrics.OrdersFailed.Inc()
			e.log.Warn("order rejected",
				zap.String("instrument", order.Instrument),
				zap.String("leg", string(order.Leg)),
				zap.String("cloid", order.ClientOrderID),
				zap.String("error", status.Err),
			)
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		e.remember(ctx, status)
		e.log.Info("order accepted",
			zap.String("instrument", order.Instrument),
			zap.String("leg", string(order.Leg)),
			zap.Bool("buy", order.IsBuy),
			zap.String("size", order.Size.String()),
			zap.String("price", order.Price.String()),
			zap.String("oid", status.OrderID()),
		)
	}
	return out, nil
}

// retryable excludes whole-action rejections; the venue already decided.
func retryable(err error) bool {
	var actionErr *exchange.ActionError
	if errors.As(err, &actionErr) {
		return false
	}
	return rest.IsRetryable(err)
}

func (e *Executor) wire(order Order) (exchange.OrderWire, error) {
	var (
		asset int
		ok    bool
	)
	if e.assets != nil {
		if order.Leg == LegSpot {
			asset, ok = e.assets.SpotAssetID(order.Instrument)
		} else {
			asset, ok = e.assets.PerpAssetID(order.Instrument)
		}
	}
	if !ok {
		return exchange.OrderWire{}, errs.New(errs.SignalUnavailable, "exec.resolve", "no %s asset id", order.Leg).WithInstrument(order.Instrument)
	}
	tif, _ := order.Tif.wire()
	wire, err := exchange.LimitOrderWire(asset, order.IsBuy, order.Size, order.Price, order.ReduceOnly, tif, order.ClientOrderID)
	if err != nil {
		return exchange.OrderWire{}, errs.Wrap(errs.InvalidParameter, "exec.wire", err).WithInstrument(order.Instrument)
	}
	return wire, nil
}

func (e *Executor) cached(ctx context.Context, cloid string) (Status, bool, error) {
	key := cloidKeyPrefix + cloid
	e.mu.Lock()
	if st, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return st, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return Status{}, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return Status{}, false, err
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return Status{}, false, err
	}
	e.mu.Lock()
	e.cache[key] = st
	e.mu.Unlock()
	return st, true, nil
}

func (e *Executor) remember(ctx context.Context, st Status) {
	key := cloidKeyPrefix + st.ClientOrderID
	e.mu.Lock()
	e.cache[key] = st
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, key, string(payload)); err != nil {
		e.log.Warn("failed to persist order status", zap.String("cloid", st.ClientOrderID), zap.Error(err))
	}
}
