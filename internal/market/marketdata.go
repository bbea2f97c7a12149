package market

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/hl/rest"
	"hl-funding-arb/internal/hl/ws"

	"go.uber.org/zap"
)

const (
	spotAssetOffset      = 10000
	defaultRefreshWindow = 30 * time.Second
	defaultQuote         = "USDC"
)

type InfoClient interface {
	Info(ctx context.Context, req interface{}) (map[string]any, error)
	InfoRaw(ctx context.Context, req interface{}) (json.RawMessage, error)
}

type PerpContext struct {
	Name        string
	Index       int
	FundingRate float64
	Premium     float64
	OraclePrice float64
	MarkPrice   float64
	MidPrice    float64
	ImpactBid   float64
	ImpactAsk   float64
	SzDecimals  int
}

type SpotContext struct {
	Symbol          string
	Base            string
	Quote           string
	Index           int
	BaseSzDecimals  int
	QuoteSzDecimals int
	RawName         string
	MidKey          string
	MidPrice        float64
	MarkPrice       float64
}

type Config struct {
	RefreshWindow time.Duration
	// SpotSymbols maps a perp coin to the spot pair hedging it, e.g. BTC -> UBTC/USDC.
	SpotSymbols map[string]string
	// DisableSpot marks every spot leg unavailable.
	DisableSpot bool
}

type MarketData struct {
	rest InfoClient
	ws   *ws.Client
	log  *zap.Logger
	cfg  Config

	mu             sync.RWMutex
	midPrices      map[string]float64
	perpCtx        map[string]PerpContext
	spotCtx        map[string]SpotContext
	lastCtxRefresh time.Time
}

func New(restClient InfoClient, wsClient *ws.Client, log *zap.Logger, cfg Config) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = defaultRefreshWindow
	}
	return &MarketData{
		rest:      restClient,
		ws:        wsClient,
		log:       log,
		cfg:       cfg,
		midPrices: make(map[string]float64),
		perpCtx:   make(map[string]PerpContext),
		spotCtx:   make(map[string]SpotContext),
	}
}

// Start subscribes to the allMids stream to keep the mid cache warm.
func (m *MarketData) Start(ctx context.Context) error {
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	if err := m.ws.Subscribe(ctx, ws.AllMidsSubscription()); err != nil {
		return err
	}
	if err := m.RefreshContexts(ctx); err != nil {
		m.log.Warn("context refresh failed", zap.Error(err))
	}
	go func() {
		if err := m.ws.Run(ctx, m.handleMessage); err != nil && ctx.Err() == nil {
			m.log.Warn("mids stream stopped", zap.Error(err))
		}
	}()
	return nil
}

func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return errs.New(errs.SignalUnavailable, "market.refresh", "info client is not configured")
	}
	if !m.shouldRefresh() {
		return nil
	}
	perpResp, err := m.rest.InfoRaw(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return errs.Wrap(errs.SignalUnavailable, "market.refresh", err)
	}
	perpCtx, err := parsePerpContexts(perpResp)
	if err != nil {
		return errs.Wrap(errs.SignalUnavailable, "market.refresh", err)
	}
	var spotCtx map[string]SpotContext
	if !m.cfg.DisableSpot {
		spotCtx, err = m.fetchSpotContexts(ctx)
		if err != nil {
			// Perp signals stay usable without the spot universe.
			m.log.Warn("spot context refresh failed", zap.Error(err))
		}
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	if spotCtx != nil {
		m.spotCtx = spotCtx
	}
	m.lastCtxRefresh = time.Now().UTC()
	for name, pc := range perpCtx {
		if pc.MidPrice > 0 {
			m.midPrices[name] = pc.MidPrice
		}
	}
	for _, sc := range spotCtx {
		if sc.MidPrice > 0 && sc.MidKey != "" {
			m.midPrices[sc.MidKey] = sc.MidPrice
		}
	}
	m.mu.Unlock()
	return nil
}

func (m *MarketData) fetchSpotContexts(ctx context.Context) (map[string]SpotContext, error) {
	spotResp, err := m.rest.InfoRaw(ctx, rest.InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err != nil {
		spotResp, err = m.rest.InfoRaw(ctx, rest.InfoRequest{Type: "spotMeta"})
		if err != nil {
			return nil, err
		}
	}
	return parseSpotContexts(spotResp)
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.cfg.RefreshWindow
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= window
}

// FundingSignal fails with SignalUnavailable for instruments the venue does not list.
func (m *MarketData) FundingSignal(ctx context.Context, coin string) (FundingSignal, error) {
	if err := m.RefreshContexts(ctx); err != nil {
		return FundingSignal{}, err
	}
	return m.signalFor(coin)
}

// MarketsSnapshot returns one signal per coin in order, or every listed perp
// sorted by name when coins is empty.
func (m *MarketData) MarketsSnapshot(ctx context.Context, coins []string) ([]FundingSignal, error) {
	if err := m.RefreshContexts(ctx); err != nil {
		return nil, err
	}
	if len(coins) == 0 {
		m.mu.RLock()
		for name := range m.perpCtx {
			coins = append(coins, name)
		}
		m.mu.RUnlock()
		sort.Strings(coins)
	}
	out := make([]FundingSignal, 0, len(coins))
	for _, coin := range coins {
		sig, err := m.signalFor(coin)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

func (m *MarketData) signalFor(coin string) (FundingSignal, error) {
	pc, ok := m.PerpContext(coin)
	if !ok {
		return FundingSignal{}, errs.New(errs.SignalUnavailable, "market.signal", "instrument is not listed").WithInstrument(coin)
	}
	if pc.MarkPrice <= 0 {
		return FundingSignal{}, errs.New(errs.SignalUnavailable, "market.signal", "mark price missing").WithInstrument(pc.Name)
	}
	mid := pc.MidPrice
	if mid <= 0 {
		m.mu.RLock()
		mid = m.midPrices[pc.Name]
		m.mu.RUnlock()
	}
	return FundingSignal{
		Instrument:    pc.Name,
		AssetID:       pc.Index,
		FundingRate:   pc.FundingRate,
		Premium:       pc.Premium,
		Direction:     DirectionFor(pc.FundingRate),
		SizePrecision: clampPrecision(pc.SzDecimals),
		MarkPrice:     pc.MarkPrice,
		OraclePrice:   pc.OraclePrice,
		MidPrice:      mid,
		ImpactBid:     pc.ImpactBid,
		ImpactAsk:     pc.ImpactAsk,
	}, nil
}

func (m *MarketData) Mid(ctx context.Context, coin string) (float64, error) {
	m.mu.RLock()
	price, ok := m.midPrices[coin]
	m.mu.RUnlock()
	if ok && price > 0 {
		return price, nil
	}
	if m.rest == nil {
		return 0, errs.New(errs.SignalUnavailable, "market.mid", "info client is not configured").WithInstrument(coin)
	}
	resp, err := m.rest.Info(ctx, rest.InfoRequest{Type: "allMids"})
	if err != nil {
		return 0, errs.Wrap(errs.SignalUnavailable, "market.mid", err).WithInstrument(coin)
	}
	m.updateMids(resp)
	m.mu.RLock()
	price, ok = m.midPrices[coin]
	m.mu.RUnlock()
	if !ok || price <= 0 {
		return 0, errs.New(errs.SignalUnavailable, "market.mid", "mid price not found").WithInstrument(coin)
	}
	return price, nil
}

// SpotLeg resolves the spot hedge for a perp coin. Only a failed context
// refresh is an error; a missing market is reported in the result.
func (m *MarketData) SpotLeg(ctx context.Context, coin string) (SpotLeg, error) {
	if m.cfg.DisableSpot {
		return SpotLeg{Reason: "spot trading disabled"}, nil
	}
	if err := m.RefreshContexts(ctx); err != nil {
		return SpotLeg{}, err
	}
	sc, ok := m.resolveSpot(coin)
	if !ok {
		return SpotLeg{Reason: "no spot market for " + coin}, nil
	}
	mid := sc.MidPrice
	if mid <= 0 && sc.MidKey != "" {
		if price, err := m.Mid(ctx, sc.MidKey); err == nil {
			mid = price
		}
	}
	if mid <= 0 {
		mid = sc.MarkPrice
	}
	if mid <= 0 {
		return SpotLeg{Symbol: sc.Symbol, Reason: "no spot price for " + sc.Symbol}, nil
	}
	return SpotLeg{
		Available:     true,
		Symbol:        sc.Symbol,
		AssetID:       spotAssetOffset + sc.Index,
		SizePrecision: clampPrecision(sc.BaseSzDecimals),
		MidPrice:      mid,
	}, nil
}

func (m *MarketData) resolveSpot(coin string) (SpotContext, bool) {
	candidates := make([]string, 0, 3)
	if override, ok := m.cfg.SpotSymbols[coin]; ok && override != "" {
		candidates = append(candidates, override)
	}
	if strings.Contains(coin, "/") {
		candidates = append(candidates, coin)
	} else {
		candidates = append(candidates, coin+"/"+defaultQuote, coin)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range candidates {
		if sc, ok := m.spotCtx[key]; ok && (sc.Quote == "" || sc.Quote == defaultQuote) {
			return sc, true
		}
	}
	return SpotContext{}, false
}

func (m *MarketData) SpotContext(symbol string) (SpotContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.spotCtx[symbol]
	return sc, ok
}

// PerpContext matches the venue name exactly, then case-insensitively.
func (m *MarketData) PerpContext(coin string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pc, ok := m.perpCtx[coin]; ok {
		return pc, true
	}
	for name, pc := range m.perpCtx {
		if strings.EqualFold(name, coin) {
			return pc, true
		}
	}
	return PerpContext{}, false
}

func (m *MarketData) PerpAssetID(coin string) (int, bool) {
	pc, ok := m.PerpContext(coin)
	if !ok {
		return 0, false
	}
	return pc.Index, true
}

func (m *MarketData) SpotAssetID(symbol string) (int, bool) {
	m.mu.RLock()
	sc, ok := m.spotCtx[symbol]
	if !ok && !strings.Contains(symbol, "/") {
		sc, ok = m.spotCtx[symbol+"/"+defaultQuote]
	}
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return spotAssetOffset + sc.Index, true
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	if channel, _ := payload["channel"].(string); channel != "" && channel != "allMids" {
		return
	}
	m.updateMids(payload)
}

func (m *MarketData) updateMids(payload map[string]any) {
	var mids map[string]any
	if data, ok := payload["data"].(map[string]any); ok {
		if raw, ok := data["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		if raw, ok := payload["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		// /info allMids returns a flat map of symbol -> mid.
		if _, hasData := payload["data"]; !hasData {
			if _, hasChannel := payload["channel"]; !hasChannel {
				mids = payload
			}
		}
	}
	if mids == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for asset, v := range mids {
		if f, ok := parseFloat(v); ok {
			m.midPrices[asset] = f
		}
	}
}
