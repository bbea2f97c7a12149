package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// number accepts the venue's decimal strings as well as bare JSON numbers.
// Empty strings and null decode to zero.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = number(f)
	return nil
}

type perpMeta struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
		IsDelisted bool   `json:"isDelisted"`
	} `json:"universe"`
	AssetCtxs []perpAssetCtx `json:"assetCtxs"`
}

type perpAssetCtx struct {
	Funding   number   `json:"funding"`
	Premium   number   `json:"premium"`
	OraclePx  number   `json:"oraclePx"`
	MarkPx    number   `json:"markPx"`
	MidPx     number   `json:"midPx"`
	ImpactPxs []number `json:"impactPxs"`
}

type spotMeta struct {
	Universe []struct {
		Name   string `json:"name"`
		Index  int    `json:"index"`
		Tokens []int  `json:"tokens"`
	} `json:"universe"`
	Tokens []struct {
		Name       string `json:"name"`
		Index      int    `json:"index"`
		SzDecimals *int   `json:"szDecimals"`
	} `json:"tokens"`
}

type spotAssetCtx struct {
	Coin   string `json:"coin"`
	MidPx  number `json:"midPx"`
	MarkPx number `json:"markPx"`
}

// splitPair decodes the [meta, ctxs] tuple the venue returns for the
// *AndAssetCtxs requests. A bare object is treated as meta alone.
func splitPair(raw json.RawMessage, meta, ctxs any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return errors.New("empty info response")
	}
	if trimmed[0] != '[' {
		return json.Unmarshal(trimmed, meta)
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(trimmed, &pair); err != nil {
		return err
	}
	if len(pair) == 0 {
		return errors.New("empty info tuple")
	}
	if err := json.Unmarshal(pair[0], meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}
	if len(pair) > 1 {
		if err := json.Unmarshal(pair[1], ctxs); err != nil {
			return fmt.Errorf("decode asset contexts: %w", err)
		}
	}
	return nil
}

func parsePerpContexts(raw json.RawMessage) (map[string]PerpContext, error) {
	var meta perpMeta
	var ctxs []perpAssetCtx
	if err := splitPair(raw, &meta, &ctxs); err != nil {
		return nil, err
	}
	if len(ctxs) == 0 {
		ctxs = meta.AssetCtxs
	}
	if len(meta.Universe) == 0 || len(ctxs) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe or asset contexts")
	}
	out := make(map[string]PerpContext, len(meta.Universe))
	// The asset id of a perp is its position in the universe.
	for i, asset := range meta.Universe {
		name := strings.TrimSpace(asset.Name)
		if name == "" || asset.IsDelisted || i >= len(ctxs) {
			continue
		}
		c := ctxs[i]
		bid, ask := impactPrices(c.ImpactPxs)
		out[name] = PerpContext{
			Name:        name,
			Index:       i,
			FundingRate: float64(c.Funding),
			Premium:     float64(c.Premium),
			OraclePrice: float64(c.OraclePx),
			MarkPrice:   float64(c.MarkPx),
			MidPrice:    float64(c.MidPx),
			ImpactBid:   bid,
			ImpactAsk:   ask,
			SzDecimals:  asset.SzDecimals,
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return out, nil
}

func impactPrices(pxs []number) (bid, ask float64) {
	if len(pxs) < 2 {
		return 0, 0
	}
	return float64(pxs[0]), float64(pxs[1])
}

// parseSpotContexts indexes each pair by its display symbol, its raw venue
// name and, when unclaimed, its base token.
func parseSpotContexts(raw json.RawMessage) (map[string]SpotContext, error) {
	var meta spotMeta
	var ctxs []spotAssetCtx
	if err := splitPair(raw, &meta, &ctxs); err != nil {
		return nil, err
	}
	if len(meta.Universe) == 0 {
		return nil, errors.New("spot meta missing universe")
	}
	type token struct {
		name       string
		szDecimals int
	}
	tokens := make(map[int]token, len(meta.Tokens))
	for _, t := range meta.Tokens {
		dec := -1
		if t.SzDecimals != nil {
			dec = *t.SzDecimals
		}
		tokens[t.Index] = token{name: t.Name, szDecimals: dec}
	}
	byCoin := make(map[string]spotAssetCtx, len(ctxs))
	for _, c := range ctxs {
		byCoin[c.Coin] = c
	}

	out := make(map[string]SpotContext)
	for i, pair := range meta.Universe {
		rawName := strings.TrimSpace(pair.Name)
		sc := SpotContext{Index: pair.Index, RawName: rawName, BaseSzDecimals: -1, QuoteSzDecimals: -1}
		if len(pair.Tokens) >= 2 {
			base, quote := tokens[pair.Tokens[0]], tokens[pair.Tokens[1]]
			sc.Base, sc.BaseSzDecimals = base.name, base.szDecimals
			sc.Quote, sc.QuoteSzDecimals = quote.name, quote.szDecimals
		}
		switch {
		case rawName != "" && !strings.HasPrefix(rawName, "@"):
			sc.Symbol = rawName
		case sc.Base != "" && sc.Quote != "":
			sc.Symbol = sc.Base + "/" + sc.Quote
		default:
			sc.Symbol = rawName
		}
		if sc.Symbol == "" {
			continue
		}
		sc.MidKey = rawName
		if sc.MidKey == "" {
			sc.MidKey = sc.Symbol
		}
		c, ok := byCoin[sc.MidKey]
		if !ok && i < len(ctxs) && ctxs[i].Coin == "" {
			c, ok = ctxs[i], true
		}
		if ok {
			sc.MidPrice = float64(c.MidPx)
			sc.MarkPrice = float64(c.MarkPx)
		}

		out[sc.Symbol] = sc
		if rawName != "" {
			out[rawName] = sc
		}
		if _, taken := out[sc.Base]; sc.Base != "" && !taken {
			out[sc.Base] = sc
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no spot contexts parsed")
	}
	return out, nil
}

func parseFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
