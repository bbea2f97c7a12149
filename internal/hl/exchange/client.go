package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hl-funding-arb/internal/hl/rest"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.hyperliquid.xyz"

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	VaultAddress string
}

// Client posts signed actions to the /exchange endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
	vault   *common.Address
	nonces  nonces
	log     *zap.Logger
}

func NewClient(opts Options, signer *Signer, log *zap.Logger) (*Client, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: opts.Timeout},
		signer:  signer,
		log:     log.Named("exchange"),
	}
	if v := strings.TrimSpace(opts.VaultAddress); v != "" {
		addr := common.HexToAddress(v)
		c.vault = &addr
	}
	c.nonces.log = c.log
	return c, nil
}

// PlaceOrders signs every order into one "order" action so both legs of a
// hedge share a nonce and reach the matching engine together.
func (c *Client) PlaceOrders(ctx context.Context, orders []OrderWire) ([]OrderStatus, error) {
	if len(orders) == 0 {
		return nil, errors.New("at least one order is required")
	}
	action := OrderAction{Type: "order", Orders: orders, Grouping: groupingNone}
	nonce := c.nonces.next()
	sig, err := c.signer.SignOrderAction(action, nonce, c.vault)
	if err != nil {
		return nil, err
	}
	body := signedAction{Action: action, Nonce: nonce, Signature: sig}
	if c.vault != nil {
		hex := c.vault.Hex()
		body.VaultAddress = &hex
	}
	resp, err := c.postExchange(ctx, body)
	if err != nil {
		return nil, err
	}
	statuses, err := ParseOrderStatuses(resp)
	if err != nil {
		return nil, err
	}
	if len(statuses) != len(orders) {
		return nil, fmt.Errorf("expected %d order statuses, got %d", len(orders), len(statuses))
	}
	return statuses, nil
}

// InitNonceStore restores the last persisted nonce for this signer, vault
// and endpoint, and persists every nonce issued afterwards.
func (c *Client) InitNonceStore(ctx context.Context, store NonceStore) error {
	if store == nil {
		return nil
	}
	return c.nonces.restore(ctx, store, c.nonceKey())
}

func (c *Client) NonceState() (NonceState, bool) {
	return c.nonces.state()
}

func (c *Client) nonceKey() string {
	vault := "none"
	if c.vault != nil {
		vault = strings.ToLower(c.vault.Hex())
	}
	return strings.Join([]string{
		"exchange:nonce",
		strings.ToLower(c.baseURL),
		strings.ToLower(c.signer.Address().Hex()),
		vault,
	}, ":")
}

func (c *Client) postExchange(ctx context.Context, body signedAction) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/exchange", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		c.log.Warn("exchange request failed", zap.Int("status", resp.StatusCode), zap.Uint64("nonce", body.Nonce))
		return nil, &rest.StatusError{Code: resp.StatusCode, Body: string(snippet)}
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	return out, nil
}
