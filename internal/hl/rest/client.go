package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

type Options struct {
	BaseURL      string
	Timeout      time.Duration
	RateLimit    float64
	RateBurst    int
	MaxRetries   int
	RetryBackoff time.Duration
	// BreakerDelay is how long the circuit stays open after tripping.
	BreakerDelay time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the venue may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type Client struct {
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
	pipeline failsafe.Executor[[]byte]
	log      *zap.Logger
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.BreakerDelay <= 0 {
		opts.BreakerDelay = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	retryPolicy := retrypolicy.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return IsRetryable(err)
		}).
		WithBackoff(opts.RetryBackoff, 8*opts.RetryBackoff).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[[]byte]) {
			log.Debug("retrying info request", zap.Int("attempt", e.Attempts()), zap.Error(e.LastError()))
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[[]byte]().
		HandleIf(func(_ []byte, err error) bool {
			return IsRetryable(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(opts.BreakerDelay).
		OnOpen(func(circuitbreaker.StateChangedEvent) {
			log.Warn("info circuit breaker opened")
		}).
		Build()

	return &Client{
		baseURL:  opts.BaseURL,
		http:     &http.Client{Timeout: opts.Timeout},
		limiter:  rate.NewLimiter(limit, burst),
		pipeline: failsafe.With[[]byte](retryPolicy, breaker),
		log:      log,
	}
}

// IsRetryable reports transport failures, 5xx and 429 responses. Caller
// cancellation and other client errors are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	var syntaxErr *json.SyntaxError
	return !errors.As(err, &syntaxErr)
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

func (c *Client) Info(ctx context.Context, req interface{}) (map[string]any, error) {
	body, err := c.post(ctx, "/info", req)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// InfoRaw returns the undecoded /info body for callers that decode into
// their own types.
func (c *Client) InfoRaw(ctx context.Context, req interface{}) (json.RawMessage, error) {
	body, err := c.post(ctx, "/info", req)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, errors.New("info response is not valid json")
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, path string, req interface{}) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + path
	return c.pipeline.WithContext(ctx).Get(func() ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
		}
		return io.ReadAll(resp.Body)
	})
}
