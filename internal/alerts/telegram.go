package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"hl-funding-arb/internal/config"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	telegramAPI = "https://api.telegram.org"
	// sendMessage rejects longer texts.
	maxMessageRunes = 4096
	maxRetryAfter   = 30 * time.Second
)

// Notifier delivers operator alerts.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Telegram posts alerts to one chat through the Bot API. Sends are paced to
// one per second and a flood-wait answer is retried after the advertised delay.
type Telegram struct {
	endpoint string
	chatID   string
	http     *http.Client
	limiter  *rate.Limiter
	retry    failsafe.Executor[any]
	log      *zap.Logger
}

// NewTelegram returns nil when alerts are disabled; a nil *Telegram is a
// valid no-op Notifier.
func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	if !cfg.Enabled {
		return nil
	}
	return newTelegram(cfg, log, telegramAPI, nil)
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, api string, client *http.Client) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			var apiErr *botError
			return errors.As(err, &apiErr) && apiErr.retryAfter > 0
		}).
		WithMaxRetries(2).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[any]) time.Duration {
			var apiErr *botError
			if errors.As(exec.LastError(), &apiErr) {
				return min(apiErr.retryAfter, maxRetryAfter)
			}
			return time.Second
		}).
		ReturnLastFailure().
		Build()
	return &Telegram{
		endpoint: fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(api, "/"), strings.TrimSpace(cfg.Token)),
		chatID:   strings.TrimSpace(cfg.ChatID),
		http:     client,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 1),
		retry:    failsafe.With[any](policy),
		log:      log.Named("telegram"),
	}
}

type botError struct {
	status      int
	description string
	retryAfter  time.Duration
}

func (e *botError) Error() string {
	return fmt.Sprintf("telegram send failed: http %d: %s", e.status, e.description)
}

// Send posts message to the configured chat.
func (t *Telegram) Send(ctx context.Context, message string) error {
	if t == nil {
		return nil
	}
	if strings.HasSuffix(t.endpoint, "/bot/sendMessage") || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("telegram message is empty")
	}
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     truncateRunes(message, maxMessageRunes),
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	err = t.retry.WithContext(ctx).Run(func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		return t.post(ctx, body)
	})
	if err != nil {
		return err
	}
	t.log.Debug("alert sent", zap.Int("chars", utf8.RuneCountInString(message)))
	return nil
}

func (t *Telegram) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 == 2 && (decodeErr != nil || out.OK) {
		return nil
	}
	desc := strings.TrimSpace(out.Description)
	if desc == "" {
		desc = http.StatusText(resp.StatusCode)
	}
	return &botError{
		status:      resp.StatusCode,
		description: desc,
		retryAfter:  time.Duration(out.Parameters.RetryAfter) * time.Second,
	}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
