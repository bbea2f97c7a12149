package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const (
	defaultReconnectDelay = 2 * time.Second
	defaultPingInterval   = 30 * time.Second
)

var errNotConnected = errors.New("ws not connected")

// Handler receives every frame read from the stream.
type Handler func(json.RawMessage)

type Options struct {
	URL            string
	ReconnectDelay time.Duration
	// PingInterval < 0 disables keepalive pings.
	PingInterval time.Duration
}

type subscribeMsg struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription,omitempty"`
}

// AllMidsSubscription is the venue subscription for every mid price.
func AllMidsSubscription() any {
	return subscribeMsg{Method: "subscribe", Subscription: map[string]string{"type": "allMids"}}
}

var ping = subscribeMsg{Method: "ping"}

// Client keeps one websocket open and replays its subscriptions after
// every reconnect.
type Client struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	subs       []any
	reconnects int
}

func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Client{opts: opts, log: log.Named("ws")}
}

// Reconnects reports how many times Run re-dialed after a read failure.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Client) Connect(ctx context.Context) error {
	_, _, err := c.dial(ctx)
	return err
}

// Subscribe records sub for replay and sends it on the live connection.
func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return send(ctx, conn, sub)
}

func (c *Client) Close() error {
	return c.drop(websocket.StatusNormalClosure, "shutdown")
}

// Run reads until ctx ends. Failing to establish the first session is
// returned; later failures are logged and retried after ReconnectDelay.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	for attempt := 0; ; attempt++ {
		err := c.session(ctx, handler, attempt > 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == 0 && errors.Is(err, errDial) {
			return err
		}
		c.logEnd(err)
		_ = c.drop(websocket.StatusGoingAway, "reconnect")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

var errDial = errors.New("ws dial failed")

// session serves one connection: the read loop and the ping loop share
// its lifetime and the first of them to fail ends it.
func (c *Client) session(ctx context.Context, handler Handler, reconnect bool) error {
	conn, fresh, err := c.dial(ctx)
	if err != nil {
		return errors.Join(errDial, err)
	}
	if fresh {
		if err := c.replay(ctx, conn, reconnect); err != nil {
			return errors.Join(errDial, err)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			_, data, err := conn.Read(gctx)
			if err != nil {
				return err
			}
			if handler != nil {
				handler(data)
			}
		}
	})
	if c.opts.PingInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := send(gctx, conn, ping); err != nil {
						return err
					}
				}
			}
		})
	}
	return g.Wait()
}

// dial returns the live connection, dialing one if needed. fresh reports
// whether this call created it.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, false, nil
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, false, err
	}
	c.conn = conn
	return conn, true, nil
}

func (c *Client) replay(ctx context.Context, conn *websocket.Conn, reconnect bool) error {
	c.mu.Lock()
	subs := append([]any(nil), c.subs...)
	if reconnect {
		c.reconnects++
	}
	c.mu.Unlock()
	for _, sub := range subs {
		if err := send(ctx, conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) drop(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(code, reason)
}

func (c *Client) logEnd(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws session closed by peer")
		return
	}
	c.log.Warn("ws session ended", zap.Error(err))
}

func send(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
