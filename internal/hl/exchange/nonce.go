package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NonceStore persists the last used nonce across restarts.
type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

// nonces hands out strictly increasing millisecond nonces and writes each
// one through to the store when one is attached.
type nonces struct {
	mu        sync.Mutex
	last      uint64
	persisted uint64
	store     NonceStore
	key       string
	warned    bool
	now       func() time.Time
	log       *zap.Logger
}

func (n *nonces) next() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	next := n.clock()
	if next <= n.last {
		next = n.last + 1
	}
	n.last = next
	n.persist(next)
	return next
}

// restore seeds the counter from the store and attaches it.
func (n *nonces) restore(ctx context.Context, store NonceStore, key string) error {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	seed := n.clock()
	if ok {
		stored, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		seed = max(seed, stored)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	seed = max(seed, n.last)
	n.store, n.key = store, key
	n.last, n.persisted = seed, seed
	return nil
}

func (n *nonces) state() (NonceState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.store == nil {
		return NonceState{}, false
	}
	return NonceState{Key: n.key, Last: n.last, Persisted: n.persisted}, true
}

func (n *nonces) persist(nonce uint64) {
	if n.store == nil || nonce <= n.persisted {
		return
	}
	if err := n.store.Set(context.Background(), n.key, strconv.FormatUint(nonce, 10)); err != nil {
		if !n.warned && n.log != nil {
			n.log.Warn("nonce persistence failed", zap.String("nonce_key", n.key), zap.Error(err))
		}
		n.warned = true
		return
	}
	n.persisted = nonce
	n.warned = false
}

func (n *nonces) clock() uint64 {
	if n.now != nil {
		return uint64(n.now().UnixMilli())
	}
	return uint64(time.Now().UnixMilli())
}
