package state

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is a process-local Store used for dry runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]string{}}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]string{}
	}
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// MemoryTradeLog is the in-process TradeLog counterpart of MemoryStore.
type MemoryTradeLog struct {
	mu     sync.RWMutex
	byID   map[string]struct{}
	trades []TradeRecord
}

func NewMemoryTradeLog() *MemoryTradeLog {
	return &MemoryTradeLog{byID: map[string]struct{}{}}
}

func (m *MemoryTradeLog) Append(_ context.Context, rec TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byID == nil {
		m.byID = map[string]struct{}{}
	}
	if _, dup := m.byID[rec.TradeID]; dup {
		return ErrDuplicateTrade
	}
	m.byID[rec.TradeID] = struct{}{}
	m.trades = append(m.trades, rec)
	return nil
}

// List orders newest first; records sharing a timestamp keep reverse insertion order.
func (m *MemoryTradeLog) List(_ context.Context, limit int) ([]TradeRecord, error) {
	m.mu.RLock()
	out := append(make([]TradeRecord, 0, len(m.trades)), m.trades...)
	m.mu.RUnlock()
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b TradeRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
