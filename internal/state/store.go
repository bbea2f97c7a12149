package state

import "context"

// Store is the key/value contract every state backend implements. Values are
// opaque strings and a Set replaces the previous value outright, so
// concurrent writers to one key resolve as last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ TradeLog = (*MemoryTradeLog)(nil)
)
