package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key so several deployments can share a server.
	Prefix string
}

type Store struct {
	client *goredis.Client
	prefix string
}

func New(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

func NewWithClient(client *goredis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	iter := s.client.Scan(ctx, 0, escapeGlob(s.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		val, err := s.client.Get(ctx, fullKey).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		out[strings.TrimPrefix(fullKey, s.prefix)] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func escapeGlob(pattern string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(pattern)
}
