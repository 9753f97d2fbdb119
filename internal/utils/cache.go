package utils

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TTLCache is a size bounded cache whose entries expire after a fixed ttl.
type TTLCache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

func NewTTLCache[K comparable, V any](size int, ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{lru: expirable.NewLRU[K, V](size, nil, ttl)}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

func (c *TTLCache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// GetOrFetch returns the cached value of key, calling fetch and caching its
// result on miss. Errors are not cached.
func (c *TTLCache[K, V]) GetOrFetch(
	ctx context.Context, key K, fetch func(ctx context.Context) (V, error),
) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		return v, err
	}
	c.lru.Add(key, v)
	return v, nil
}
