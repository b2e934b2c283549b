// Package cache provides the small key/value caches used in front of policy and principal lookups.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a typed, TTL-bounded key/value cache. Implementations must be safe for concurrent use.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
}

// LRU is an in-process cache with a fixed capacity and per-entry expiry.
type LRU[V any] struct {
	lru *expirable.LRU[string, V]
}

// NewLRU creates an in-process cache holding at most capacity entries for ttl each.
func NewLRU[V any](capacity int, ttl time.Duration) *LRU[V] {
	return &LRU[V]{lru: expirable.NewLRU[string, V](capacity, nil, ttl)}
}

func (c *LRU[V]) Get(_ context.Context, key string) (V, bool) {
	return c.lru.Get(key)
}

func (c *LRU[V]) Set(_ context.Context, key string, value V) {
	c.lru.Add(key, value)
}

func (c *LRU[V]) Delete(_ context.Context, key string) {
	c.lru.Remove(key)
}

func (c *LRU[V]) Purge(_ context.Context) {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *LRU[V]) Len() int {
	return c.lru.Len()
}

// Nop never stores anything.
type Nop[V any] struct{}

func (Nop[V]) Get(context.Context, string) (V, bool) {
	var zero V
	return zero, false
}

func (Nop[V]) Set(context.Context, string, V) {}

func (Nop[V]) Delete(context.Context, string) {}

func (Nop[V]) Purge(context.Context) {}
