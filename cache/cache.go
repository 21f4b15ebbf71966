//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package cache provides a TTL + LRU key/value store with an optional
// distributed tier layered behind the local one.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cursor-prompt/promptwizard-go/log"
)

const (
	defaultMaxEntries = 1000
	defaultTTL        = time.Hour
)

// Remote is the distributed tier contract. Implementations must be
// safe for concurrent use. A nil Remote disables the tier.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

// Cache is a process-local LRU with per-entry TTL. Reads consult the
// local tier first, then the remote one; writes populate both.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	ll         *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
	hits       int64
	misses     int64
	evictions  int64

	remote Remote
	group  singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries bounds the local tier; least recently used entries are
// evicted beyond it.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets the default per-entry time to live.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRemote layers a distributed tier behind the local one.
func WithRemote(r Remote) Option {
	return func(c *Cache) { c.remote = r }
}

// New creates a cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*list.Element),
		ll:         list.New(),
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value stored for key, consulting the local tier then
// the remote one. Remote hits repopulate the local tier.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		if time.Now().Before(ent.expiresAt) {
			c.ll.MoveToFront(el)
			c.hits++
			value := ent.value
			c.mu.Unlock()
			return value, true
		}
		c.removeElement(el)
	}
	c.misses++
	c.mu.Unlock()

	if c.remote == nil {
		return nil, false
	}
	data, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		log.Warnf("distributed cache get failed for %q: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		log.Warnf("distributed cache entry for %q is malformed: %v", key, err)
		return nil, false
	}
	c.setLocal(key, value, c.ttl)
	return value, true
}

// Set stores a value in both tiers. A zero ttl uses the default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.setLocal(key, value, ttl)
	if c.remote == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		log.Warnf("value for %q is not serializable, skipping distributed write: %v", key, err)
		return
	}
	if err := c.remote.Set(ctx, key, data, ttl); err != nil {
		log.Warnf("distributed cache set failed for %q: %v", key, err)
	}
}

func (c *Cache) setLocal(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiresAt := time.Now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry)
		ent.value = value
		ent.expiresAt = expiresAt
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
	c.entries[key] = el
	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

// Delete removes a key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	c.mu.Unlock()
	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			log.Warnf("distributed cache delete failed for %q: %v", key, err)
		}
	}
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.ll.Init()
	c.mu.Unlock()
	if c.remote != nil {
		if err := c.remote.Clear(ctx); err != nil {
			log.Warnf("distributed cache clear failed: %v", err)
		}
	}
}

// GetOrCompute returns the cached value for key or runs producer to
// fill it. At most one producer runs concurrently per key; concurrent
// lookups of distinct keys proceed in parallel.
func (c *Cache) GetOrCompute(ctx context.Context, key string, producer func() (any, error)) (any, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight may have filled the key while this one queued.
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		v, err := producer()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, v, 0)
		return v, nil
	})
	return v, err
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.ll.Len(),
	}
}

// removeElement must be called with the mutex held.
func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
