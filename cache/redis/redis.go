//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides the Redis-backed distributed cache tier.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "promptwizard:cache:"

// Options is the options for the redis cache tier.
type Options struct {
	url       string
	keyPrefix string
	client    redis.UniversalClient
}

// Option is the option for the redis cache tier.
type Option func(*Options)

// WithClientURL creates a redis client from URL and sets it to the store.
func WithClientURL(url string) Option {
	return func(opts *Options) {
		opts.url = url
	}
}

// WithClient uses an existing redis client.
// Note: WithClientURL has higher priority than WithClient.
// If both are specified, WithClientURL will be used.
func WithClient(client redis.UniversalClient) Option {
	return func(opts *Options) {
		opts.client = client
	}
}

// WithKeyPrefix namespaces all keys written by the store.
func WithKeyPrefix(prefix string) Option {
	return func(opts *Options) {
		if prefix != "" {
			opts.keyPrefix = prefix
		}
	}
}

// Store implements the distributed cache tier on Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewStore creates a redis-backed cache tier.
func NewStore(opts ...Option) (*Store, error) {
	options := Options{keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(&options)
	}
	client := options.client
	if options.url != "" {
		redisOpts, err := redis.ParseURL(options.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
	}
	if client == nil {
		return nil, fmt.Errorf("redis cache tier requires a client or url")
	}
	return &Store{client: client, keyPrefix: options.keyPrefix}, nil
}

// Get returns the value stored for key, reporting whether it exists.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return data, true, nil
}

// Set stores a value with the given ttl. A non-positive ttl stores the
// value without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every key under the store's prefix, scanning in
// batches so large keyspaces do not block the server.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
