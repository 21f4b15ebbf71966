//
// Tencent is pleased to support the open source community by making promptwizard-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// promptwizard-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cursor-prompt/promptwizard-go/cache"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewStore(WithClientURL("redis://" + mr.Addr()))
	require.NoError(t, err)
	return store, mr
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore()
	assert.Error(t, err)

	_, err = NewStore(WithClientURL("://bad"))
	assert.Error(t, err)
}

func TestNewStoreWithClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	store, err := NewStore(WithClient(client))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestSetGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte(`{"a":1}`), time.Minute))
	v, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), v)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearOnlyTouchesPrefix(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	mr.Set("unrelated", "keep")

	require.NoError(t, store.Clear(ctx))

	_, ok, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("unrelated"))
}

func TestStoreSatisfiesRemote(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	c := cache.New(cache.WithRemote(store))
	c.Set(ctx, "fp", map[string]any{"content": "optimized"}, time.Minute)

	// A second process sharing the redis tier sees the entry.
	other := cache.New(cache.WithRemote(store))
	v, ok := other.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"content": "optimized"}, v)
}
