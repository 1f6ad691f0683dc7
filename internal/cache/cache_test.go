// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// behaviour runs the contract shared by every backend. advance moves the
// backend's notion of time forward.
func behaviour(t *testing.T, c Cache, advance func(time.Duration)) {
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "sb:gmail:read:aaa")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, "sb:gmail:read:aaa", []byte(`{"id":1}`), time.Minute))
	require.NoError(t, c.Put(ctx, "sb:gmail:search:bbb", []byte(`[]`), time.Minute))
	require.NoError(t, c.Put(ctx, "sb:slack:list_channels:ccc", []byte(`[]`), time.Minute))

	e, ok, err := c.Get(ctx, "sb:gmail:read:aaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":1}`, string(e.Value))
	assert.False(t, e.StoredAt.IsZero())

	n, err := c.Invalidate(ctx, "sb:gmail:read:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ = c.Get(ctx, "sb:gmail:read:aaa")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "sb:gmail:search:bbb")
	assert.True(t, ok, "other operations survive")

	n, err = c.Invalidate(ctx, "sb:gmail:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ = c.Get(ctx, "sb:slack:list_channels:ccc")
	assert.True(t, ok, "other connectors survive")

	require.NoError(t, c.Put(ctx, "sb:slack:x:ddd", []byte(`1`), time.Second))
	advance(2 * time.Second)
	_, ok, err = c.Get(ctx, "sb:slack:x:ddd")
	require.NoError(t, err)
	assert.False(t, ok, "expired")

	require.NoError(t, c.Put(ctx, "sb:slack:x:eee", []byte(`1`), 0))
	_, ok, _ = c.Get(ctx, "sb:slack:x:eee")
	assert.False(t, ok, "zero ttl stores nothing")
}

func TestMemory(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	events := map[string]int{}
	m := NewMemory(
		WithMemoryClock(func() time.Time { return now }),
		WithMemoryObserver(func(ev string, n int) { events[ev] += n }),
	)
	behaviour(t, m, func(d time.Duration) { now = now.Add(d) })

	stats := m.Stats()
	assert.Equal(t, uint64(4), stats.Stores)
	assert.Equal(t, uint64(2), stats.Invalidated)
	assert.Equal(t, uint64(1), stats.Evictions)
	assert.Equal(t, int(stats.Hits), events[EventHit])
}

func TestMemory_Sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Put(ctx, "b", []byte("1"), time.Hour))
	now = now.Add(time.Minute)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())
}

func TestMemory_PutCopiesValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, m.Put(ctx, "k", buf, time.Minute))
	buf[0] = 'x'

	e, ok, _ := m.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(e.Value))
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := NewRedis(client, "test:", nil)
	behaviour(t, r, mr.FastForward)

	assert.True(t, mr.Exists("test:sb:slack:list_channels:ccc"))
	assert.Equal(t, uint64(2), r.Stats().Invalidated)
}

func TestRedis_PrefixIsLiteral(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	r := NewRedis(client, "", nil)
	require.NoError(t, r.Put(ctx, "sb:a*b:x", []byte("1"), time.Minute))
	require.NoError(t, r.Put(ctx, "sb:acb:x", []byte("1"), time.Minute))

	n, err := r.Invalidate(ctx, "sb:a*b:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok, _ := r.Get(ctx, "sb:acb:x")
	assert.True(t, ok)
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Dial(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	client.Close()

	_, err = Dial(context.Background(), "not a url")
	assert.Error(t, err)
}
