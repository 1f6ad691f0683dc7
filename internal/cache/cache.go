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

// Package cache stores normalized upstream responses for idempotent
// connector operations.
//
// Entries are opaque byte slices with a TTL. Keys are built by the caller
// (see connector.Target.CacheKey) so that a whole connector or operation can
// be evicted by prefix after a mutating call.
package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Entry is a cached response.
type Entry struct {
	Value    []byte
	StoredAt time.Time
}

// Cache is a TTL key/value store with prefix invalidation.
type Cache interface {
	// Get returns the live entry for key. A missing or expired entry
	// reports false with a nil error.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes every entry whose key starts with prefix and
	// returns how many were removed.
	Invalidate(ctx context.Context, prefix string) (int, error)
}

// Event names reported to observers.
const (
	EventHit        = "hit"
	EventMiss       = "miss"
	EventStore      = "store"
	EventExpire     = "expire"
	EventInvalidate = "invalidate"
)

// Observer receives cache events, typically to feed metrics.
type Observer func(event string, n int)

// Stats counts cache events since creation.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Stores      uint64 `json:"stores"`
	Evictions   uint64 `json:"evictions"`
	Invalidated uint64 `json:"invalidated"`
}

// counters is embedded by the backends.
type counters struct {
	hits, misses, stores, evictions, invalidated atomic.Uint64
	observer                                     Observer
}

func (c *counters) record(event string, n int) {
	if n <= 0 {
		return
	}
	switch event {
	case EventHit:
		c.hits.Add(uint64(n))
	case EventMiss:
		c.misses.Add(uint64(n))
	case EventStore:
		c.stores.Add(uint64(n))
	case EventExpire:
		c.evictions.Add(uint64(n))
	case EventInvalidate:
		c.invalidated.Add(uint64(n))
	}
	if c.observer != nil {
		c.observer(event, n)
	}
}

// Stats returns a copy of the counters.
func (c *counters) Stats() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Stores:      c.stores.Load(),
		Evictions:   c.evictions.Load(),
		Invalidated: c.invalidated.Load(),
	}
}
