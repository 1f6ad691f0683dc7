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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const scanBatch = 100

// Redis is a Cache shared between engine instances.
type Redis struct {
	counters
	client    *redis.Client
	namespace string
	now       func() time.Time
}

// redisEntry is the stored form of an Entry.
type redisEntry struct {
	Value    []byte    `json:"v"`
	StoredAt time.Time `json:"t"`
}

// NewRedis creates a cache storing keys under namespace, which may be empty.
func NewRedis(client *redis.Client, namespace string, observer Observer) *Redis {
	r := &Redis{client: client, namespace: namespace, now: time.Now}
	r.observer = observer
	return r
}

// Dial parses a redis:// URL and returns a connected client.
func Dial(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Get implements Cache.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if err == redis.Nil {
		r.record(EventMiss, 1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache get %s: %w", key, err)
	}

	var e redisEntry
	if err := json.Unmarshal(data, &e); err != nil {
		// Unreadable entries are treated as absent and removed.
		r.client.Del(ctx, r.namespace+key)
		r.record(EventMiss, 1)
		return Entry{}, false, nil
	}
	r.record(EventHit, 1)
	return Entry{Value: e.Value, StoredAt: e.StoredAt}, true, nil
}

// Put implements Cache.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(redisEntry{Value: value, StoredAt: r.now()})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.namespace+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	r.record(EventStore, 1)
	return nil
}

// Invalidate implements Cache using SCAN so large keyspaces are not blocked.
func (r *Redis) Invalidate(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(r.namespace+prefix) + "*"

	var cursor uint64
	removed := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("cache invalidate %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache invalidate %s: %w", prefix, err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.record(EventInvalidate, removed)
	return removed, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string { return globEscaper.Replace(s) }
