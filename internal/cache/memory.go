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
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expiresAt time.Time
}

// Memory is an in-process Cache. Expired entries are dropped when read and
// by Sweep.
type Memory struct {
	counters
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithMemoryObserver reports events to fn.
func WithMemoryObserver(fn Observer) MemoryOption {
	return func(m *Memory) { m.observer = fn }
}

// NewMemory creates an empty in-process cache.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		m.record(EventMiss, 1)
		return Entry{}, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		// Re-check: a concurrent Put may have refreshed the entry.
		if cur, ok := m.entries[key]; ok && !m.now().Before(cur.expiresAt) {
			delete(m.entries, key)
			m.record(EventExpire, 1)
		}
		m.mu.Unlock()
		m.record(EventMiss, 1)
		return Entry{}, false, nil
	}

	m.record(EventHit, 1)
	return e.Entry, true, nil
}

// Put implements Cache. A non-positive ttl stores nothing.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := m.now()
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	m.entries[key] = memEntry{
		Entry:     Entry{Value: buf, StoredAt: now},
		expiresAt: now.Add(ttl),
	}
	m.mu.Unlock()
	m.record(EventStore, 1)
	return nil
}

// Invalidate implements Cache.
func (m *Memory) Invalidate(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	m.mu.Unlock()
	m.record(EventInvalidate, n)
	return n, nil
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Sweep removes expired entries.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	m.mu.Unlock()
	m.record(EventExpire, n)
	return n
}

// RunJanitor calls Sweep every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
