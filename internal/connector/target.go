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

package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cacheable is implemented by call targets whose responses may be cached.
type Cacheable interface {
	// CacheTTL returns the entry lifetime, or false when caching is off.
	CacheTTL() (time.Duration, bool)
	// CacheKey returns the key for a call with the given canonical params.
	CacheKey(canonical string) string
	// Evicts returns the cache prefixes a successful call invalidates.
	Evicts() []string
}

// Retryable is implemented by call targets that may be retried.
type Retryable interface {
	RetryPolicy() RetryPolicy
}

// Target is one resolved operation of one connector.
type Target struct {
	Descriptor *Descriptor
	Op         *OperationSpec
}

var (
	_ Cacheable = Target{}
	_ Retryable = Target{}
)

// CachePrefix is the key prefix shared by every cached response of a
// connector, or of one operation when op is non-empty.
func CachePrefix(connectorID, op string) string {
	if op == "" {
		return "sb:" + connectorID + ":"
	}
	return "sb:" + connectorID + ":" + op + ":"
}

// CacheTTL implements Cacheable. Only non-mutating operations flagged
// cacheable on connectors with caching enabled take part.
func (t Target) CacheTTL() (time.Duration, bool) {
	c := t.Descriptor.Policy.Cache
	if !c.Enabled || !t.Op.Cacheable || t.Op.IsMutating() {
		return 0, false
	}
	return c.TTL.Std(), true
}

// CacheKey implements Cacheable.
func (t Target) CacheKey(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return CachePrefix(t.Descriptor.ID, t.Op.Name) + hex.EncodeToString(sum[:])
}

// Evicts implements Cacheable. Reads evict nothing. A mutating operation
// evicts the operations it names, or the whole connector when it names none.
func (t Target) Evicts() []string {
	if !t.Op.IsMutating() {
		return nil
	}
	if len(t.Op.Invalidates) == 0 {
		return []string{CachePrefix(t.Descriptor.ID, "")}
	}
	out := make([]string, len(t.Op.Invalidates))
	for i, name := range t.Op.Invalidates {
		out[i] = CachePrefix(t.Descriptor.ID, name)
	}
	return out
}

// RetryPolicy implements Retryable.
func (t Target) RetryPolicy() RetryPolicy { return t.Descriptor.Policy.Retry }
