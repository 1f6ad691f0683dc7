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

// Package ratelimit implements sliding-window-log admission control keyed by
// (connector, identity).
//
// A window admits at most Limit calls in any trailing Window. Each check
// prunes timestamps that have left the window, denies when the remaining
// count has reached the limit, and otherwise records the current time. The
// check and the record happen atomically per key, so concurrent callers for
// the same key can never jointly exceed the limit.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/connector"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long until the oldest admitted call leaves the
	// window. Zero when Allowed.
	RetryAfter time.Duration

	// Remaining is the number of further calls the window would admit now.
	Remaining int
}

// Limiter decides whether a call may proceed and records it when it may.
type Limiter interface {
	CheckAndRecord(ctx context.Context, connectorID, identity string, policy connector.RateLimitPolicy) (Decision, error)
}

// Clock returns the current time.
type Clock func() time.Time

type window struct {
	mu sync.Mutex
	// stamps are admission times in ascending order.
	stamps []time.Time
	last   time.Time
	// span is the policy window of the most recent check.
	span time.Duration
	// dead is set once Sweep has removed the window from the map.
	dead bool
}

// SlidingWindow is an in-process Limiter.
type SlidingWindow struct {
	mu      sync.RWMutex
	windows map[string]*window
	now     Clock
}

// NewSlidingWindow creates an in-process limiter. A nil clock uses time.Now.
func NewSlidingWindow(clock Clock) *SlidingWindow {
	if clock == nil {
		clock = time.Now
	}
	return &SlidingWindow{
		windows: make(map[string]*window),
		now:     clock,
	}
}

func key(connectorID, identity string) string {
	return connectorID + "\x00" + identity
}

func (s *SlidingWindow) get(k string) *window {
	s.mu.RLock()
	w, ok := s.windows[k]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[k]; !ok {
		w = &window{}
		s.windows[k] = w
	}
	return w
}

// CheckAndRecord implements Limiter. It never returns an error.
func (s *SlidingWindow) CheckAndRecord(_ context.Context, connectorID, identity string, policy connector.RateLimitPolicy) (Decision, error) {
	k := key(connectorID, identity)
	span := policy.Window.Std()

	w := s.get(k)
	w.mu.Lock()
	for w.dead {
		w.mu.Unlock()
		w = s.get(k)
		w.mu.Lock()
	}
	defer w.mu.Unlock()

	now := s.now()
	w.prune(now, span)
	w.last = now
	w.span = span

	if len(w.stamps) >= policy.Limit {
		return Decision{
			Allowed:    false,
			RetryAfter: w.stamps[0].Add(span).Sub(now),
		}, nil
	}

	w.stamps = append(w.stamps, now)
	return Decision{Allowed: true, Remaining: policy.Limit - len(w.stamps)}, nil
}

// prune drops timestamps at or before now-span. An entry leaves the window
// exactly span after it was recorded.
func (w *window) prune(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Sweep forgets keys that have seen no calls for idle and hold no admissions
// inside their window. Call it periodically to bound memory when identities
// are short-lived.
func (s *SlidingWindow) Sweep(idle time.Duration) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, w := range s.windows {
		w.mu.Lock()
		w.prune(now, w.span)
		if len(w.stamps) == 0 && now.Sub(w.last) >= idle {
			w.dead = true
			delete(s.windows, k)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (s *SlidingWindow) RunJanitor(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(idle)
		}
	}
}
