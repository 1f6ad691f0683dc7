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

// Package breaker tracks upstream health per connector and rejects calls to
// connectors that keep failing.
//
// A breaker starts Closed. After FailureThreshold consecutive failures it
// opens and rejects every call until ResetTimeout has passed. The first call
// after that moves it to HalfOpen and is let through as a trial; only one
// trial runs at a time. SuccessThreshold consecutive trial successes close
// the breaker, any trial failure reopens it.
//
// State is shared by every caller of a connector regardless of identity.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Outcome is the final result of one logical request.
type Outcome int

const (
	// Success counts toward closing.
	Success Outcome = iota
	// Failure counts toward opening.
	Failure
	// Ignore records nothing. Use it for cancelled calls and for errors that
	// say nothing about upstream health.
	Ignore
)

// Status is a point-in-time view of one breaker.
type Status struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
}

type breaker struct {
	mu sync.Mutex
	Status
	trialInFlight bool
	trialStarted  time.Time
	// generation changes on every state transition so outcomes from calls
	// admitted under an earlier state are dropped.
	generation uint64
}

// Set holds one breaker per connector.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	now      func() time.Time
	logger   *slog.Logger
	onChange func(connectorID string, from, to State)
}

// Option configures a Set.
type Option func(*Set)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.logger = l }
}

// OnStateChange registers fn to run after every transition. fn runs with the
// breaker lock held and must not call back into the Set.
func OnStateChange(fn func(connectorID string, from, to State)) Option {
	return func(s *Set) { s.onChange = fn }
}

// NewSet creates an empty breaker set.
func NewSet(opts ...Option) *Set {
	s := &Set{
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = log.WithComponent(s.logger, "breaker")
	return s
}

func (s *Set) get(id string) *breaker {
	s.mu.RLock()
	b, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[id]; !ok {
		b = &breaker{}
		s.breakers[id] = b
	}
	return b
}

// Ticket is an admitted call. Exactly one Done call must follow.
type Ticket struct {
	set        *Set
	id         string
	b          *breaker
	policy     connector.BreakerPolicy
	generation uint64
	trial      bool
	once       sync.Once
}

// Allow admits a call to connectorID or returns a CircuitOpenError.
func (s *Set) Allow(connectorID string, policy connector.BreakerPolicy) (*Ticket, error) {
	b := s.get(connectorID)
	reset := policy.ResetTimeout.Std()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := s.now()
	if b.State == Open {
		if elapsed := now.Sub(b.OpenedAt); elapsed < reset {
			return nil, &sberrors.CircuitOpenError{ConnectorID: connectorID, RetryAfter: reset - elapsed}
		}
		s.transition(connectorID, b, HalfOpen)
	}

	t := &Ticket{set: s, id: connectorID, b: b, policy: policy, generation: b.generation}
	if b.State == HalfOpen {
		if b.trialInFlight {
			return nil, &sberrors.CircuitOpenError{ConnectorID: connectorID, RetryAfter: trialWait(reset, now.Sub(b.trialStarted))}
		}
		b.trialInFlight = true
		b.trialStarted = now
		t.trial = true
	}
	return t, nil
}

// minTrialWait is the retry estimate once a trial has outlived the reset
// timeout.
const minTrialWait = time.Second

// trialWait estimates how long a caller turned away during a half-open
// trial should wait: the rest of the reset timeout, measured from the start
// of the trial.
func trialWait(reset, elapsed time.Duration) time.Duration {
	return max(reset-elapsed, minTrialWait)
}

// Done records the outcome of the call. Calls after the first are ignored.
func (t *Ticket) Done(o Outcome) {
	t.once.Do(func() { t.set.record(t, o) })
}

func (s *Set) record(t *Ticket, o Outcome) {
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.trial {
		b.trialInFlight = false
	}
	if o == Ignore || t.generation != b.generation {
		return
	}

	switch o {
	case Success:
		b.ConsecutiveFailures = 0
		b.ConsecutiveSuccesses++
		if b.State == HalfOpen && b.ConsecutiveSuccesses >= t.policy.SuccessThreshold {
			s.transition(t.id, b, Closed)
		}
	case Failure:
		b.ConsecutiveSuccesses = 0
		b.ConsecutiveFailures++
		switch b.State {
		case HalfOpen:
			s.transition(t.id, b, Open)
		case Closed:
			if b.ConsecutiveFailures >= t.policy.FailureThreshold {
				s.transition(t.id, b, Open)
			}
		}
	}
}

// transition must be called with b.mu held.
func (s *Set) transition(id string, b *breaker, to State) {
	from := b.State
	b.State = to
	b.generation++
	switch to {
	case Open:
		b.OpenedAt = s.now()
		b.ConsecutiveSuccesses = 0
	case HalfOpen:
		b.ConsecutiveSuccesses = 0
		b.ConsecutiveFailures = 0
	case Closed:
		b.ConsecutiveSuccesses = 0
		b.ConsecutiveFailures = 0
		b.OpenedAt = time.Time{}
	}

	level := slog.LevelInfo
	if to == Open {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "circuit breaker state change",
		slog.String(log.ConnectorKey, id),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	if s.onChange != nil {
		s.onChange(id, from, to)
	}
}

// Status returns the current state of the breaker for connectorID. An unseen
// connector reports Closed.
func (s *Set) Status(connectorID string) Status {
	s.mu.RLock()
	b, ok := s.breakers[connectorID]
	s.mu.RUnlock()
	if !ok {
		return Status{State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Status
}

// All returns the status of every breaker that has seen traffic.
func (s *Set) All() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Status, len(s.breakers))
	for id, b := range s.breakers {
		b.mu.Lock()
		out[id] = b.Status
		b.mu.Unlock()
	}
	return out
}
