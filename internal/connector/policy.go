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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy defaults.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxAttempts      = 3
	DefaultInitialDelay     = 200 * time.Millisecond
	DefaultMaxDelay         = 10 * time.Second
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 1
	DefaultResetTimeout     = 30 * time.Second
	DefaultCacheTTL         = 5 * time.Minute
)

// DefaultRetryableStatuses are retried when a policy does not list its own.
var DefaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// Duration is a time.Duration that decodes from a Go duration string ("30s")
// or a number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", data)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" || node.Tag == "!!float" {
		secs, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Policy groups the resilience settings of a connector.
type Policy struct {
	RateLimit      *RateLimitPolicy `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	Retry          RetryPolicy      `json:"retry" yaml:"retry"`
	CircuitBreaker BreakerPolicy    `json:"circuitBreaker" yaml:"circuitBreaker"`
	Cache          CachePolicy      `json:"cache" yaml:"cache"`

	// Timeout bounds each HTTP attempt.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RateLimitPolicy admits at most Limit calls per identity in any trailing
// Window. A nil policy means unlimited.
type RateLimitPolicy struct {
	Limit  int      `json:"limit" yaml:"limit"`
	Window Duration `json:"window" yaml:"window"`
}

// RetryPolicy controls retries of failed HTTP attempts. MaxAttempts counts
// the first call.
type RetryPolicy struct {
	MaxAttempts       int      `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff           string   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	InitialDelay      Duration `json:"initialDelay" yaml:"initialDelay"`
	MaxDelay          Duration `json:"maxDelay" yaml:"maxDelay"`
	RetryableStatuses []int    `json:"retryableStatuses,omitempty" yaml:"retryableStatuses,omitempty"`
}

// Delay returns the wait before retry number attempt (0-based):
// InitialDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay.Std()
	max := p.MaxDelay.Std()
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// RetriesStatus reports whether an HTTP status is retryable under p.
func (p RetryPolicy) RetriesStatus(status int) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// BreakerPolicy configures the per-connector circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int      `json:"failureThreshold" yaml:"failureThreshold"`
	SuccessThreshold int      `json:"successThreshold" yaml:"successThreshold"`
	ResetTimeout     Duration `json:"resetTimeout" yaml:"resetTimeout"`
}

// CachePolicy enables response caching for the connector's cacheable operations.
type CachePolicy struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	TTL     Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

func (p *Policy) applyDefaults() {
	if p.Timeout <= 0 {
		p.Timeout = Duration(DefaultTimeout)
	}

	r := &p.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff == "" {
		r.Backoff = "exponential"
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = Duration(DefaultInitialDelay)
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = Duration(DefaultMaxDelay)
	}
	if r.RetryableStatuses == nil {
		r.RetryableStatuses = append([]int(nil), DefaultRetryableStatuses...)
	}

	b := &p.CircuitBreaker
	if b.FailureThreshold <= 0 {
		b.FailureThreshold = DefaultFailureThreshold
	}
	if b.SuccessThreshold <= 0 {
		b.SuccessThreshold = DefaultSuccessThreshold
	}
	if b.ResetTimeout <= 0 {
		b.ResetTimeout = Duration(DefaultResetTimeout)
	}

	if p.Cache.Enabled && p.Cache.TTL <= 0 {
		p.Cache.TTL = Duration(DefaultCacheTTL)
	}
}

func (p *Policy) validate() error {
	if p.RateLimit != nil {
		if p.RateLimit.Limit <= 0 {
			return fmt.Errorf("rateLimit.limit must be positive, got %d", p.RateLimit.Limit)
		}
		if p.RateLimit.Window <= 0 {
			return fmt.Errorf("rateLimit.window must be positive")
		}
	}
	if p.Retry.Backoff != "exponential" {
		return fmt.Errorf("retry.backoff %q is not supported (use exponential)", p.Retry.Backoff)
	}
	if p.Retry.MaxDelay < p.Retry.InitialDelay {
		return fmt.Errorf("retry.maxDelay must not be below retry.initialDelay")
	}
	return nil
}
