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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// Error categories returned by ErrorType.
const (
	TypeValidation     = "validation"
	TypeNotFound       = "not_found"
	TypeAuthentication = "authentication"
	TypeRateLimited    = "rate_limited"
	TypeCircuitOpen    = "circuit_open"
	TypeUpstream       = "upstream"
	TypeTimeout        = "timeout"
	TypeDuplicate      = "duplicate"
	TypeConfig         = "config"
)

// ValidationError reports a request or descriptor that failed validation.
// It is always raised before any credential, limiter, breaker or network work.
type ValidationError struct {
	// Field identifies which input failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Hint provides actionable guidance for fixing the error
	Hint string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string   { return TypeValidation }
func (e *ValidationError) IsRetryable() bool   { return false }
func (e *ValidationError) IsUserVisible() bool { return true }
func (e *ValidationError) UserMessage() string { return e.Error() }
func (e *ValidationError) Suggestion() string  { return e.Hint }

// NotFoundError reports an unknown connector, operation or tool alias.
type NotFoundError struct {
	// Resource is the kind of thing looked up ("connector", "operation", "tool")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string   { return TypeNotFound }
func (e *NotFoundError) IsRetryable() bool   { return false }
func (e *NotFoundError) IsUserVisible() bool { return true }
func (e *NotFoundError) UserMessage() string { return e.Error() }
func (e *NotFoundError) Suggestion() string {
	switch e.Resource {
	case "connector":
		return "Run 'switchboard connectors list' to see registered connectors"
	case "tool":
		return "Run 'switchboard connectors list --tools' to see tool aliases"
	}
	return ""
}

// AuthenticationError reports a missing, revoked, or unrefreshable credential.
type AuthenticationError struct {
	ConnectorID string
	UserID      string

	// Reason explains why no usable credential is available
	Reason string

	Cause error
}

// Error implements the error interface.
func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed for connector %s", e.ConnectorID)
	if e.UserID != "" {
		msg += fmt.Sprintf(" (user %s)", e.UserID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AuthenticationError) Unwrap() error { return e.Cause }

func (e *AuthenticationError) ErrorType() string   { return TypeAuthentication }
func (e *AuthenticationError) IsRetryable() bool   { return false }
func (e *AuthenticationError) IsUserVisible() bool { return true }
func (e *AuthenticationError) UserMessage() string { return e.Error() }
func (e *AuthenticationError) Suggestion() string {
	return fmt.Sprintf("Re-authorize with 'switchboard credentials set %s'", e.ConnectorID)
}

// RateLimitError reports that admission control denied a request.
type RateLimitError struct {
	ConnectorID string
	Identity    string

	// RetryAfter is how long until the oldest admitted call leaves the window
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for connector %s, retry after %v", e.ConnectorID, e.RetryAfter)
}

func (e *RateLimitError) ErrorType() string { return TypeRateLimited }

// IsRetryable is true; the caller should wait RetryAfter first.
func (e *RateLimitError) IsRetryable() bool { return true }

// CircuitOpenError reports that the connector's breaker rejected the call.
type CircuitOpenError struct {
	ConnectorID string

	// RetryAfter estimates when the breaker will admit a trial call
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for connector %s, retry after %v", e.ConnectorID, e.RetryAfter)
}

func (e *CircuitOpenError) ErrorType() string { return TypeCircuitOpen }
func (e *CircuitOpenError) IsRetryable() bool { return true }

// UpstreamError reports a failed call to the third-party API, after retries.
type UpstreamError struct {
	ConnectorID string
	Operation   string

	// StatusCode is the last HTTP status seen, or 0 for transport failures
	StatusCode int

	Message   string
	Retryable bool

	// RequestID correlates this error with upstream logs
	RequestID string

	// RetryAfter is the upstream Retry-After hint, if any
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upstream %s.%s failed", e.ConnectorID, e.Operation)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " [HTTP %d]", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " (request-id: %s)", e.RequestID)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UpstreamError) Unwrap() error { return e.Cause }

func (e *UpstreamError) ErrorType() string { return TypeUpstream }
func (e *UpstreamError) IsRetryable() bool { return e.Retryable }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "gmail.send")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) ErrorType() string { return TypeTimeout }
func (e *TimeoutError) IsRetryable() bool { return true }

// DuplicateConnectorError reports a conflicting registration for a connector id.
type DuplicateConnectorError struct {
	ID              string
	ExistingVersion string
	NewVersion      string
}

// Error implements the error interface.
func (e *DuplicateConnectorError) Error() string {
	return fmt.Sprintf("connector %s already registered (version %s, got %s)", e.ID, e.ExistingVersion, e.NewVersion)
}

func (e *DuplicateConnectorError) ErrorType() string { return TypeDuplicate }
func (e *DuplicateConnectorError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "cache.redis_url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) ErrorType() string { return TypeConfig }
func (e *ConfigError) IsRetryable() bool { return false }
