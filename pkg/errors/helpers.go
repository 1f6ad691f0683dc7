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
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Wrap annotates err with message. Returns nil when err is nil.
//
//	if err := repo.Save(ctx, rec); err != nil {
//	    return errors.Wrap(err, "saving credential")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf annotates err with a formatted message. Returns nil when err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is wraps errors.Is so callers need only one errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As so callers need only one errors import.
//
//	var rl *errors.RateLimitError
//	if errors.As(err, &rl) {
//	    time.Sleep(rl.RetryAfter)
//	}
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap wraps errors.Unwrap.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New wraps errors.New.
func New(message string) error {
	return errors.New(message)
}

// TypeOf returns the ErrorType of the first classifiable error in err's
// chain, or "internal" when there is none.
func TypeOf(err error) string {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "internal"
}

// IsRetryable reports whether err's chain contains a retryable classified error.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// RetryAfter extracts a retry hint from rate-limit, circuit-open and
// upstream errors.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return co.RetryAfter, true
	}
	var up *UpstreamError
	if errors.As(err, &up) && up.RetryAfter > 0 {
		return up.RetryAfter, true
	}
	return 0, false
}

// HTTPStatus maps an engine error to the status an API server should return.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeCircuitOpen:
		return http.StatusServiceUnavailable
	case TypeUpstream:
		return http.StatusBadGateway
	case TypeTimeout:
		return http.StatusGatewayTimeout
	case TypeDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the text of err that may be shown to API and tool
// callers. Unclassified errors are reduced to "internal error".
func PublicMessage(err error) string {
	var uv UserVisibleError
	if errors.As(err, &uv) && uv.IsUserVisible() {
		return uv.UserMessage()
	}
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err.Error()
	}
	return "internal error"
}
