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

package transport

import (
	"context"
	"time"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the production SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptObserver is told about every failed attempt that will be retried.
type AttemptObserver func(attempt int, delay time.Duration, err error)

// Retrier repeats Caller attempts under the call's retry policy.
type Retrier struct {
	Caller  *Caller
	Sleep   SleepFunc
	OnRetry AttemptObserver
}

// NewRetrier returns a Retrier using real sleeps.
func NewRetrier(caller *Caller) *Retrier {
	return &Retrier{Caller: caller, Sleep: Sleep}
}

// Do performs call, retrying retryable failures up to Retry.MaxAttempts
// attempts in total. It returns the number of attempts made. After the
// last attempt the last error is returned unchanged.
//
// The wait before retry n is Retry.Delay(n). An upstream Retry-After hint
// raises the wait but never beyond Retry.MaxDelay.
func (r *Retrier) Do(ctx context.Context, call *Call) (*Response, int, error) {
	maxAttempts := call.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		resp, err := r.Caller.Attempt(ctx, call)
		if call.Observe != nil {
			call.Observe(attempt, time.Since(start), err)
		}
		if err == nil {
			return resp, attempt, nil
		}
		lastErr = err

		if attempt == maxAttempts || ctx.Err() != nil || !sberrors.IsRetryable(err) {
			return nil, attempt, err
		}

		delay := r.backoff(call, attempt-1, err)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
	return nil, maxAttempts, lastErr
}

func (r *Retrier) backoff(call *Call, retry int, err error) time.Duration {
	delay := call.Retry.Delay(retry)
	if hint, ok := sberrors.RetryAfter(err); ok && hint > delay {
		delay = hint
		if max := call.Retry.MaxDelay.Std(); max > 0 && delay > max {
			delay = max
		}
	}
	return delay
}
