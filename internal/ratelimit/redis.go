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

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
)

// slidingWindowScript prunes, counts and conditionally records in one
// server-side step. Scores are milliseconds since the epoch.
//
// KEYS[1] window key
// ARGV[1] now, ARGV[2] window, ARGV[3] limit, ARGV[4] unique member
//
// Returns {allowed, oldest score or remaining}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local span = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - span)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], span)
  return {1, limit - count - 1}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
return {0, tonumber(oldest[2])}
`)

// RedisLimiter shares windows between engine instances through Redis.
//
// When Redis is unreachable the limiter fails open: the call is admitted and
// the error is logged, so a cache outage never takes connectors down.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    Clock
	seq    atomic.Uint64
	logger *slog.Logger
}

// NewRedisLimiter creates a limiter storing windows under prefix.
func NewRedisLimiter(client *redis.Client, prefix string, clock Clock, logger *slog.Logger) *RedisLimiter {
	if clock == nil {
		clock = time.Now
	}
	if prefix == "" {
		prefix = "switchboard:ratelimit:"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		now:    clock,
		logger: log.WithComponent(logger, "ratelimit"),
	}
}

// CheckAndRecord implements Limiter.
func (r *RedisLimiter) CheckAndRecord(ctx context.Context, connectorID, identity string, policy connector.RateLimitPolicy) (Decision, error) {
	now := r.now()
	nowMs := now.UnixMilli()
	spanMs := policy.Window.Std().Milliseconds()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), r.seq.Add(1))

	res, err := slidingWindowScript.Run(ctx, r.client,
		[]string{r.prefix + connectorID + ":" + identity},
		nowMs, spanMs, policy.Limit, member,
	).Slice()
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		r.logger.Warn("redis rate limit check failed, admitting call",
			slog.String(log.ConnectorKey, connectorID), log.Error(err))
		return Decision{Allowed: true}, nil
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	value, _ := res[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true, Remaining: int(value)}, nil
	}

	retry := time.Duration(value+spanMs-nowMs) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
