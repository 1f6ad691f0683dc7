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

// Package httpclient builds the outbound HTTP clients switchboard uses.
//
// Every client logs requests with sanitized URLs, sets a User-Agent and
// forwards the caller's request id as X-Request-ID. Connector calls use a
// client without a retry layer because the execution engine applies each
// connector's own retry policy. Auxiliary clients (OAuth token endpoints,
// embedding servers) may enable the built-in retry layer:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.RetryAttempts = 2
//	client, err := httpclient.New(cfg)
//
// The retry layer only retries idempotent methods unless
// AllowNonIdempotentRetry is set, and honours Retry-After.
package httpclient
