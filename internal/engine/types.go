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

package engine

import (
	"time"

	"github.com/tombee/switchboard/internal/router"
)

// Request is one execution request. Exactly one of the
// ConnectorID/Operation pair, Query or ToolID must be set.
type Request struct {
	ConnectorID string `json:"connectorId,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Query       string `json:"query,omitempty"`
	ToolID      string `json:"toolId,omitempty"`

	// Parameters override anything the router extracted from Query.
	Parameters map[string]any `json:"params,omitempty"`

	// Identity selects the credential and the rate-limit window.
	Identity string `json:"identity,omitempty"`
}

func (r Request) routeInput() router.Input {
	return router.Input{
		ConnectorID: r.ConnectorID,
		Operation:   r.Operation,
		Query:       r.Query,
		ToolID:      r.ToolID,
	}
}

// Result is a normalized upstream response plus execution metadata.
type Result struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body"`
	Metadata Metadata          `json:"metadata"`
}

// Metadata describes how a Result was produced.
type Metadata struct {
	RequestID  string  `json:"request_id"`
	Connector  string  `json:"connector"`
	Operation  string  `json:"operation"`
	ToolID     string  `json:"tool_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"fallback,omitempty"`
	Cached     bool    `json:"cached"`

	// Attempts is zero for cache hits.
	Attempts int `json:"attempts"`

	ExecutionTime time.Duration `json:"-"`
	Timestamp     time.Time     `json:"timestamp"`
}

// ExecutionSeconds is ExecutionTime in seconds for API responses.
func (m Metadata) ExecutionSeconds() float64 { return m.ExecutionTime.Seconds() }
