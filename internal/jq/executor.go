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

// Package jq runs the jq expressions connector operations declare as
// response transforms.
package jq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single transform.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxResults caps how many values an expression may emit.
	DefaultMaxResults = 10000
)

// Executor evaluates jq expressions with a timeout. Compiled expressions
// are cached, so an Executor should be shared.
type Executor struct {
	timeout    time.Duration
	maxResults int

	compiled sync.Map // expression -> *gojq.Code
}

// NewExecutor creates an executor. Zero values use the defaults.
func NewExecutor(timeout time.Duration, maxResults int) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Executor{timeout: timeout, maxResults: maxResults}
}

// Execute runs expression against data. data must be made of JSON values as
// produced by encoding/json (map[string]any, []any, float64, string, bool,
// nil). A single result is returned as is; several are returned as a slice.
// An empty expression returns data unchanged.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("jq execution timed out after %v", e.timeout)
			}
			var halt *gojq.HaltError
			if errors.As(err, &halt) && halt.Value() == nil {
				break
			}
			return nil, fmt.Errorf("jq execution failed: %w", err)
		}
		results = append(results, v)
		if len(results) > e.maxResults {
			return nil, fmt.Errorf("jq expression produced more than %d results", e.maxResults)
		}
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *Executor) compile(expression string) (*gojq.Code, error) {
	if c, ok := e.compiled.Load(expression); ok {
		return c.(*gojq.Code), nil
	}
	code, err := compile(expression)
	if err != nil {
		return nil, err
	}
	e.compiled.Store(expression, code)
	return code, nil
}

// Validate reports whether expression parses and compiles.
func Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := compile(expression)
	return err
}

func compile(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return code, nil
}
