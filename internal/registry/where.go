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

package registry

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/tombee/switchboard/internal/connector"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Where compiles a boolean expression into a Filter. The expression sees
// one descriptor at a time through these variables:
//
//	id, name, version, auth    strings
//	base_url                   string
//	operations, tools          []string
//	cacheable                  bool, any operation may be cached
//	rate_limited               bool
//	routable                   bool
//
// Example: auth == "oauth2" && len(operations) > 3
//
// An empty expression keeps every descriptor.
func Where(expression string) (Filter, error) {
	if expression == "" {
		return func(*connector.Descriptor) bool { return true }, nil
	}

	program, err := expr.Compile(expression, expr.Env(whereEnv{}), expr.AsBool())
	if err != nil {
		return nil, &sberrors.ValidationError{
			Field:   "where",
			Message: fmt.Sprintf("failed to compile expression: %s", err),
			Hint:    "variables are id, name, version, auth, base_url, operations, tools, cacheable, rate_limited, routable",
		}
	}

	routable := Routable()
	cacheable := WithCacheableOperations()
	return func(d *connector.Descriptor) bool {
		env := whereEnv{
			ID:          d.ID,
			Name:        d.Name,
			Version:     d.VersionLabel(),
			BaseURL:     d.BaseURL,
			Cacheable:   cacheable(d),
			RateLimited: d.Policy.RateLimit != nil,
			Routable:    routable(d),
		}
		if d.Auth != nil {
			env.Auth = string(d.Auth.Kind())
		}
		for _, op := range d.Operations {
			env.Operations = append(env.Operations, op.Name)
			if op.Tool != "" {
				env.Tools = append(env.Tools, op.Tool)
			}
		}

		out, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		ok, _ := out.(bool)
		return ok
	}, nil
}

type whereEnv struct {
	ID          string   `expr:"id"`
	Name        string   `expr:"name"`
	Version     string   `expr:"version"`
	Auth        string   `expr:"auth"`
	BaseURL     string   `expr:"base_url"`
	Operations  []string `expr:"operations"`
	Tools       []string `expr:"tools"`
	Cacheable   bool     `expr:"cacheable"`
	RateLimited bool     `expr:"rate_limited"`
	Routable    bool     `expr:"routable"`
}
