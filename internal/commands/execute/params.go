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

package execute

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tombee/switchboard/internal/commands/shared"
)

// parseParams merges --params-json with --param flags. A flag of the form
// key=value sets a string; key:=value decodes value as JSON.
func parseParams(pairs []string, rawJSON string) (map[string]any, error) {
	params := make(map[string]any)
	if rawJSON != "" {
		if err := decodeJSON(rawJSON, &params); err != nil {
			return nil, shared.NewInvalidInputError("--params-json must be a JSON object", err)
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || key == ":" {
			return nil, shared.NewInvalidInputError(fmt.Sprintf("--param %q must be key=value or key:=json", pair), nil)
		}
		if typed, found := strings.CutSuffix(key, ":"); found {
			var v any
			if err := decodeJSON(value, &v); err != nil {
				return nil, shared.NewInvalidInputError(fmt.Sprintf("--param %s: value is not valid JSON", typed), err)
			}
			params[typed] = v
			continue
		}
		params[key] = value
	}

	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}
