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
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Location says where a parameter goes in the HTTP request.
type Location string

const (
	LocationPath   Location = "path"
	LocationQuery  Location = "query"
	LocationHeader Location = "header"
	LocationBody   Location = "body"
)

// ParamType is the JSON type a parameter value must have.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// ParamSpec describes one operation parameter.
type ParamSpec struct {
	Name        string    `json:"name" yaml:"name"`
	Location    Location  `json:"location" yaml:"location"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`

	// Default is used when the caller omits the parameter.
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	// FromQuery lets the router fill this parameter with the free-text query.
	FromQuery bool `json:"fromQuery,omitempty" yaml:"fromQuery,omitempty"`
}

func (p *ParamSpec) validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch p.Location {
	case LocationPath, LocationQuery, LocationHeader, LocationBody:
	case "":
		return fmt.Errorf("parameter %q: location is required", p.Name)
	default:
		return fmt.Errorf("parameter %q: unknown location %q", p.Name, p.Location)
	}
	switch p.Type {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray:
	case "":
		return fmt.Errorf("parameter %q: type is required", p.Name)
	default:
		return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
	}
	// Arrays may repeat in the query string; objects only fit a body.
	if (p.Type == TypeObject && p.Location != LocationBody) ||
		(p.Type == TypeArray && p.Location != LocationBody && p.Location != LocationQuery) {
		return fmt.Errorf("parameter %q: %s values cannot be sent in the %s", p.Name, p.Type, p.Location)
	}
	if p.Default != nil && !typeMatches(p.Type, p.Default) {
		return fmt.Errorf("parameter %q: default is not a %s", p.Name, p.Type)
	}
	return nil
}

// WithDefaults returns a copy of params with declared defaults filled in for
// omitted parameters.
func WithDefaults(op *OperationSpec, params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+len(op.Parameters))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range op.Parameters {
		if _, ok := out[p.Name]; !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// ValidateParams checks params against the operation's schema: every required
// parameter is present, no unknown parameters are given and every value has
// the declared type.
func ValidateParams(op *OperationSpec, params map[string]any) error {
	for _, p := range op.Parameters {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if p.Required {
				return &sberrors.ValidationError{
					Field:   p.Name,
					Message: "required parameter is missing",
					Hint:    fmt.Sprintf("%s expects %s", op.Name, describeParams(op)),
				}
			}
			continue
		}
		if !typeMatches(p.Type, v) {
			return &sberrors.ValidationError{
				Field:   p.Name,
				Message: fmt.Sprintf("expected %s, got %s", p.Type, jsonTypeOf(v)),
			}
		}
		if p.Location == LocationPath {
			if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
				return &sberrors.ValidationError{Field: p.Name, Message: "path parameter must not be empty"}
			}
		}
	}

	for name := range params {
		if _, ok := op.Param(name); !ok {
			return &sberrors.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("unknown parameter for operation %s", op.Name),
				Hint:    fmt.Sprintf("%s accepts %s", op.Name, describeParams(op)),
			}
		}
	}
	return nil
}

func describeParams(op *OperationSpec) string {
	if len(op.Parameters) == 0 {
		return "no parameters"
	}
	parts := make([]string, 0, len(op.Parameters))
	for _, p := range op.Parameters {
		s := p.Name + " (" + string(p.Type)
		if p.Required {
			s += ", required"
		}
		parts = append(parts, s+")")
	}
	return strings.Join(parts, ", ")
}

func typeMatches(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		if !ok {
			_, ok = v.([]string)
		}
		return ok
	}
	return false
}

func jsonTypeOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any, []string:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

// CanonicalParams serializes params so that semantically identical parameter
// sets produce identical bytes: keys are sorted at every depth and numbers
// that hold integral values are written without a fraction. Integers keep
// every digit.
func CanonicalParams(params map[string]any) string {
	var b strings.Builder
	writeCanonical(&b, params)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, k)
			b.WriteByte(':')
			writeCanonical(b, x[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case []string:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSON(b, e)
		}
		b.WriteByte(']')
	case string:
		writeJSON(b, x)
	case float64:
		writeNumber(b, x)
	case float32:
		writeNumber(b, float64(x))
	case int:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(x, 10))
	case json.Number:
		writeJSONNumber(b, x)
	default:
		writeJSON(b, x)
	}
}

func writeNumber(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		fmt.Fprintf(b, "%d", int64(f))
		return
	}
	writeJSON(b, f)
}

// writeJSONNumber keeps integral literals exact, however long, and folds
// fractional spellings of integers ("2.0", "2e0") onto the integer form.
func writeJSONNumber(b *strings.Builder, n json.Number) {
	if i, ok := new(big.Int).SetString(n.String(), 10); ok {
		b.WriteString(i.String())
		return
	}
	if f, err := n.Float64(); err == nil {
		writeNumber(b, f)
		return
	}
	b.WriteString(n.String())
}

func writeJSON(b *strings.Builder, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(b, "%q", fmt.Sprint(v))
		return
	}
	b.Write(data)
}
