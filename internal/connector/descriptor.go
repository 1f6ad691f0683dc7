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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/tombee/switchboard/internal/jq"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// GenericHTTPID is the sentinel connector used when routing confidence is too
// low to pick a specific connector.
const GenericHTTPID = "generic_http"

// GenericHTTPOperation is the only operation of the generic HTTP connector.
const GenericHTTPOperation = "request"

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Descriptor describes one third-party API.
type Descriptor struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	BaseURL     string `json:"baseURL" yaml:"baseURL"`

	// Headers are sent with every request to this connector.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Operations []OperationSpec `json:"operations" yaml:"operations"`

	AuthType   AuthKind   `json:"authType" yaml:"authType"`
	AuthConfig AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`

	Policy       Policy       `json:"policy" yaml:"policy"`
	RoutingHints RoutingHints `json:"routingHints" yaml:"routingHints"`

	// Auth is the resolved AuthType/AuthConfig pair, set by Normalize.
	Auth AuthSpec `json:"-" yaml:"-"`

	ops  map[string]*OperationSpec
	hash string
}

// RoutingHints feed the request router.
type RoutingHints struct {
	Utterances []string `json:"utterances" yaml:"utterances"`

	// ConfidenceThreshold overrides the router default when non-zero.
	ConfidenceThreshold float64 `json:"confidenceThreshold,omitempty" yaml:"confidenceThreshold,omitempty"`

	// DefaultOperation is chosen when no operation's utterances match.
	DefaultOperation string `json:"defaultOperation,omitempty" yaml:"defaultOperation,omitempty"`
}

// OperationSpec describes one callable endpoint of a connector.
type OperationSpec struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Path is a template such as "/calendars/{calendarId}/events".
	Path   string `json:"path" yaml:"path"`
	Method string `json:"method" yaml:"method"`

	Parameters []ParamSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// ResponseShape hints at the body layout ("object", "array", "text").
	ResponseShape string `json:"responseShape,omitempty" yaml:"responseShape,omitempty"`

	// Cacheable marks the operation idempotent and eligible for response caching.
	Cacheable bool `json:"cacheable,omitempty" yaml:"cacheable,omitempty"`

	// Invalidates lists operations whose cached responses a successful call evicts.
	// An empty list on a mutating method evicts the whole connector.
	Invalidates []string `json:"invalidates,omitempty" yaml:"invalidates,omitempty"`

	// Tool is the flat tool id this operation answers to, e.g. "gmail_send".
	Tool string `json:"tool,omitempty" yaml:"tool,omitempty"`

	// Transform is a jq expression applied to the decoded response body.
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`

	Utterances []string `json:"utterances,omitempty" yaml:"utterances,omitempty"`
}

// IsMutating reports whether the method changes upstream state.
func (o *OperationSpec) IsMutating() bool {
	switch o.Method {
	case "GET", "HEAD", "OPTIONS":
		return false
	}
	return true
}

// Param returns the named parameter spec.
func (o *OperationSpec) Param(name string) (*ParamSpec, bool) {
	for i := range o.Parameters {
		if o.Parameters[i].Name == name {
			return &o.Parameters[i], true
		}
	}
	return nil, false
}

// Operation returns the named operation. The descriptor must be normalized.
func (d *Descriptor) Operation(name string) (*OperationSpec, bool) {
	op, ok := d.ops[name]
	return op, ok
}

// Hash identifies the descriptor content. Two descriptors with equal hashes
// are interchangeable.
func (d *Descriptor) Hash() string { return d.hash }

// VersionLabel returns Version, or a short hash prefix when Version is empty.
func (d *Descriptor) VersionLabel() string {
	if d.Version != "" {
		return d.Version
	}
	if len(d.hash) >= 12 {
		return d.hash[:12]
	}
	return d.hash
}

// Threshold returns the connector's routing threshold, or def when unset.
func (d *Descriptor) Threshold(def float64) float64 {
	if d.RoutingHints.ConfidenceThreshold > 0 {
		return d.RoutingHints.ConfidenceThreshold
	}
	return def
}

// Normalize validates d, applies policy defaults, resolves Auth and computes
// the content hash. It is idempotent. Validation failures are returned as
// *errors.ValidationError.
func (d *Descriptor) Normalize() error {
	if err := d.validate(); err != nil {
		return err
	}
	d.Policy.applyDefaults()
	if err := d.Policy.validate(); err != nil {
		return invalid(d.ID, "policy", err.Error())
	}

	for i := range d.Operations {
		op := &d.Operations[i]
		op.Method = strings.ToUpper(op.Method)
		if op.Method == "" {
			op.Method = "GET"
		}
	}

	auth, err := resolveAuth(d.AuthType, d.AuthConfig)
	if err != nil {
		return invalid(d.ID, "authType", err.Error())
	}
	if auth.Kind() == AuthNone && d.ID != GenericHTTPID {
		return invalid(d.ID, "authType", "only the generic HTTP connector may be unauthenticated")
	}
	d.Auth = auth

	d.ops = make(map[string]*OperationSpec, len(d.Operations))
	for i := range d.Operations {
		d.ops[d.Operations[i].Name] = &d.Operations[i]
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("hashing connector %s: %w", d.ID, err)
	}
	sum := sha256.Sum256(data)
	d.hash = hex.EncodeToString(sum[:])
	return nil
}

func (d *Descriptor) validate() error {
	if !idPattern.MatchString(d.ID) {
		return invalid(d.ID, "id", fmt.Sprintf("%q must be lowercase letters, digits and underscores", d.ID))
	}
	if d.ID != GenericHTTPID {
		u, err := url.Parse(d.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid(d.ID, "baseURL", fmt.Sprintf("%q is not an absolute http(s) URL", d.BaseURL))
		}
	}
	if len(d.Operations) == 0 {
		return invalid(d.ID, "operations", "at least one operation is required")
	}

	seen := make(map[string]bool, len(d.Operations))
	for i := range d.Operations {
		op := &d.Operations[i]
		if op.Name == "" {
			return invalid(d.ID, fmt.Sprintf("operations[%d].name", i), "name is required")
		}
		if seen[op.Name] {
			return invalid(d.ID, "operations", fmt.Sprintf("duplicate operation %q", op.Name))
		}
		seen[op.Name] = true
		if err := op.validate(); err != nil {
			return invalid(d.ID, "operations."+op.Name, err.Error())
		}
	}

	for i := range d.Operations {
		for _, target := range d.Operations[i].Invalidates {
			if !seen[target] {
				return invalid(d.ID, "operations."+d.Operations[i].Name+".invalidates",
					fmt.Sprintf("unknown operation %q", target))
			}
		}
	}
	if def := d.RoutingHints.DefaultOperation; def != "" && !seen[def] {
		return invalid(d.ID, "routingHints.defaultOperation", fmt.Sprintf("unknown operation %q", def))
	}
	if t := d.RoutingHints.ConfidenceThreshold; t < 0 || t > 1 {
		return invalid(d.ID, "routingHints.confidenceThreshold", "must be between 0 and 1")
	}
	return nil
}

var validMethods = map[string]bool{
	"": true, "GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

func (o *OperationSpec) validate() error {
	if !validMethods[strings.ToUpper(o.Method)] {
		return fmt.Errorf("unsupported method %q", o.Method)
	}

	names := make(map[string]bool, len(o.Parameters))
	for i := range o.Parameters {
		p := &o.Parameters[i]
		if names[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		names[p.Name] = true
		if err := p.validate(); err != nil {
			return err
		}
	}

	for _, name := range pathParams(o.Path) {
		p, ok := o.Param(name)
		if !ok {
			return fmt.Errorf("path placeholder {%s} has no parameter", name)
		}
		if p.Location != LocationPath {
			return fmt.Errorf("parameter %q is used in the path but located in %s", name, p.Location)
		}
		if !p.Required {
			return fmt.Errorf("path parameter %q must be required", name)
		}
	}
	for _, p := range o.Parameters {
		if p.Location == LocationPath && !strings.Contains(o.Path, "{"+p.Name+"}") {
			return fmt.Errorf("path parameter %q does not appear in %q", p.Name, o.Path)
		}
	}
	if err := jq.Validate(o.Transform); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}

// pathParams extracts placeholder names from a path template in order.
func pathParams(path string) []string {
	var names []string
	for {
		start := strings.IndexByte(path, '{')
		if start < 0 {
			return names
		}
		end := strings.IndexByte(path[start:], '}')
		if end < 0 {
			return names
		}
		names = append(names, path[start+1:start+end])
		path = path[start+end+1:]
	}
}

func invalid(id, field, msg string) error {
	if id != "" {
		field = id + "." + field
	}
	return &sberrors.ValidationError{
		Field:   field,
		Message: msg,
		Hint:    "check the connector descriptor",
	}
}
