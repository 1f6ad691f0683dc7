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

// Package transport turns a connector operation and its parameters into an
// HTTP exchange: it builds and signs the request, guards caller-supplied
// URLs, performs single attempts with a per-attempt timeout, classifies
// failures into typed errors and retries them according to the
// connector's retry policy.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tombee/switchboard/internal/connector"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Request is a built, unsigned HTTP request. It is immutable once built so
// every retry attempt can render a fresh *http.Request from it.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// protectedHeaders are managed by net/http and may not be set by descriptors
// or callers.
var protectedHeaders = map[string]bool{
	"Content-Length":    true,
	"Content-Encoding":  true,
	"Transfer-Encoding": true,
	"Host":              true,
	"Connection":        true,
}

// Build renders op for descriptor d. params must already have defaults
// applied and pass connector.ValidateParams.
func Build(d *connector.Descriptor, op *connector.OperationSpec, params map[string]any) (*Request, error) {
	if d.ID == connector.GenericHTTPID {
		return buildGeneric(params)
	}

	path := op.Path
	query := url.Values{}
	header := http.Header{}
	body := map[string]any{}

	for k, v := range d.Headers {
		if err := setHeader(header, k, v); err != nil {
			return nil, err
		}
	}

	// Sorted for a stable query string and error order.
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := params[name]
		if v == nil {
			continue
		}
		p, ok := op.Param(name)
		if !ok {
			return nil, &sberrors.ValidationError{Field: name, Message: "unknown parameter"}
		}
		switch p.Location {
		case connector.LocationPath:
			s := formatScalar(v)
			if err := checkPathValue(name, s); err != nil {
				return nil, err
			}
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(s))
		case connector.LocationQuery:
			if list, ok := v.([]any); ok {
				for _, item := range list {
					query.Add(name, formatScalar(item))
				}
			} else {
				query.Set(name, formatScalar(v))
			}
		case connector.LocationHeader:
			if err := setHeader(header, name, formatScalar(v)); err != nil {
				return nil, err
			}
		case connector.LocationBody:
			body[name] = v
		}
	}

	u, err := url.Parse(strings.TrimSuffix(d.BaseURL, "/") + "/" + strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, &sberrors.ValidationError{Field: "path", Message: fmt.Sprintf("cannot build request URL: %v", err)}
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q[k] = append(q[k], vs...)
		}
		u.RawQuery = q.Encode()
	}

	req := &Request{Method: op.Method, URL: u, Header: header}
	if len(body) > 0 || (op.IsMutating() && hasBodyParams(op)) {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &sberrors.ValidationError{Field: "body", Message: fmt.Sprintf("cannot encode request body: %v", err)}
		}
		req.Body = data
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	return req, nil
}

func hasBodyParams(op *connector.OperationSpec) bool {
	for _, p := range op.Parameters {
		if p.Location == connector.LocationBody {
			return true
		}
	}
	return false
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

var genericMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true, http.MethodHead: true,
}

// buildGeneric builds the fallback request. The target is the url
// parameter, or the first http(s) URL found in the query text.
func buildGeneric(params map[string]any) (*Request, error) {
	raw, _ := params["url"].(string)
	if raw == "" {
		text, _ := params["query"].(string)
		raw = strings.TrimRight(urlPattern.FindString(text), ".,;:!?)]}")
	}
	if raw == "" {
		return nil, &sberrors.ValidationError{
			Field:   "url",
			Message: "no URL given and none found in the query",
			Hint:    "pass a url parameter or include an http(s) URL in the query",
		}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &sberrors.ValidationError{Field: "url", Message: fmt.Sprintf("%q is not an absolute http(s) URL", raw)}
	}

	method := http.MethodGet
	if m, _ := params["method"].(string); m != "" {
		method = strings.ToUpper(m)
	}
	if !genericMethods[method] {
		return nil, &sberrors.ValidationError{Field: "method", Message: fmt.Sprintf("unsupported method %q", method)}
	}

	req := &Request{Method: method, URL: u, Header: http.Header{}}
	if hs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hs {
			s, ok := v.(string)
			if !ok {
				return nil, &sberrors.ValidationError{Field: "headers." + k, Message: "header values must be strings"}
			}
			if err := setHeader(req.Header, k, s); err != nil {
				return nil, err
			}
		}
	}
	if b, ok := params["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, &sberrors.ValidationError{Field: "body", Message: fmt.Sprintf("cannot encode request body: %v", err)}
		}
		req.Body = data
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	return req, nil
}

func setHeader(h http.Header, name, value string) error {
	canonical := http.CanonicalHeaderKey(name)
	if protectedHeaders[canonical] || canonical == "Authorization" {
		return &sberrors.ValidationError{Field: name, Message: "header cannot be overridden"}
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return &sberrors.ValidationError{Field: name, Message: "header value contains control characters"}
	}
	h.Set(canonical, value)
	return nil
}

// checkPathValue rejects values that would escape the path template even
// after escaping.
func checkPathValue(name, value string) error {
	lower := strings.ToLower(value)
	if value == "." || value == ".." || strings.Contains(lower, "%2e%2e") ||
		strings.Contains(value, "\x00") || strings.Contains(lower, "%00") {
		return &sberrors.ValidationError{Field: name, Message: "path parameter contains a traversal sequence"}
	}
	return nil
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
