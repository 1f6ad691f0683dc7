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

import "fmt"

// AuthKind names an authentication scheme.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthOAuth2 AuthKind = "oauth2"
	AuthAPIKey AuthKind = "apiKey"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
)

// AuthSpec is the resolved authentication scheme of a connector. It is a
// closed set: NoAuth, OAuth2Auth, APIKeyAuth, BearerAuth or BasicAuth.
// Switch on the concrete type to sign a request.
type AuthSpec interface {
	Kind() AuthKind
	authSpec()
}

// NoAuth sends requests unauthenticated. Only the generic HTTP connector uses it.
type NoAuth struct{}

// OAuth2Auth sends "Authorization: Bearer <access token>" and refreshes the
// token against TokenURL.
type OAuth2Auth struct {
	TokenURL string
	Scopes   []string
}

// APIKeyAuth sends a static key in a header or a query parameter.
type APIKeyAuth struct {
	// Header is the header name, e.g. "X-API-Key". Mutually exclusive with QueryParam.
	Header string

	// Prefix is prepended to the key in the header value, e.g. "Token ".
	Prefix string

	QueryParam string
}

// BearerAuth sends a static bearer token.
type BearerAuth struct{}

// BasicAuth sends HTTP basic credentials: the credential's username and its
// access secret as the password.
type BasicAuth struct{}

func (NoAuth) Kind() AuthKind     { return AuthNone }
func (OAuth2Auth) Kind() AuthKind { return AuthOAuth2 }
func (APIKeyAuth) Kind() AuthKind { return AuthAPIKey }
func (BearerAuth) Kind() AuthKind { return AuthBearer }
func (BasicAuth) Kind() AuthKind  { return AuthBasic }

func (NoAuth) authSpec()     {}
func (OAuth2Auth) authSpec() {}
func (APIKeyAuth) authSpec() {}
func (BearerAuth) authSpec() {}
func (BasicAuth) authSpec()  {}

// AuthConfig carries the per-scheme settings from a descriptor file.
type AuthConfig struct {
	TokenURL   string   `json:"tokenURL,omitempty" yaml:"tokenURL,omitempty"`
	Scopes     []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	Header     string   `json:"header,omitempty" yaml:"header,omitempty"`
	Prefix     string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	QueryParam string   `json:"queryParam,omitempty" yaml:"queryParam,omitempty"`
}

func resolveAuth(kind AuthKind, cfg AuthConfig) (AuthSpec, error) {
	switch kind {
	case AuthNone:
		return NoAuth{}, nil
	case AuthOAuth2:
		if cfg.TokenURL == "" {
			return nil, fmt.Errorf("oauth2 auth requires auth.tokenURL")
		}
		return OAuth2Auth{TokenURL: cfg.TokenURL, Scopes: append([]string(nil), cfg.Scopes...)}, nil
	case AuthAPIKey:
		if (cfg.Header == "") == (cfg.QueryParam == "") {
			return nil, fmt.Errorf("apiKey auth requires exactly one of auth.header or auth.queryParam")
		}
		return APIKeyAuth{Header: cfg.Header, Prefix: cfg.Prefix, QueryParam: cfg.QueryParam}, nil
	case AuthBearer:
		return BearerAuth{}, nil
	case AuthBasic:
		return BasicAuth{}, nil
	case "":
		return nil, fmt.Errorf("authType is required")
	default:
		return nil, fmt.Errorf("unsupported authType %q (use oauth2, apiKey, bearer or basic)", kind)
	}
}
