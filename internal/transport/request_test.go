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

package transport

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func widgetDescriptor(baseURL string) *connector.Descriptor {
	return &connector.Descriptor{
		ID:      "acme",
		BaseURL: baseURL,
		Headers: map[string]string{"X-Api-Version": "2024-01-01"},
		Operations: []connector.OperationSpec{
			{
				Name:   "get_widget",
				Path:   "/widgets/{id}",
				Method: http.MethodGet,
				Parameters: []connector.ParamSpec{
					{Name: "id", Location: connector.LocationPath, Type: connector.TypeString, Required: true},
					{Name: "fields", Location: connector.LocationQuery, Type: connector.TypeArray},
					{Name: "verbose", Location: connector.LocationQuery, Type: connector.TypeBoolean},
					{Name: "X-Trace", Location: connector.LocationHeader, Type: connector.TypeString},
				},
			},
			{
				Name:   "create_widget",
				Path:   "/widgets",
				Method: http.MethodPost,
				Parameters: []connector.ParamSpec{
					{Name: "name", Location: connector.LocationBody, Type: connector.TypeString, Required: true},
					{Name: "size", Location: connector.LocationBody, Type: connector.TypeInteger},
				},
			},
		},
	}
}

func op(t *testing.T, d *connector.Descriptor, name string) *connector.OperationSpec {
	t.Helper()
	o, ok := d.Operation(name)
	require.True(t, ok, "operation %s", name)
	return o
}

func TestBuild_PathQueryHeader(t *testing.T) {
	d := widgetDescriptor("https://api.acme.test/v1/")
	req, err := Build(d, op(t, d, "get_widget"), map[string]any{
		"id":      "w 1",
		"fields":  []any{"name", "size"},
		"verbose": true,
		"X-Trace": "abc",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "https://api.acme.test/v1/widgets/w%201?fields=name&fields=size&verbose=true", req.URL.String())
	assert.Equal(t, "abc", req.Header.Get("X-Trace"))
	assert.Equal(t, "2024-01-01", req.Header.Get("X-Api-Version"))
	assert.Nil(t, req.Body)
}

func TestBuild_Body(t *testing.T) {
	d := widgetDescriptor("https://api.acme.test")
	req, err := Build(d, op(t, d, "create_widget"), map[string]any{"name": "gear", "size": float64(3)})
	require.NoError(t, err)

	assert.Equal(t, "https://api.acme.test/widgets", req.URL.String())
	assert.JSONEq(t, `{"name":"gear","size":3}`, string(req.Body))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestBuild_Rejects(t *testing.T) {
	d := widgetDescriptor("https://api.acme.test")
	get := op(t, d, "get_widget")

	tests := []struct {
		name   string
		params map[string]any
		field  string
	}{
		{"traversal", map[string]any{"id": ".."}, "id"},
		{"encoded traversal", map[string]any{"id": "%2e%2e"}, "id"},
		{"header injection", map[string]any{"id": "1", "X-Trace": "a\r\nHost: evil"}, "X-Trace"},
		{"unknown parameter", map[string]any{"id": "1", "extra": "x"}, "extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(d, get, tt.params)
			var ve *sberrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestBuild_DescriptorCannotSetAuthorization(t *testing.T) {
	d := widgetDescriptor("https://api.acme.test")
	d.Headers = map[string]string{"authorization": "Bearer static"}
	_, err := Build(d, op(t, d, "get_widget"), map[string]any{"id": "1"})
	var ve *sberrors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func genericDescriptor() (*connector.Descriptor, *connector.OperationSpec) {
	d := &connector.Descriptor{
		ID: connector.GenericHTTPID,
		Operations: []connector.OperationSpec{{
			Name:   connector.GenericHTTPOperation,
			Method: http.MethodGet,
		}},
	}
	return d, &d.Operations[0]
}

func TestBuild_Generic(t *testing.T) {
	d, o := genericDescriptor()

	t.Run("url from query text", func(t *testing.T) {
		req, err := Build(d, o, map[string]any{"query": "ping the webhook at https://hooks.example.com/ping?x=1."})
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Equal(t, "https://hooks.example.com/ping?x=1", req.URL.String())
	})

	t.Run("explicit url method and body", func(t *testing.T) {
		req, err := Build(d, o, map[string]any{
			"url":     "https://hooks.example.com/in",
			"method":  "post",
			"headers": map[string]any{"X-Token": "t"},
			"body":    map[string]any{"ok": true},
		})
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "t", req.Header.Get("X-Token"))
		assert.JSONEq(t, `{"ok":true}`, string(req.Body))
	})

	t.Run("no url", func(t *testing.T) {
		_, err := Build(d, o, map[string]any{"query": "ping the webhook"})
		var ve *sberrors.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "url", ve.Field)
	})

	t.Run("bad scheme", func(t *testing.T) {
		_, err := Build(d, o, map[string]any{"url": "file:///etc/passwd"})
		var ve *sberrors.ValidationError
		require.ErrorAs(t, err, &ve)
	})

	t.Run("bad method", func(t *testing.T) {
		_, err := Build(d, o, map[string]any{"url": "https://x.example.com", "method": "TRACE"})
		var ve *sberrors.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "method", ve.Field)
	})
}

func TestSign(t *testing.T) {
	newReq := func() *http.Request {
		u, _ := url.Parse("https://api.acme.test/x?a=1")
		return &http.Request{URL: u, Header: http.Header{}}
	}
	cred := &credentials.Credential{Username: "bob", AccessSecret: "s3cret"}

	t.Run("none", func(t *testing.T) {
		req := newReq()
		require.NoError(t, Sign(req, "acme", connector.NoAuth{}, nil))
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("oauth2", func(t *testing.T) {
		req := newReq()
		require.NoError(t, Sign(req, "acme", connector.OAuth2Auth{}, cred))
		assert.Equal(t, "Bearer s3cret", req.Header.Get("Authorization"))
	})

	t.Run("api key header", func(t *testing.T) {
		req := newReq()
		require.NoError(t, Sign(req, "acme", connector.APIKeyAuth{Header: "X-Api-Key", Prefix: "Key "}, cred))
		assert.Equal(t, "Key s3cret", req.Header.Get("X-Api-Key"))
	})

	t.Run("api key query", func(t *testing.T) {
		req := newReq()
		require.NoError(t, Sign(req, "acme", connector.APIKeyAuth{QueryParam: "key"}, cred))
		assert.Equal(t, "s3cret", req.URL.Query().Get("key"))
		assert.Equal(t, "1", req.URL.Query().Get("a"))
	})

	t.Run("basic", func(t *testing.T) {
		req := newReq()
		require.NoError(t, Sign(req, "acme", connector.BasicAuth{}, cred))
		user, pass, ok := req.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "bob", user)
		assert.Equal(t, "s3cret", pass)
	})

	t.Run("missing credential", func(t *testing.T) {
		err := Sign(newReq(), "acme", connector.BearerAuth{}, nil)
		var ae *sberrors.AuthenticationError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "acme", ae.ConnectorID)
	})
}
