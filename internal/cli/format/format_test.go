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

package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBody(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{name: "nil", body: nil, want: ""},
		{name: "text", body: "hello", want: "hello"},
		{name: "bytes", body: []byte("raw"), want: "raw"},
		{name: "strips escapes", body: "\x1b[31mred\x1b[0m", want: "red"},
		{name: "object", body: map[string]any{"id": 1.0}, want: "{\n  \"id\": 1\n}"},
		{name: "array", body: []any{"a", "b"}, want: "[\n  \"a\",\n  \"b\"\n]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Body(tt.body, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBody_SizeLimit(t *testing.T) {
	_, err := Body(strings.Repeat("x", maxBodySize+1), false)
	assert.Error(t, err)
}

func TestBody_Highlighted(t *testing.T) {
	got, err := Body(map[string]any{"ok": true}, true)
	require.NoError(t, err)
	assert.Contains(t, got, "ok")
	assert.Contains(t, got, "\x1b[")
}

func TestJSON(t *testing.T) {
	got, err := JSON(`{"a":[1,2]}`, false)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    2\n  ]\n}", got)

	_, err = JSON(`{not json`, false)
	assert.Error(t, err)
}

func TestMarkdown(t *testing.T) {
	plain, err := Markdown("# Title\n\nbody", false)
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nbody", plain)

	rendered, err := Markdown("# Title\n\nbody", true)
	require.NoError(t, err)
	assert.Contains(t, rendered, "Title")
	assert.Contains(t, rendered, "body")
}

func TestSanitizeANSI(t *testing.T) {
	assert.Equal(t, "plain", sanitizeANSI("plain"))
	assert.Equal(t, "bold", sanitizeANSI("\x1b[1mbold\x1b[0m"))
	assert.Equal(t, "title", sanitizeANSI("\x1b]0;evil\x07title"))
}
