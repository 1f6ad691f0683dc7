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

// Package format renders connector responses and descriptions for the
// terminal.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const (
	maxBodySize     = 10 * 1024 * 1024
	maxMarkdownSize = 1024 * 1024
)

// ansiEscapeRegex matches CSI escape sequences. Upstream text is stripped
// of them before it reaches the terminal.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func enforceSize(content, kind string, maxSize int) error {
	if len(content) > maxSize {
		return fmt.Errorf("%s output is %d bytes, limit is %d", kind, len(content), maxSize)
	}
	return nil
}

// Body renders a response body. Strings print as sanitized text; everything
// else prints as indented JSON, highlighted when isTTY is set.
func Body(body any, isTTY bool) (string, error) {
	switch v := body.(type) {
	case nil:
		return "", nil
	case string:
		if err := enforceSize(v, "text", maxBodySize); err != nil {
			return "", err
		}
		return sanitizeANSI(v), nil
	case []byte:
		return Body(string(v), isTTY)
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding body: %w", err)
	}
	content := sanitizeANSI(string(data))
	if err := enforceSize(content, "json", maxBodySize); err != nil {
		return "", err
	}
	if !isTTY {
		return content, nil
	}
	return highlight(content, "json"), nil
}

// JSON pretty-prints raw JSON text.
func JSON(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "json", maxBodySize); err != nil {
		return "", err
	}
	var obj any
	if err := json.Unmarshal([]byte(content), &obj); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	return Body(obj, isTTY)
}

func highlight(content, lexer string) string {
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, content, lexer, "terminal256", "monokai"); err != nil {
		return content
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Markdown renders markdown for a terminal, or returns it unchanged when
// isTTY is false or rendering fails.
func Markdown(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "markdown", maxMarkdownSize); err != nil {
		return "", err
	}
	content = sanitizeANSI(content)
	if !isTTY {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content, nil
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content, nil
	}
	return rendered, nil
}
