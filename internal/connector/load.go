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
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DescriptorGlob matches descriptor files below a directory.
const DescriptorGlob = "**/*.{json,yaml,yml}"

// Format is a descriptor file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the decoder for a file name by extension.
func FormatFromPath(name string) (Format, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported descriptor extension %q", path.Ext(name))
}

// Parse decodes and normalizes a single descriptor. Unknown fields are rejected.
func Parse(data []byte, format Format) (*Descriptor, error) {
	var d Descriptor
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding descriptor: %w", err)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding descriptor: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", format)
	}

	if err := d.Normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFile reads and parses the descriptor at path.
func ParseFile(name string) (*Descriptor, error) {
	format, err := FormatFromPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	d, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}

// LoadFS parses every descriptor matching DescriptorGlob in fsys, in lexical
// path order. It fails on the first invalid file.
func LoadFS(fsys fs.FS) ([]*Descriptor, error) {
	matches, err := doublestar.Glob(fsys, DescriptorGlob)
	if err != nil {
		return nil, fmt.Errorf("listing descriptors: %w", err)
	}
	sort.Strings(matches)

	out := make([]*Descriptor, 0, len(matches))
	for _, name := range matches {
		format, err := FormatFromPath(name)
		if err != nil {
			return nil, err
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		d, err := Parse(data, format)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadDir parses every descriptor below dir.
func LoadDir(dir string) ([]*Descriptor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("descriptor directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("descriptor directory: %s is not a directory", dir)
	}
	return LoadFS(os.DirFS(filepath.Clean(dir)))
}
