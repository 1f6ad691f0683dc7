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
	"embed"
	"fmt"
	"io/fs"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// Builtins parses the descriptors shipped with the binary. Each call returns
// fresh values.
func Builtins() ([]*Descriptor, error) {
	sub, err := fs.Sub(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("builtin descriptors: %w", err)
	}
	return LoadFS(sub)
}

// MustBuiltins is Builtins for callers that treat a broken embedded
// descriptor as a programming error.
func MustBuiltins() []*Descriptor {
	ds, err := Builtins()
	if err != nil {
		panic(err)
	}
	return ds
}
