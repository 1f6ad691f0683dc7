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

package registry

import (
	"strings"

	"github.com/tombee/switchboard/internal/connector"
)

// Filter selects descriptors in List.
type Filter func(*connector.Descriptor) bool

// ByAuth keeps connectors using the given auth scheme.
func ByAuth(kind connector.AuthKind) Filter {
	return func(d *connector.Descriptor) bool { return d.Auth != nil && d.Auth.Kind() == kind }
}

// ByPrefix keeps connectors whose id starts with prefix.
func ByPrefix(prefix string) Filter {
	return func(d *connector.Descriptor) bool { return strings.HasPrefix(d.ID, prefix) }
}

// Routable keeps connectors the router may pick: anything with utterances
// except the generic HTTP fallback.
func Routable() Filter {
	return func(d *connector.Descriptor) bool {
		return d.ID != connector.GenericHTTPID && len(d.RoutingHints.Utterances) > 0
	}
}

// WithCacheableOperations keeps connectors that can serve cached responses.
func WithCacheableOperations() Filter {
	return func(d *connector.Descriptor) bool {
		if !d.Policy.Cache.Enabled {
			return false
		}
		for _, op := range d.Operations {
			if op.Cacheable {
				return true
			}
		}
		return false
	}
}
