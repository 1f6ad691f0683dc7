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

// Package connector defines connector descriptors: the immutable description
// of a third-party API (base URL, operations, parameter schemas, auth scheme,
// resilience policy and routing hints) that every other engine component
// reads but never mutates.
//
// Descriptors are loaded from JSON or YAML files, or from the builtin set
// embedded in the binary:
//
//	d, err := connector.ParseFile("connectors/jira.yaml")
//	if err != nil {
//	    return err
//	}
//	op, ok := d.Operation("create_issue")
//
// A descriptor must be normalized (Normalize) before use. Normalization
// validates the descriptor, fills policy defaults, resolves the auth variant
// and computes the version hash used by the registry to detect conflicting
// re-registrations. After normalization a descriptor is read-only.
package connector
