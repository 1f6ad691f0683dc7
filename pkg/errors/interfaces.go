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

package errors

// UserVisibleError is implemented by errors whose message is safe to print
// in CLI output and API responses without further redaction.
type UserVisibleError interface {
	error

	IsUserVisible() bool

	// UserMessage returns a message free of implementation detail.
	UserMessage() string

	// Suggestion returns actionable guidance, or "" when there is none.
	Suggestion() string
}

// ErrorClassifier is implemented by every error in the engine taxonomy.
// Callers branch on ErrorType rather than on concrete types when they only
// need the category (HTTP status mapping, metrics labels).
type ErrorClassifier interface {
	error

	// ErrorType returns one of the Type* constants.
	ErrorType() string

	// IsRetryable reports whether the caller may retry the same request.
	IsRetryable() bool
}
