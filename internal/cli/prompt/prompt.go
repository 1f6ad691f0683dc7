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

// Package prompt collects interactive input for CLI commands.
package prompt

import (
	"context"
	"errors"
)

// ErrNonInteractive is returned when a prompt is needed but the session
// cannot show one.
var ErrNonInteractive = errors.New("cannot prompt in non-interactive mode")

// Prompter asks the user for values.
type Prompter interface {
	// Secret reads a value without echoing it.
	Secret(ctx context.Context, title, description string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, message string, def bool) (bool, error)
}
