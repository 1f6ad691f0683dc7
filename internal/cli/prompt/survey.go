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

package prompt

import (
	"context"
	"errors"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/charmbracelet/huh"
)

// Terminal prompts on the controlling terminal: huh for secrets and survey
// for confirmations.
type Terminal struct {
	interactive bool
}

// NewTerminal returns a Terminal prompter. When interactive is false every
// prompt fails with ErrNonInteractive.
func NewTerminal(interactive bool) *Terminal {
	return &Terminal{interactive: interactive}
}

func (p *Terminal) Secret(ctx context.Context, title, description string) (string, error) {
	if !p.interactive {
		return "", ErrNonInteractive
	}

	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Description(description).
				EchoMode(huh.EchoModePassword).
				Value(&value).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("a value is required")
					}
					return nil
				}),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

func (p *Terminal) Confirm(_ context.Context, message string, def bool) (bool, error) {
	if !p.interactive {
		return false, ErrNonInteractive
	}

	result := def
	err := survey.AskOne(&survey.Confirm{Message: message, Default: def}, &result)
	return result, err
}
