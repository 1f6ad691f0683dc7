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
	"fmt"
)

// MockPrompter answers prompts from a script, for tests.
type MockPrompter struct {
	responses []any
	next      int
	calls     []string
}

// NewMockPrompter returns a prompter that replays responses in order.
// Strings answer Secret, bools answer Confirm.
func NewMockPrompter(responses ...any) *MockPrompter {
	return &MockPrompter{responses: responses}
}

func (m *MockPrompter) Secret(_ context.Context, title, _ string) (string, error) {
	m.calls = append(m.calls, "Secret("+title+")")
	resp, err := m.pop()
	if err != nil {
		return "", err
	}
	s, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("mock response %d is %T, not a string", m.next-1, resp)
	}
	return s, nil
}

func (m *MockPrompter) Confirm(_ context.Context, message string, def bool) (bool, error) {
	m.calls = append(m.calls, "Confirm("+message+")")
	if m.next >= len(m.responses) {
		return def, nil
	}
	resp, _ := m.pop()
	b, ok := resp.(bool)
	if !ok {
		return false, fmt.Errorf("mock response %d is %T, not a bool", m.next-1, resp)
	}
	return b, nil
}

func (m *MockPrompter) pop() (any, error) {
	if m.next >= len(m.responses) {
		return nil, fmt.Errorf("no mock response for prompt %d", m.next)
	}
	resp := m.responses[m.next]
	m.next++
	return resp, nil
}

// Calls lists the prompts shown so far.
func (m *MockPrompter) Calls() []string {
	return m.calls
}
