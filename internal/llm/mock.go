package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockCompleter is a scripted Completer for tests. Responses are returned
// in order; when the script runs out the last response repeats. A nil
// script makes every call fail.
type MockCompleter struct {
	mu        sync.Mutex
	responses []string
	calls     int

	// Err, when set, is returned by every call instead of a response.
	Err error
}

// NewMockCompleter scripts the given responses.
func NewMockCompleter(responses ...string) *MockCompleter {
	return &MockCompleter{responses: responses}
}

// Complete returns the next scripted response.
func (m *MockCompleter) Complete(_ context.Context, _ []Message, _ bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.responses) == 0 {
		return "", fmt.Errorf("mock: no scripted response")
	}
	i := m.calls - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	return m.responses[i], nil
}

// Calls reports how many times Complete ran.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Model identifies the mock in logs.
func (m *MockCompleter) Model() string {
	return "mock"
}

var _ Completer = (*MockCompleter)(nil)
