package sandbox

import (
	"context"

	"anvil.build/anvil/internal/bundle"
	"anvil.build/anvil/internal/message"
)

// MockEngine is a test double for the Engine interface. It records
// calls and lets tests configure the produced result.
type MockEngine struct {
	// Calls records the parameters of each Execute invocation.
	Calls []message.ExecutionParams

	// ExecuteFn, if set, is invoked for each Execute call, giving tests
	// full control over the returned result.
	ExecuteFn func(ctx context.Context, meta *bundle.Metadata, params message.ExecutionParams) message.BasicExecutionResult
}

// NewMockEngine returns a MockEngine with no configured behavior. By
// default Execute reports a successful run with no output.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Execute implements Engine.
func (m *MockEngine) Execute(ctx context.Context, meta *bundle.Metadata, params message.ExecutionParams) message.BasicExecutionResult {
	m.Calls = append(m.Calls, params)
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, meta, params)
	}
	return message.BasicExecutionResult{}
}
