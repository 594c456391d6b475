package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient simulates a voice provider for tests and load generation.
// It honors context cancellation during the configured delay and remembers
// every dispatch it saw.
type MockClient struct {
	mu       sync.Mutex
	name     string
	delay    time.Duration
	failWith error
	seq      int
	calls    []*DispatchRequest
}

func NewMockClient(name string) *MockClient {
	return &MockClient{name: name}
}

// WithDelay makes every dispatch take d before answering.
func (m *MockClient) WithDelay(d time.Duration) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// FailWith makes every subsequent dispatch return err.
func (m *MockClient) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MockClient) Name() string { return m.name }

func (m *MockClient) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	m.mu.Lock()
	delay := m.delay
	failWith := m.failWith
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failWith != nil {
		return nil, failWith
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.calls = append(m.calls, req)
	return &DispatchResult{
		ProviderCallID: fmt.Sprintf("%s-call-%d", m.name, m.seq),
		Raw:            map[string]any{"status": "queued"},
	}, nil
}

// Calls returns a copy of everything dispatched so far.
func (m *MockClient) Calls() []*DispatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DispatchRequest, len(m.calls))
	copy(out, m.calls)
	return out
}
