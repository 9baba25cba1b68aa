package messaging

import (
	"context"
	"sync"
	"time"
)

// MockService records actions instead of sending them. Err, when set, is returned
// from every Send; Delay makes Send wait, honoring ctx.
type MockService struct {
	mu    sync.Mutex
	sent  []Action
	Err   error
	Delay time.Duration
}

// NewMockService creates a MockService.
func NewMockService() *MockService {
	return &MockService{}
}

// Send implements Service.
func (m *MockService) Send(ctx context.Context, action Action) error {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, action)
	return nil
}

// Sent returns a copy of the recorded actions.
func (m *MockService) Sent() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Action(nil), m.sent...)
}

// SetErr changes the error returned by subsequent sends.
func (m *MockService) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}
