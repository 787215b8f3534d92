package push

import (
	"context"
	"log/slog"
	"sync"

	"roster-alerts/pkg/roster"
)

// MockRelay records sends instead of delivering them. Endpoints listed in
// Failures return the mapped error.
type MockRelay struct {
	Failures map[string]error

	logger *slog.Logger
	mu     sync.Mutex
	sent   map[string][]byte
}

// NewMockRelay creates a relay for local development and tests.
func NewMockRelay(logger *slog.Logger) *MockRelay {
	return &MockRelay{
		Failures: map[string]error{},
		logger:   logger,
		sent:     map[string][]byte{},
	}
}

// Send logs the notification instead of delivering it.
func (m *MockRelay) Send(_ context.Context, sub roster.PushSubscription, payload []byte) error {
	if err, ok := m.Failures[sub.Endpoint]; ok {
		return err
	}
	m.logger.Info("MOCK PUSH", "endpoint", sub.Endpoint, "payload_bytes", len(payload))
	m.mu.Lock()
	m.sent[sub.Endpoint] = payload
	m.mu.Unlock()
	return nil
}

// Sent returns the payload delivered to each endpoint.
func (m *MockRelay) Sent() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.sent))
	for k, v := range m.sent {
		out[k] = v
	}
	return out
}
