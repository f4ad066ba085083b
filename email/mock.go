package email

import (
	"context"
	"log/slog"
	"sync"

	"offline-notifier/pkg/notifier"
)

// MockProvider logs emails instead of sending them and keeps them for inspection.
type MockProvider struct {
	logger *slog.Logger
	mu     sync.Mutex
	sent   []notifier.Email
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(ctx context.Context, email notifier.Email) error {
	email = sanitize(email)
	m.logger.Info("MOCK EMAIL",
		"to", email.To,
		"from", email.From,
		"subject", email.Subject,
		"body_length", len(email.HTML))

	m.mu.Lock()
	m.sent = append(m.sent, email)
	m.mu.Unlock()
	return nil
}

// Sent returns a copy of every email passed to Send.
func (m *MockProvider) Sent() []notifier.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notifier.Email(nil), m.sent...)
}
