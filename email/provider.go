// Package email sends operator alert emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends operator alerts using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
	to       string // Operator address
}

// New creates a new alert sender. The sender is a no-op when to is empty.
func New(provider Provider, logger *slog.Logger, baseURL, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
		to:       to,
	}
}

// SendStructuralAlert tells the operator that the watched page no longer has the
// expected shape and the extractor needs attention.
func (s *Sender) SendStructuralAlert(ctx context.Context, pageURL, reason string, at time.Time) error {
	if s.to == "" {
		s.logger.Info("Structural alert suppressed, no operator address configured", "reason", reason)
		return nil
	}

	subject := "Roster page layout changed"
	body := s.formatStructuralAlert(pageURL, reason, at)

	s.logger.Info("Sending structural alert email",
		"to", s.to,
		"subject", subject,
		"reason", reason)

	return s.provider.Send(ctx, s.to, subject, body)
}

// sendWithRetry runs one provider call with the shared retry policy and timing logs.
func sendWithRetry(ctx context.Context, logger *slog.Logger, provider, to string, call func() error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			err := call()
			duration := time.Since(start)
			if err != nil {
				logger.Warn("Email provider request failed, will retry",
					"provider", provider,
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			logger.Info("Email provider request completed",
				"provider", provider,
				"to", to,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send after error", "provider", provider, "attempt", n, "error", err)
		}),
	)
}

func errStatus(code int) error {
	return fmt.Errorf("HTTP %d", code)
}
