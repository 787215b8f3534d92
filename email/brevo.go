package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return sendWithRetry(ctx, b.logger, "brevo", to, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api-key", b.apiKey)

		resp, err := b.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				b.logger.Warn("Failed to close response body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errStatus(resp.StatusCode)
		}
		return nil
	})
}
