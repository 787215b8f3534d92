package push

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"roster-alerts/pkg/roster"
)

// VAPIDConfig holds the application server identity for the Web Push protocol.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string // mailto: address or https URL of the operator
}

// WebPushRelay sends notifications through the subscriber's push service.
type WebPushRelay struct {
	client  *http.Client
	logger  *slog.Logger
	vapid   VAPIDConfig
	timeout time.Duration
	ttl     int
}

// NewWebPushRelay creates a relay. Each send is bounded by timeout.
func NewWebPushRelay(vapid VAPIDConfig, timeout time.Duration, logger *slog.Logger) *WebPushRelay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebPushRelay{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		vapid:   vapid,
		timeout: timeout,
		ttl:     int((12 * time.Hour).Seconds()),
	}
}

// Send encrypts payload for sub and posts it to the push service.
// A 404 or 410 response is returned as a *GoneError.
func (r *WebPushRelay) Send(ctx context.Context, sub roster.PushSubscription, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      r.client,
		Subscriber:      r.vapid.Subject,
		VAPIDPublicKey:  r.vapid.PublicKey,
		VAPIDPrivateKey: r.vapid.PrivateKey,
		TTL:             r.ttl,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &GoneError{Endpoint: sub.Endpoint, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("push service returned HTTP %d", resp.StatusCode)
	}
	return nil
}
