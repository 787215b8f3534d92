// Package push delivers web push notifications for new roster transactions.
package push

import (
	"context"
	"errors"
	"fmt"

	"roster-alerts/pkg/roster"
)

// Payload defaults applied under any caller-provided values.
const (
	DefaultIcon  = "/icon-192.png"
	DefaultBadge = "/icon-192.png"
	DefaultURL   = "/"
)

// Relay delivers one encrypted payload to one push subscription.
type Relay interface {
	Send(ctx context.Context, sub roster.PushSubscription, payload []byte) error
}

// GoneError means the push service reported the endpoint permanently gone.
type GoneError struct {
	Endpoint   string
	StatusCode int
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("push endpoint gone (HTTP %d): %s", e.StatusCode, e.Endpoint)
}

// IsGoneError checks if an error is a GoneError.
func IsGoneError(err error) bool {
	var gone *GoneError
	return errors.As(err, &gone)
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Icon  string      `json:"icon"`
	Badge string      `json:"badge"`
	Data  PayloadData `json:"data"`
}

// PayloadData carries the click-through target.
type PayloadData struct {
	URL string `json:"url"`
}

// withDefaults fills empty fields with the package defaults.
func (p Payload) withDefaults() Payload {
	if p.Icon == "" {
		p.Icon = DefaultIcon
	}
	if p.Badge == "" {
		p.Badge = DefaultBadge
	}
	if p.Data.URL == "" {
		p.Data.URL = DefaultURL
	}
	return p
}

// Body composes the notification text for a batch of new transactions.
func Body(txs []roster.Transaction) string {
	if len(txs) == 1 {
		return txs[0].Player + " — " + txs[0].Detail
	}
	return fmt.Sprintf("%d new transactions. Tap to view.", len(txs))
}
