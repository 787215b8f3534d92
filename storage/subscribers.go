package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"roster-alerts/pkg/roster"
)

const subscriberPrefix = "sub-"

// SubscriberKey derives a stable object name from a push endpoint.
func SubscriberKey(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return subscriberPrefix + hex.EncodeToString(sum[:]) + ".json"
}

// Upsert inserts or replaces a subscriber keyed by its push endpoint.
func (s *Store) Upsert(ctx context.Context, sub roster.Subscriber) error {
	if !sub.Subscription.Valid() {
		return errors.New("invalid push subscription")
	}
	key := SubscriberKey(sub.Subscription.Endpoint)

	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}

	s.logger.Info("Subscriber saved", "key", key, "email", sub.Email, "active", sub.IsActive)
	return nil
}

// Retire marks the subscriber with the given endpoint inactive.
// Retiring an unknown or already retired endpoint is a no-op.
func (s *Store) Retire(ctx context.Context, endpoint string) error {
	key := SubscriberKey(endpoint)
	sub, err := s.loadSubscriber(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			s.logger.Info("Retire requested for unknown subscriber", "key", key)
			return nil
		}
		return err
	}
	if !sub.IsActive {
		return nil
	}

	sub.IsActive = false
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := s.write(ctx, key, data); err != nil {
		return fmt.Errorf("retire subscriber: %w", err)
	}

	s.logger.Info("Subscriber retired", "key", key, "email", sub.Email)
	return nil
}

// ListActive returns all subscribers that have not been retired.
func (s *Store) ListActive(ctx context.Context) ([]roster.Subscriber, error) {
	keys, err := s.keys(ctx, subscriberPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var subs []roster.Subscriber
	for _, key := range keys {
		sub, err := s.loadSubscriber(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", key, "error", err)
			continue
		}
		if sub.IsActive {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (s *Store) loadSubscriber(ctx context.Context, key string) (roster.Subscriber, error) {
	data, err := s.read(ctx, key)
	if err != nil {
		return roster.Subscriber{}, err
	}
	sub, ok := roster.DecodeSubscriber(data)
	if !ok {
		return roster.Subscriber{}, fmt.Errorf("malformed subscriber record %s", key)
	}
	return sub, nil
}
