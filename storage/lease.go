package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const leasePrefix = "lock-"

type lease struct {
	ExpiresAt time.Time `json:"expires_at"`
	Owner     string    `json:"owner"`
}

// AcquireLease tries to take the named lease for owner until ttl elapses.
// It returns false without error when another owner holds an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	key := leasePrefix + name + ".json"
	data, err := json.Marshal(lease{Owner: owner, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}

	err = s.create(ctx, key, data)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errExists) {
		return false, fmt.Errorf("create lease: %w", err)
	}

	current, err := s.read(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			// Released between our create and read; take it on the next tick.
			return false, nil
		}
		return false, fmt.Errorf("read lease: %w", err)
	}
	var held lease
	if err := json.Unmarshal(current, &held); err == nil && s.now().Before(held.ExpiresAt) {
		s.logger.Info("Lease held by another run", "lease", name, "owner", held.Owner, "expires_at", held.ExpiresAt)
		return false, nil
	}

	// Expired or unreadable: clear it and race for a fresh create.
	s.logger.Warn("Taking over expired lease", "lease", name, "previous_owner", held.Owner)
	if err := s.remove(ctx, key); err != nil {
		return false, fmt.Errorf("clear expired lease: %w", err)
	}
	if err := s.create(ctx, key, data); err != nil {
		if errors.Is(err, errExists) {
			return false, nil
		}
		return false, fmt.Errorf("create lease: %w", err)
	}
	return true, nil
}

// ReleaseLease drops the named lease if owner still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	key := leasePrefix + name + ".json"
	current, err := s.read(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}
	var held lease
	if err := json.Unmarshal(current, &held); err == nil && held.Owner != owner {
		s.logger.Warn("Lease owned by another run, not releasing", "lease", name, "owner", held.Owner)
		return nil
	}
	return s.remove(ctx, key)
}
