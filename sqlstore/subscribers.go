package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"roster-alerts/pkg/roster"
)

// Upsert inserts or replaces a subscriber keyed by its push endpoint.
func (db *DB) Upsert(ctx context.Context, sub roster.Subscriber) error {
	if !sub.Subscription.Valid() {
		return errors.New("invalid push subscription")
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
	INSERT INTO subscribers (endpoint, payload, is_active) VALUES (?, ?, ?)
	ON CONFLICT(endpoint) DO UPDATE SET
		payload = excluded.payload,
		is_active = excluded.is_active
	`, sub.Subscription.Endpoint, string(payload), sub.IsActive)
	if err != nil {
		return fmt.Errorf("save subscriber: %w", err)
	}
	db.logger.Info("Subscriber saved", "email", sub.Email, "active", sub.IsActive)
	return nil
}

// Retire marks the subscriber inactive. Repeated or unknown endpoints are no-ops.
func (db *DB) Retire(ctx context.Context, endpoint string) error {
	res, err := db.conn.ExecContext(ctx, `UPDATE subscribers SET is_active = 0 WHERE endpoint = ? AND is_active = 1`, endpoint)
	if err != nil {
		return fmt.Errorf("retire subscriber: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		db.logger.Info("Subscriber retired", "endpoint", endpoint)
	}
	return nil
}

// ListActive returns all subscribers that have not been retired.
func (db *DB) ListActive(ctx context.Context) ([]roster.Subscriber, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT payload FROM subscribers WHERE is_active = 1 ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []roster.Subscriber
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub, ok := roster.DecodeSubscriber([]byte(payload))
		if !ok {
			db.logger.Warn("Skipping malformed subscriber row")
			continue
		}
		sub.IsActive = true
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// AcquireLease takes the named lease for owner unless another owner holds an unexpired one.
func (db *DB) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	now := db.now()
	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO leases (name, owner, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		owner = excluded.owner,
		expires_at = excluded.expires_at
	WHERE leases.expires_at <= ?
	`, name, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops the named lease if owner still holds it.
func (db *DB) ReleaseLease(ctx context.Context, name, owner string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND owner = ?`, name, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
