package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Subscription is one browser push subscription. The id is the SHA-256 hex
// of the endpoint URL so re-subscribing the same endpoint updates in place.
type Subscription struct {
	ID       string `db:"id"`
	Endpoint string `db:"endpoint"`
	P256dh   string `db:"p256dh"`
	Auth     string `db:"auth"`
}

// SubscriptionID derives the deterministic id for an endpoint URL.
func SubscriptionID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// UpsertSubscription stores a subscription, replacing key material when the
// same endpoint subscribes again. Returns the subscription id.
func (s *Store) UpsertSubscription(ctx context.Context, endpoint, p256dh, auth string) (string, error) {
	id := SubscriptionID(endpoint)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, endpoint, p256dh, auth)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			endpoint=excluded.endpoint,
			p256dh=excluded.p256dh,
			auth=excluded.auth
	`, id, endpoint, p256dh, auth)
	if err != nil {
		return "", fmt.Errorf("upsert subscription: %w", err)
	}
	return id, nil
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT id, endpoint, p256dh, auth FROM push_subscriptions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// LatestSubscription returns the most recently inserted subscription,
// used by the test-alarm endpoint when no id is given.
func (s *Store) LatestSubscription(ctx context.Context) (Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub,
		`SELECT id, endpoint, p256dh, auth FROM push_subscriptions ORDER BY rowid DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("latest subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions loads every subscription keyed by id.
func (s *Store) ListSubscriptions(ctx context.Context) (map[string]Subscription, error) {
	var subs []Subscription
	if err := s.db.SelectContext(ctx, &subs,
		`SELECT id, endpoint, p256dh, auth FROM push_subscriptions`); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	out := make(map[string]Subscription, len(subs))
	for _, sub := range subs {
		out[sub.ID] = sub
	}
	return out, nil
}

// DeleteSubscription removes a permanently failed subscription together
// with its alarms, baseline and sent records.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	steps := []string{
		`DELETE FROM push_subscriptions WHERE id = ?`,
		`DELETE FROM alarms WHERE subscription_id = ?`,
		`DELETE FROM baseline_slots WHERE subscription_id = ?`,
		`DELETE FROM sent_slots WHERE subscription_id = ?`,
	}
	for _, q := range steps {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete subscription %s: %w", id, err)
		}
	}
	return nil
}
