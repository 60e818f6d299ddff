package store

import (
	"context"
	"fmt"
)

// LoadBaseline returns the set of slot times already known for one alarm,
// keyed by time label. An empty set means the alarm has never been seeded.
func (s *Store) LoadBaseline(ctx context.Context, subscriptionID, courtGroup, date string) (map[string]bool, error) {
	var times []string
	err := s.db.SelectContext(ctx, &times, `
		SELECT time_content FROM baseline_slots
		WHERE subscription_id = ? AND court_group = ? AND date = ?
	`, subscriptionID, courtGroup, date)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	set := make(map[string]bool, len(times))
	for _, t := range times {
		set[t] = true
	}
	return set, nil
}

// InsertBaseline records a slot time as known. Idempotent.
func (s *Store) InsertBaseline(ctx context.Context, subscriptionID, courtGroup, date, timeContent string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO baseline_slots (subscription_id, court_group, date, time_content)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscription_id, court_group, date, time_content) DO NOTHING
	`, subscriptionID, courtGroup, date, timeContent)
	if err != nil {
		return fmt.Errorf("insert baseline: %w", err)
	}
	return nil
}

// IsSent reports whether a notification for this slot key was already
// delivered to the subscription within the retention window.
func (s *Store) IsSent(ctx context.Context, subscriptionID, slotKey string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM sent_slots
		WHERE subscription_id = ? AND slot_key = ?
	`, subscriptionID, slotKey)
	if err != nil {
		return false, fmt.Errorf("check sent: %w", err)
	}
	return n > 0, nil
}

// MarkSent records a delivered notification. Idempotent.
func (s *Store) MarkSent(ctx context.Context, subscriptionID, slotKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sent_slots (subscription_id, slot_key, sent_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(subscription_id, slot_key) DO UPDATE SET sent_at=excluded.sent_at
	`, subscriptionID, slotKey)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}
