package store

import (
	"context"
	"fmt"
)

// Alarm is a watch on one court group for one date.
type Alarm struct {
	SubscriptionID string `db:"subscription_id" json:"-"`
	CourtGroup     string `db:"court_group" json:"court_group"`
	Date           string `db:"date" json:"date"`
	CreatedAt      string `db:"created_at" json:"created_at"`
}

// AddAlarm registers an alarm. Returns false when the same subscription
// already watches that court group on that date.
func (s *Store) AddAlarm(ctx context.Context, subscriptionID, courtGroup, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alarms (subscription_id, court_group, date)
		VALUES (?, ?, ?)
		ON CONFLICT(subscription_id, court_group, date) DO NOTHING
	`, subscriptionID, courtGroup, date)
	if err != nil {
		return false, fmt.Errorf("add alarm: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add alarm rows: %w", err)
	}
	return n > 0, nil
}

// ListAlarms returns one subscription's alarms ordered by date and group.
func (s *Store) ListAlarms(ctx context.Context, subscriptionID string) ([]Alarm, error) {
	alarms := []Alarm{}
	err := s.db.SelectContext(ctx, &alarms, `
		SELECT subscription_id, court_group, date, created_at
		FROM alarms WHERE subscription_id = ?
		ORDER BY created_at DESC
	`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list alarms: %w", err)
	}
	return alarms, nil
}

// ListAllAlarms returns every registered alarm, for the check pass.
func (s *Store) ListAllAlarms(ctx context.Context) ([]Alarm, error) {
	alarms := []Alarm{}
	err := s.db.SelectContext(ctx, &alarms, `
		SELECT subscription_id, court_group, date, created_at
		FROM alarms ORDER BY date, court_group
	`)
	if err != nil {
		return nil, fmt.Errorf("list all alarms: %w", err)
	}
	return alarms, nil
}

// DeleteAlarm removes one alarm identified by its natural key.
func (s *Store) DeleteAlarm(ctx context.Context, subscriptionID, courtGroup, date string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM alarms
		WHERE subscription_id = ? AND court_group = ? AND date = ?
	`, subscriptionID, courtGroup, date)
	if err != nil {
		return fmt.Errorf("delete alarm: %w", err)
	}
	return nil
}
