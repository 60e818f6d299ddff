// Package alarm diffs current availability against each alarm's baseline
// and pushes a notification for every newly opened slot, exactly once.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/crawler"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/metrics"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/webpush"
)

const (
	notificationTitle  = "🎾 예약 가능 알림"
	defaultMaxPerAlarm = 5
)

// Pusher delivers one notification to one subscription.
type Pusher interface {
	Send(ctx context.Context, sub webpush.Subscription, title, body string) error
}

// Engine evaluates every registered alarm against fresh availability.
type Engine struct {
	store       *store.Store
	push        Pusher
	maxPerAlarm int
	logger      *zap.Logger
}

// NewEngine builds an engine; maxPerAlarm <= 0 falls back to 5 sends
// per alarm per evaluation.
func NewEngine(st *store.Store, push Pusher, maxPerAlarm int, logger *zap.Logger) *Engine {
	if maxPerAlarm <= 0 {
		maxPerAlarm = defaultMaxPerAlarm
	}
	return &Engine{
		store:       st,
		push:        push,
		maxPerAlarm: maxPerAlarm,
		logger:      logger,
	}
}

// RunChecks evaluates all alarms. A first evaluation seeds the baseline
// with everything currently open and fires a capped batch of first-seen
// notifications; afterwards only slots absent from the baseline fire.
// Every send is gated on the sent-slot dedup set, so re-processing a
// partition never re-alerts.
func (e *Engine) RunChecks(ctx context.Context, facilities map[string]crawler.Facility, avail crawler.Availability) error {
	alarms, err := e.store.ListAllAlarms(ctx)
	if err != nil {
		return err
	}
	if len(alarms) == 0 {
		return nil
	}
	subs, err := e.store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}

	groups := crawler.BuildCourtGroupMap(facilities)
	flat := crawler.FlattenSlots(facilities, avail)

	for _, a := range alarms {
		sub, ok := subs[a.SubscriptionID]
		if !ok {
			continue
		}
		members := groups[a.CourtGroup]
		if len(members) == 0 {
			continue
		}
		times := currentTimes(flat, members, a.Date)
		if err := e.evaluate(ctx, a, sub, times); err != nil {
			return err
		}
	}
	return nil
}

// currentTimes collects the distinct time labels open for any member
// facility on the given date, sorted.
func currentTimes(flat []crawler.FlatSlot, members []string, date string) []string {
	inGroup := make(map[string]bool, len(members))
	for _, cid := range members {
		inGroup[cid] = true
	}
	seen := map[string]bool{}
	var times []string
	for _, s := range flat {
		if s.Date != date || !inGroup[s.FacilityID] || seen[s.Time] {
			continue
		}
		seen[s.Time] = true
		times = append(times, s.Time)
	}
	sort.Strings(times)
	return times
}

func (e *Engine) evaluate(ctx context.Context, a store.Alarm, sub store.Subscription, times []string) error {
	baseline, err := e.store.LoadBaseline(ctx, a.SubscriptionID, a.CourtGroup, a.Date)
	if err != nil {
		return err
	}

	target := webpush.Subscription{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth}

	if len(baseline) == 0 {
		for _, t := range times {
			if err := e.store.InsertBaseline(ctx, a.SubscriptionID, a.CourtGroup, a.Date, t); err != nil {
				return err
			}
		}
		// First-seen batch, capped so seeding a busy date does not flood.
		firstSeen := times
		if len(firstSeen) > e.maxPerAlarm {
			firstSeen = firstSeen[:e.maxPerAlarm]
		}
		for _, t := range firstSeen {
			if _, err := e.fire(ctx, a, sub.ID, target, t, false); err != nil {
				return err
			}
		}
		return nil
	}

	sent := 0
	for _, t := range times {
		if baseline[t] {
			continue
		}
		if sent >= e.maxPerAlarm {
			break
		}
		fired, err := e.fire(ctx, a, sub.ID, target, t, true)
		if err != nil {
			return err
		}
		if fired {
			sent++
			baseline[t] = true
		}
	}
	return nil
}

// fire sends one notification unless it was already delivered, then
// records the dedup rows. Push failures are logged, not propagated, so
// one unreachable endpoint cannot stall the check pass; a slot whose
// send failed stays unmarked and retries on a later tick.
func (e *Engine) fire(ctx context.Context, a store.Alarm, subID string, target webpush.Subscription, t string, recordBaseline bool) (bool, error) {
	slotKey := fmt.Sprintf("%s|%s|%s", a.CourtGroup, a.Date, t)
	already, err := e.store.IsSent(ctx, subID, slotKey)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	body := fmt.Sprintf("%s %s %s", a.CourtGroup, a.Date, t)
	if err := e.push.Send(ctx, target, notificationTitle, body); err != nil {
		if errors.Is(err, webpush.ErrSubscriptionGone) {
			e.logger.Info("removing dead subscription",
				zap.String("subscription", subID),
				zap.Error(err))
			metrics.ObservePush("gone")
			if err := e.store.DeleteSubscription(ctx, subID); err != nil {
				return false, err
			}
			return false, nil
		}
		e.logger.Warn("push delivery failed",
			zap.String("subscription", subID),
			zap.String("slot", slotKey),
			zap.Error(err))
		metrics.ObservePush("error")
		return false, nil
	}
	metrics.ObservePush("ok")

	if recordBaseline {
		if err := e.store.InsertBaseline(ctx, a.SubscriptionID, a.CourtGroup, a.Date, t); err != nil {
			return false, err
		}
	}
	if err := e.store.MarkSent(ctx, subID, slotKey); err != nil {
		return false, err
	}
	return true, nil
}
