package alarm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/crawler"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/webpush"
)

type fakePusher struct {
	mu     sync.Mutex
	bodies []string
	err    error
}

func (f *fakePusher) Send(_ context.Context, _ webpush.Subscription, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func newTestEngine(t *testing.T, push Pusher) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, push, 5, zap.NewNop()), st
}

func seedSubscription(t *testing.T, st *store.Store) string {
	t.Helper()
	id, err := st.UpsertSubscription(context.Background(),
		"https://push.example/ep1", "p256dh-key", "auth-secret")
	require.NoError(t, err)
	return id
}

func fooAvailability(times ...string) (map[string]crawler.Facility, crawler.Availability) {
	facilities := map[string]crawler.Facility{
		"100": {ID: "100", Title: "Foo 테니스장 [A]"},
		"101": {ID: "101", Title: "Foo 테니스장 [B]"},
	}
	slots := make([]crawler.Slot, 0, len(times))
	for _, tm := range times {
		slots = append(slots, crawler.Slot{Time: tm, ReservationID: "100"})
	}
	avail := crawler.Availability{
		"100": {"20250601": slots},
		"101": {"20250601": slots},
	}
	return facilities, avail
}

func TestRunChecks_SeedsBaselineAndCapsFirstSeen(t *testing.T) {
	t.Parallel()

	push := &fakePusher{}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)

	var times []string
	for i := 8; i < 18; i++ {
		times = append(times, fmt.Sprintf("%02d:00", i))
	}
	facilities, avail := fooAvailability(times...)

	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	require.Len(t, push.bodies, 5)

	baseline, err := st.LoadBaseline(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)
	require.Len(t, baseline, len(times))
}

func TestRunChecks_SecondEvaluationIsSilent(t *testing.T) {
	t.Parallel()

	push := &fakePusher{}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)

	facilities, avail := fooAvailability("09:00", "10:00")
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	sent := len(push.bodies)

	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	require.Len(t, push.bodies, sent)
}

func TestRunChecks_NewSlotFiresOnce(t *testing.T) {
	t.Parallel()

	push := &fakePusher{}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)

	// Baseline already knows 09:00; both courts now show 09:00 and 10:00.
	require.NoError(t, st.InsertBaseline(ctx, subID, "Foo", "20250601", "09:00"))

	facilities, avail := fooAvailability("09:00", "10:00")
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))

	require.Equal(t, []string{"Foo 20250601 10:00"}, push.bodies)

	baseline, err := st.LoadBaseline(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)
	require.True(t, baseline["09:00"])
	require.True(t, baseline["10:00"])

	// Reprocessing the same availability never re-sends.
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	require.Len(t, push.bodies, 1)
}

func TestRunChecks_SentSlotDedupSurvivesMissingBaseline(t *testing.T) {
	t.Parallel()

	push := &fakePusher{}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)

	require.NoError(t, st.InsertBaseline(ctx, subID, "Foo", "20250601", "09:00"))
	// 10:00 was notified before but the baseline write was missed.
	require.NoError(t, st.MarkSent(ctx, subID, "Foo|20250601|10:00"))

	facilities, avail := fooAvailability("09:00", "10:00")
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	require.Empty(t, push.bodies)
}

func TestRunChecks_DeletesGoneSubscription(t *testing.T) {
	t.Parallel()

	push := &fakePusher{err: fmt.Errorf("wrapped: %w", webpush.ErrSubscriptionGone)}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)
	require.NoError(t, st.InsertBaseline(ctx, subID, "Foo", "20250601", "09:00"))

	facilities, avail := fooAvailability("09:00", "10:00")
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))

	_, err = st.GetSubscription(ctx, subID)
	require.ErrorIs(t, err, store.ErrNotFound)

	alarms, err := st.ListAllAlarms(ctx)
	require.NoError(t, err)
	require.Empty(t, alarms)
}

func TestRunChecks_PushFailureDoesNotMarkSent(t *testing.T) {
	t.Parallel()

	push := &fakePusher{err: fmt.Errorf("push service returned 500")}
	engine, st := newTestEngine(t, push)
	ctx := context.Background()

	subID := seedSubscription(t, st)
	_, err := st.AddAlarm(ctx, subID, "Foo", "20250601")
	require.NoError(t, err)
	require.NoError(t, st.InsertBaseline(ctx, subID, "Foo", "20250601", "09:00"))

	facilities, avail := fooAvailability("09:00", "10:00")
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))

	// Delivery recovers; the slot fires on the next pass.
	push.err = nil
	require.NoError(t, engine.RunChecks(ctx, facilities, avail))
	require.Equal(t, []string{"Foo 20250601 10:00"}, push.bodies)
}
