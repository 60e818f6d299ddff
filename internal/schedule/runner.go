package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/cache"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/clock"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/crawler"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/metrics"
	"github.com/minyong318-png/search-tennis-cloudflared/internal/store"
)

// Lister is the crawler surface the runner needs.
type Lister interface {
	ListFacilities(ctx context.Context) (map[string]crawler.Facility, error)
	FetchSlots(ctx context.Context, rid, date string) []crawler.Slot
}

// Checker evaluates alarms against the freshly stored availability.
type Checker interface {
	RunChecks(ctx context.Context, facilities map[string]crawler.Facility, avail crawler.Availability) error
}

// Config tunes one runner.
type Config struct {
	FullFacilityParts  int
	FullDateParts      int
	DeltaFacilityParts int
	DeltaDays          int
	NightHour          int
	NightFacilities    []string
	Concurrency        int
	MaxRetries         int
	SnapshotTTL        time.Duration
}

// Runner executes one crawl partition per tick and keeps the persisted
// cursor moving.
type Runner struct {
	crawler Lister
	store   *store.Store
	cache   *cache.Cache
	checker Checker
	clk     clock.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewRunner wires a runner from its collaborators.
func NewRunner(c Lister, st *store.Store, ch *cache.Cache, checker Checker, clk clock.Clock, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 2 * time.Minute
	}
	return &Runner{
		crawler: c,
		store:   st,
		cache:   ch,
		checker: checker,
		clk:     clk,
		cfg:     cfg,
		logger:  logger,
	}
}

func (r *Runner) limits() Limits {
	return Limits{
		FullFacilityParts:  r.cfg.FullFacilityParts,
		FullDateParts:      r.cfg.FullDateParts,
		DeltaFacilityParts: r.cfg.DeltaFacilityParts,
		MaxRetries:         r.cfg.MaxRetries,
	}
}

// Tick runs one scheduler step: daily reset if due, crawl the current
// partition, publish the snapshot, run alarm checks, then advance and
// persist the cursor. A failed partition is retried next tick until the
// retry budget forces a skip.
func (r *Runner) Tick(ctx context.Context) error {
	start := r.clk.Now()
	now := start.In(KST)
	today := Today(now)

	var st State
	found, err := r.cache.LoadState(ctx, &st)
	if err != nil {
		return fmt.Errorf("load crawl state: %w", err)
	}
	if !found {
		st = Reset(today)
		r.logger.Info("initialized crawl state", zap.String("date", today))
	}

	if NeedsReset(st, today) {
		if err := r.store.ClearAvailability(ctx); err != nil {
			return fmt.Errorf("daily reset: %w", err)
		}
		if err := r.store.CleanupOld(ctx, today); err != nil {
			return fmt.Errorf("daily cleanup: %w", err)
		}
		st = Reset(today)
		r.logger.Info("daily reset completed", zap.String("date", today))
	}

	phase := PhaseFor(st, now.Hour(), r.cfg.NightHour)
	st.Phase = phase

	err = r.runPartition(ctx, phase, st, now)
	if err != nil {
		next, skipped := Fail(st, phase, r.limits(), err.Error())
		if skipped {
			r.logger.Error("partition skipped after repeated failures",
				zap.String("phase", string(phase)),
				zap.Int("facilityPart", st.FacilityPart),
				zap.Int("datePart", st.DatePart),
				zap.Error(err))
		} else {
			r.logger.Warn("partition failed, will retry",
				zap.String("phase", string(phase)),
				zap.Int("retryCount", next.RetryCount),
				zap.Error(err))
		}
		if saveErr := r.cache.SaveState(ctx, next); saveErr != nil {
			return fmt.Errorf("save crawl state after failure: %w", saveErr)
		}
		metrics.ObserveTick(string(phase), "error", r.clk.Now().Sub(start))
		return err
	}

	st = Advance(st, phase, r.limits())
	if err := r.cache.SaveState(ctx, st); err != nil {
		return fmt.Errorf("save crawl state: %w", err)
	}
	metrics.ObserveTick(string(phase), "ok", r.clk.Now().Sub(start))
	return nil
}

func (r *Runner) runPartition(ctx context.Context, phase Phase, st State, now time.Time) error {
	facilities, err := r.crawler.ListFacilities(ctx)
	if err != nil {
		return fmt.Errorf("list facilities: %w", err)
	}

	var rids, dates []string
	switch phase {
	case PhaseFull:
		ids := crawler.SortedFacilityIDs(facilities)
		rids = Partition(ids, r.cfg.FullFacilityParts, st.FacilityPart)
		dates = Partition(FullDates(now), r.cfg.FullDateParts, st.DatePart)
	case PhaseDelta:
		ids := crawler.SortedFacilityIDs(facilities)
		rids = Partition(ids, r.cfg.DeltaFacilityParts, st.FacilityPart)
		dates = DeltaDates(now, r.cfg.DeltaDays)
	case PhaseNight:
		rids = crawler.PickByNames(facilities, r.cfg.NightFacilities)
		dates = NightDates(now)
	}

	r.logger.Info("crawling partition",
		zap.String("phase", string(phase)),
		zap.Int("facilityPart", st.FacilityPart),
		zap.Int("datePart", st.DatePart),
		zap.Int("facilities", len(rids)),
		zap.Int("dates", len(dates)))

	if err := r.crawlPairs(ctx, rids, dates); err != nil {
		return err
	}

	avail, err := r.store.ReadAvailability(ctx)
	if err != nil {
		return fmt.Errorf("read availability: %w", err)
	}
	payload, err := snapshotPayload(facilities, avail, now)
	if err != nil {
		return err
	}
	if err := r.cache.PutSnapshot(ctx, payload, r.cfg.SnapshotTTL); err != nil {
		return err
	}

	if err := r.checker.RunChecks(ctx, facilities, avail); err != nil {
		return fmt.Errorf("alarm checks: %w", err)
	}
	return nil
}

type pair struct {
	rid, date string
}

// crawlPairs fetches and stores every (facility, date) pair with a
// bounded worker pool. Pairs are visited in deterministic sorted order.
func (r *Runner) crawlPairs(ctx context.Context, rids, dates []string) error {
	pairs := make([]pair, 0, len(rids)*len(dates))
	for _, rid := range rids {
		for _, date := range dates {
			pairs = append(pairs, pair{rid: rid, date: date})
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	workers := r.cfg.Concurrency
	if workers > len(pairs) {
		workers = len(pairs)
	}

	var (
		mu       sync.Mutex
		next     int
		firstErr error
		wg       sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if next >= len(pairs) || firstErr != nil {
					mu.Unlock()
					return
				}
				p := pairs[next]
				next++
				mu.Unlock()

				slots := r.crawler.FetchSlots(ctx, p.rid, p.date)
				if err := r.store.UpsertAvailability(ctx, p.rid, p.date, slots); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("pair %s/%s: %w", p.rid, p.date, err)
					}
					mu.Unlock()
					return
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// snapshot is the read-optimized payload the API serves from cache.
type snapshot struct {
	Facilities   map[string]crawler.Facility `json:"facilities"`
	Availability crawler.Availability        `json:"availability"`
	UpdatedAt    string                      `json:"updated_at"`
}

func snapshotPayload(facilities map[string]crawler.Facility, avail crawler.Availability, now time.Time) ([]byte, error) {
	visible := make(map[string]crawler.Facility, len(facilities))
	for id, f := range facilities {
		if f.IsPlaceholder() {
			continue
		}
		visible[id] = f
	}
	raw, err := json.Marshal(snapshot{
		Facilities:   visible,
		Availability: avail,
		UpdatedAt:    now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}
