// Package crawler discovers facilities on the public reservation site and
// fetches their open time slots.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/minyong318-png/search-tennis-cloudflared/internal/metrics"
)

// HTTPClient is the transport the Crawler runs on.
type HTTPClient interface {
	GetText(ctx context.Context, url string) (string, error)
	PostForm(ctx context.Context, url string, form map[string]string) ([]byte, error)
}

// Config governs crawl behavior against the reservation site.
type Config struct {
	// ListURL is the paginated facility-listing endpoint.
	ListURL string
	// TimeURL is the per-date slot-query endpoint.
	TimeURL string
	// Concurrency bounds the listing/slot fan-out worker pool (capped at 10).
	Concurrency int
	// SlotRetries is the retry budget for one slot query.
	SlotRetries int
	// SlotRetryDelay is the fixed wait between slot-query retries.
	SlotRetryDelay time.Duration
}

// Crawler scrapes the facility listing and queries per-date availability.
type Crawler struct {
	client HTTPClient
	cfg    Config
	logger *zap.Logger
}

// New constructs a Crawler.
func New(client HTTPClient, cfg Config, logger *zap.Logger) *Crawler {
	if cfg.Concurrency <= 0 || cfg.Concurrency > 10 {
		cfg.Concurrency = 10
	}
	if cfg.SlotRetries < 0 {
		cfg.SlotRetries = 2
	}
	if cfg.SlotRetryDelay <= 0 {
		cfg.SlotRetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{client: client, cfg: cfg, logger: logger}
}

var (
	pageIndexRe = regexp.MustCompile(`pageIndex=(\d+)`)
	resveIDRe   = regexp.MustCompile(`resveId=(\d+)`)
	titleRe     = regexp.MustCompile(`(?s)reserve_title[^>]*>(.*?)</div>`)
	locationRe  = regexp.MustCompile(`(?s)reserve_position[^>]*>(.*?)</div>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// ListFacilities fetches every page of the facility listing and merges the
// parsed facility blocks by id. Page 1 is fetched first to learn the maximum
// page index; the rest go through a bounded worker pool. Later pages never
// override titles discovered on earlier pages.
func (c *Crawler) ListFacilities(ctx context.Context) (map[string]Facility, error) {
	firstHTML, err := c.client.GetText(ctx, c.listPageURL(1))
	if err != nil {
		metrics.ObserveListingPage("error")
		return nil, fmt.Errorf("fetch listing page 1: %w", err)
	}
	metrics.ObserveListingPage("ok")
	maxPage := extractMaxPage(firstHTML)
	facilities := parseFacilities(firstHTML)

	if maxPage <= 1 {
		return facilities, nil
	}

	pages := make([]int, 0, maxPage-1)
	for p := 2; p <= maxPage; p++ {
		pages = append(pages, p)
	}

	htmls := make([]string, len(pages))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		next int
		errs []error
	)
	for w := 0; w < c.cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				idx := next
				next++
				mu.Unlock()
				if idx >= len(pages) {
					return
				}
				html, err := c.client.GetText(ctx, c.listPageURL(pages[idx]))
				if err != nil {
					metrics.ObserveListingPage("error")
					mu.Lock()
					errs = append(errs, fmt.Errorf("fetch listing page %d: %w", pages[idx], err))
					mu.Unlock()
					continue
				}
				metrics.ObserveListingPage("ok")
				htmls[idx] = html
			}
		}()
	}
	wg.Wait()

	for _, e := range errs {
		c.logger.Warn("listing page fetch failed", zap.Error(e))
	}

	// Merge in page order so the first page that named a facility wins.
	for _, html := range htmls {
		for id, f := range parseFacilities(html) {
			if _, seen := facilities[id]; !seen {
				facilities[id] = f
			}
		}
	}
	return facilities, nil
}

func (c *Crawler) listPageURL(page int) string {
	params := url.Values{}
	params.Set("searchFcltyFieldNm", "ITEM_01")
	params.Set("pageUnit", "20")
	params.Set("pageIndex", fmt.Sprintf("%d", page))
	params.Set("checkSearchMonthNow", "false")
	return c.cfg.ListURL + "?" + params.Encode()
}

// extractMaxPage finds the largest pageIndex referenced by pagination links.
func extractMaxPage(html string) int {
	maxPage := 1
	for _, m := range pageIndexRe.FindAllStringSubmatch(html, -1) {
		var n int
		if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil && n > maxPage {
			maxPage = n
		}
	}
	return maxPage
}

// parseFacilities splits the listing HTML into reserve_box_item blocks and
// extracts id, title and location from each.
func parseFacilities(html string) map[string]Facility {
	out := make(map[string]Facility)
	for _, block := range strings.Split(html, "reserve_box_item") {
		idMatch := resveIDRe.FindStringSubmatch(block)
		if idMatch == nil {
			continue
		}
		id := idMatch[1]

		var title, location string
		if m := titleRe.FindStringSubmatch(block); m != nil {
			title = cleanText(m[1])
		}
		if m := locationRe.FindStringSubmatch(block); m != nil {
			location = cleanText(m[1])
			if title != "" && location != "" {
				title = strings.TrimSpace(strings.Replace(title, location, "", 1))
			}
		}
		if title == "" {
			title = placeholderTitle(id)
		}
		out[id] = Facility{ID: id, Title: title, Location: location}
	}
	return out
}

func cleanText(s string) string {
	s = htmlTagRe.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

type slotItem struct {
	TimeContent string `json:"timeContent"`
	ResveTmNm   string `json:"resveTmNm"`
	TmNm        string `json:"tmNm"`
}

type slotQueryResponse struct {
	ResveTmList []slotItem `json:"resveTmList"`
}

// FetchSlots queries open times for one facility and date. Transport and
// parse failures are retried a fixed number of times with a fixed delay;
// after the budget is spent an empty list is returned so a crawl partition
// never aborts on one bad pair.
func (c *Crawler) FetchSlots(ctx context.Context, facilityID, date string) []Slot {
	form := map[string]string{
		"dateVal": date,
		"resveId": facilityID,
	}
	for attempt := 0; ; attempt++ {
		body, err := c.client.PostForm(ctx, c.cfg.TimeURL, form)
		if err == nil {
			var resp slotQueryResponse
			if err = json.Unmarshal(body, &resp); err == nil {
				metrics.ObserveSlotQuery("ok")
				return normalizeSlots(facilityID, resp.ResveTmList)
			}
			err = fmt.Errorf("decode slot response: %w", err)
		}
		if attempt >= c.cfg.SlotRetries || ctx.Err() != nil {
			metrics.ObserveSlotQuery("error")
			c.logger.Warn("slot query failed, returning empty",
				zap.String("facility_id", facilityID),
				zap.String("date", date),
				zap.Error(err),
			)
			return []Slot{}
		}
		select {
		case <-ctx.Done():
			return []Slot{}
		case <-time.After(c.cfg.SlotRetryDelay):
		}
	}
}

// normalizeSlots applies the documented label fallbacks (timeContent, then
// resveTmNm, then tmNm) and drops entries without any label.
func normalizeSlots(facilityID string, items []slotItem) []Slot {
	slots := make([]Slot, 0, len(items))
	for _, it := range items {
		label := it.TimeContent
		if label == "" {
			label = it.ResveTmNm
		}
		if label == "" {
			label = it.TmNm
		}
		if label == "" {
			continue
		}
		slots = append(slots, Slot{Time: label, ReservationID: facilityID})
	}
	return slots
}

// SortedFacilityIDs returns the facility ids in deterministic order, which
// the scheduler relies on for stable partitioning.
func SortedFacilityIDs(facilities map[string]Facility) []string {
	ids := make([]string, 0, len(facilities))
	for id := range facilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PickByNames returns the ids of facilities whose title contains any of the
// given names (the NIGHT-phase priority allow-list).
func PickByNames(facilities map[string]Facility, names []string) []string {
	if len(names) == 0 {
		return nil
	}
	var ids []string
	for id, f := range facilities {
		for _, name := range names {
			if name != "" && strings.Contains(f.Title, name) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}
