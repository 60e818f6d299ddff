package crawler

import (
	"fmt"
	"regexp"
	"strings"
)

// Facility is one bookable court resource on the reservation site,
// identified by its upstream reservation id.
type Facility struct {
	ID       string `json:"-"`
	Title    string `json:"title"`
	Location string `json:"location"`
}

// Slot is a single bookable time for a facility on a given date. The JSON
// field names match the upstream slot-query response so the public payload
// round-trips unchanged.
type Slot struct {
	Time          string `json:"timeContent"`
	ReservationID string `json:"resveId"`
}

// Availability maps facility id -> date (YYYYMMDD) -> slots.
type Availability map[string]map[string][]Slot

// FlatSlot is one (facility, date, time) availability entry with its
// denormalized court title, used by the alarm engine.
type FlatSlot struct {
	FacilityID    string
	CourtTitle    string
	Date          string
	Time          string
	ReservationID string
	Key           string
}

var bracketTagRe = regexp.MustCompile(`\[[^\]]*\]`)

// courtSuffix marks the end of the venue name in facility titles
// ("X 테니스장 1번 코트" all group under "X").
const courtSuffix = "테니스장"

// IsPlaceholder reports whether the facility title is the numeric-only
// fallback produced when the listing page had no parseable name. Such
// entries are parsing artifacts, not bookable resources.
func (f Facility) IsPlaceholder() bool {
	return f.Title == placeholderTitle(f.ID)
}

func placeholderTitle(id string) string {
	return fmt.Sprintf("시설 %s", id)
}

// CourtGroup derives the logical venue group from a facility title:
// bracketed tags removed, truncated at the court suffix, trimmed.
func CourtGroup(title string) string {
	s := bracketTagRe.ReplaceAllString(title, "")
	if idx := strings.Index(s, courtSuffix); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// BuildCourtGroupMap groups facility ids by their derived court group.
// Placeholder facilities and empty groups are skipped.
func BuildCourtGroupMap(facilities map[string]Facility) map[string][]string {
	groups := make(map[string][]string)
	for id, f := range facilities {
		if f.IsPlaceholder() {
			continue
		}
		group := CourtGroup(f.Title)
		if group == "" {
			continue
		}
		groups[group] = append(groups[group], id)
	}
	return groups
}

// FlattenSlots converts the nested availability map into a flat list with
// denormalized court titles. Slots with an empty time label are dropped.
func FlattenSlots(facilities map[string]Facility, availability Availability) []FlatSlot {
	var out []FlatSlot
	for cid, days := range availability {
		title := facilities[cid].Title
		for date, slots := range days {
			for _, s := range slots {
				if s.Time == "" {
					continue
				}
				rid := s.ReservationID
				if rid == "" {
					rid = cid
				}
				out = append(out, FlatSlot{
					FacilityID:    cid,
					CourtTitle:    title,
					Date:          date,
					Time:          s.Time,
					ReservationID: rid,
					Key:           fmt.Sprintf("%s|%s|%s", cid, date, s.Time),
				})
			}
		}
	}
	return out
}
