// Package schedule drives the partitioned crawl: a pure state machine
// deciding which phase and partition each tick covers, plus the runner
// that executes one tick end to end.
package schedule

// Phase names the active sweep mode.
type Phase string

const (
	// PhaseFull is the cold-start exhaustive sweep over every facility
	// and every date in the horizon.
	PhaseFull Phase = "FULL"
	// PhaseDelta is the steady-state refresh of near-term dates.
	PhaseDelta Phase = "DELTA"
	// PhaseNight covers only the priority facilities, once per night.
	PhaseNight Phase = "NIGHT"
)

// State is the persisted crawl cursor. One record exists process-wide;
// every tick loads it, works one partition and stores it back.
type State struct {
	Phase         Phase  `json:"phase"`
	FacilityPart  int    `json:"facilityPart"`
	DatePart      int    `json:"datePart"`
	FullDone      bool   `json:"fullDone"`
	RetryCount    int    `json:"retryCount"`
	LastError     string `json:"lastError,omitempty"`
	LastResetDate string `json:"lastResetDate"`
}

// Limits holds the partition counts the transition function needs.
type Limits struct {
	FullFacilityParts  int
	FullDateParts      int
	DeltaFacilityParts int
	MaxRetries         int
}

// PhaseFor picks the phase for a tick. The night hour overrides
// everything but does not touch FULL or DELTA progress.
func PhaseFor(st State, hour, nightHour int) Phase {
	if hour == nightHour {
		return PhaseNight
	}
	if !st.FullDone {
		return PhaseFull
	}
	return PhaseDelta
}

// NeedsReset reports whether the daily hard reset is due.
func NeedsReset(st State, today string) bool {
	return st.LastResetDate != today
}

// Reset returns the post-reset state: indices zeroed, fullDone cleared,
// today recorded as the reset marker.
func Reset(today string) State {
	return State{
		Phase:         PhaseFull,
		LastResetDate: today,
	}
}

// Advance moves the cursor past the partition just completed. The date
// index increments first and wraps into the facility index. In FULL,
// wrapping past the last facility partition marks the sweep done and
// zeroes both indices. DELTA is a ring over its facility partitions.
// NIGHT never moves the cursor.
func Advance(st State, phase Phase, lim Limits) State {
	st.RetryCount = 0
	st.LastError = ""
	switch phase {
	case PhaseFull:
		st.DatePart++
		if st.DatePart >= lim.FullDateParts {
			st.DatePart = 0
			st.FacilityPart++
			if st.FacilityPart >= lim.FullFacilityParts {
				st.FacilityPart = 0
				st.FullDone = true
			}
		}
	case PhaseDelta:
		st.FacilityPart++
		if st.FacilityPart >= lim.DeltaFacilityParts {
			st.FacilityPart = 0
		}
	case PhaseNight:
	}
	return st
}

// Fail records a partition failure without advancing; after MaxRetries
// consecutive failures the cursor is force-advanced so one bad partition
// cannot stall the sweep.
func Fail(st State, phase Phase, lim Limits, cause string) (State, bool) {
	st.RetryCount++
	st.LastError = cause
	if st.RetryCount < lim.MaxRetries {
		return st, false
	}
	st = Advance(st, phase, lim)
	return st, true
}

// Partition returns the idx-th of parts contiguous slices of items.
// Earlier partitions absorb the remainder so every item is covered.
func Partition(items []string, parts, idx int) []string {
	if parts <= 0 || idx < 0 || idx >= parts || len(items) == 0 {
		return nil
	}
	size := len(items) / parts
	rem := len(items) % parts
	start := idx*size + min(idx, rem)
	end := start + size
	if idx < rem {
		end++
	}
	if start >= len(items) {
		return nil
	}
	return items[start:end]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
