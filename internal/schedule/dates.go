package schedule

import "time"

// KST is the upstream site's timezone; all date math uses it. Korea has
// no daylight saving so a fixed zone is exact.
var KST = time.FixedZone("KST", 9*60*60)

const dateLayout = "20060102"

// Today formats now as YYYYMMDD in KST.
func Today(now time.Time) string {
	return now.In(KST).Format(dateLayout)
}

// FullDates lists every date from tomorrow through the end of next
// month, the FULL sweep horizon.
func FullDates(now time.Time) []string {
	now = now.In(KST)
	start := now.AddDate(0, 0, 1)
	// First day of the month after next, exclusive bound.
	end := time.Date(now.Year(), now.Month()+2, 1, 0, 0, 0, 0, KST)
	var dates []string
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dateLayout))
	}
	return dates
}

// DeltaDates lists the nearest n dates starting tomorrow.
func DeltaDates(now time.Time, n int) []string {
	now = now.In(KST)
	dates := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		dates = append(dates, now.AddDate(0, 0, i).Format(dateLayout))
	}
	return dates
}

// NightDates is tomorrow only.
func NightDates(now time.Time) []string {
	return []string{now.In(KST).AddDate(0, 0, 1).Format(dateLayout)}
}
