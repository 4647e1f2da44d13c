// Package retention implements the generational selection deciding
// which snapshots are worth archiving.
package retention

import (
	"sort"
	"time"

	"github.com/enzingerm/snapborg/internal/models"
)

// Select returns the items which should be retained under the given
// policy, evaluated at now. Items are bucketed per calendar tier
// (minute, hour, day, week starting Monday, month, year); for each tier
// the newest item of each bucket is kept, scanning buckets backwards
// from now until the tier's keep count is spent or no older items
// remain. Empty buckets are skipped without spending the keep count.
// keep_last additionally retains the newest items unconditionally.
//
// The newest item of a bucket is chosen because borg prune keeps the
// newest archive per interval; retaining anything else would transfer
// data only to have it pruned on the next cycle.
//
// Tiers are evaluated independently against the full item list, so one
// item may consume a slot from several tiers while appearing once in
// the result. Ties on identical dates resolve to the item sorted last
// (sorting is stable, so that is the later one in input order). The
// result is in ascending date order.
func Select[T any](items []T, dateOf func(T) time.Time, policy models.RetentionPolicy, now time.Time) []T {
	if len(items) == 0 {
		return nil
	}

	sorted := make([]T, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return dateOf(sorted[i]).Before(dateOf(sorted[j]))
	})
	dates := make([]time.Time, len(sorted))
	for i, it := range sorted {
		dates[i] = dateOf(it)
	}

	retained := make([]bool, len(sorted))
	if k := policy.KeepLast; k > 0 {
		if k > len(sorted) {
			k = len(sorted)
		}
		for i := len(sorted) - k; i < len(sorted); i++ {
			retained[i] = true
		}
	}

	for _, tr := range tiers(policy, now) {
		if tr.keep > 0 {
			selectTier(dates, retained, tr, now)
		}
	}

	var out []T
	for i, keep := range retained {
		if keep {
			out = append(out, sorted[i])
		}
	}
	return out
}

// tier is one generational level: its keep count, the start of the most
// recent bucket, and how to step a bucket boundary one unit into the
// past.
type tier struct {
	keep  int
	start time.Time
	prev  func(time.Time) time.Time
}

func tiers(p models.RetentionPolicy, now time.Time) []tier {
	loc := now.Location()
	y, mo, d := now.Date()
	day := time.Date(y, mo, d, 0, 0, 0, 0, loc)
	// week starts on Monday
	week := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	return []tier{
		{p.KeepMinutely, time.Date(y, mo, d, now.Hour(), now.Minute(), 0, 0, loc),
			func(t time.Time) time.Time { return t.Add(-time.Minute) }},
		{p.KeepHourly, time.Date(y, mo, d, now.Hour(), 0, 0, 0, loc),
			func(t time.Time) time.Time { return t.Add(-time.Hour) }},
		{p.KeepDaily, day,
			func(t time.Time) time.Time { return t.AddDate(0, 0, -1) }},
		{p.KeepWeekly, week,
			func(t time.Time) time.Time { return t.AddDate(0, 0, -7) }},
		{p.KeepMonthly, time.Date(y, mo, 1, 0, 0, 0, 0, loc), prevMonth},
		{p.KeepYearly, time.Date(y, 1, 1, 0, 0, 0, 0, loc), prevYear},
	}
}

// prevMonth steps to the first of the previous calendar month, rolling
// the year at January.
func prevMonth(t time.Time) time.Time {
	y, m := t.Year(), t.Month()
	if m == time.January {
		return time.Date(y-1, time.December, 1, 0, 0, 0, 0, t.Location())
	}
	return time.Date(y, m-1, 1, 0, 0, 0, 0, t.Location())
}

func prevYear(t time.Time) time.Time {
	return time.Date(t.Year()-1, time.January, 1, 0, 0, 0, 0, t.Location())
}

func selectTier(dates []time.Time, retained []bool, tr tier, now time.Time) {
	keep := tr.keep
	start, end := tr.start, now
	for keep > 0 {
		// newest item within [start, end); dates are sorted ascending
		best := -1
		for i := len(dates) - 1; i >= 0; i-- {
			if !dates[i].Before(end) {
				continue
			}
			if dates[i].Before(start) {
				break
			}
			best = i
			break
		}
		if best >= 0 {
			retained[best] = true
			keep--
		}
		// nothing older than the current bucket left to scan
		if !dates[0].Before(start) {
			return
		}
		start, end = tr.prev(start), start
	}
}
