// Package quota counts successful completions per user per calendar day.
package quota

import (
	"slices"
	"time"

	"telegram-plan-bot/internal/domain"
)

// RetainDays is how many distinct dates are kept per user.
const RetainDays = 7

// Store is the part of state.State the counter needs.
type Store interface {
	DailyCount(userID int64, day string) int
	UpdateCounts(userID int64, fn func(days map[string]int))
}

// Counter tracks daily usage in a rolling window of RetainDays dates.
type Counter struct {
	store Store
}

// New returns a Counter backed by store.
func New(store Store) *Counter {
	return &Counter{store: store}
}

// CountToday returns the number of successful requests user made on now's
// calendar date.
func (c *Counter) CountToday(userID int64, now time.Time) int {
	return c.store.DailyCount(userID, domain.DayKey(now))
}

// RecordSuccess increments today's count and drops all but the RetainDays most
// recent dates. ISO dates sort lexicographically in chronological order.
func (c *Counter) RecordSuccess(userID int64, now time.Time) {
	today := domain.DayKey(now)
	c.store.UpdateCounts(userID, func(days map[string]int) {
		days[today]++
		prune(days)
	})
}

func prune(days map[string]int) {
	if len(days) <= RetainDays {
		return
	}
	keys := make([]string, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys[:len(keys)-RetainDays] {
		delete(days, k)
	}
}
