package filter

import (
	"time"

	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

// Occurrences expands item according to the occurrence policy and returns
// the occurrences that pass the filter.
func (f *Filter) Occurrences(item *model.Item) []*model.Item {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.occurrences(item)
}

func (f *Filter) occurrences(item *model.Item) []*model.Item {
	props := f.props
	if props == nil {
		return nil
	}

	var occ []*model.Item
	switch {
	case !item.IsRecurring(),
		props.Occurrences == OccurrencesNone,
		props.Occurrences == OccurrencesBound && f.end == nil:
		occ = []*model.Item{item}
	default:
		start := model.UnboundedPast
		if f.start != nil {
			start = *f.start
		}
		end := f.currentTime()
		if f.end != nil {
			end = *f.end
		}
		occ = item.OccurrencesBetween(start, end)

		if props.Occurrences == OccurrencesPastAndNext && f.end == nil {
			if next := f.nextOccurrence(item); next != nil {
				occ = append(occ, next)
			}
		}
	}
	return f.filterItems(occ)
}

// NextOccurrence returns the first occurrence after now that passes the
// filter.
//
// A non-recurring item is returned as-is when it passes. For a recurring
// item that passes, occurrences are walked forward from now for at most
// MaxIterations steps. For one that does not, only its exceptions are
// considered and the earliest future one that passes wins.
func (f *Filter) NextOccurrence(item *model.Item) *model.Item {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nextOccurrence(item)
}

func (f *Filter) nextOccurrence(item *model.Item) *model.Item {
	if !item.IsRecurring() {
		if f.isItemInFilters(item) {
			return item
		}
		return nil
	}

	now := f.currentTime()

	if f.isItemInFilters(item) {
		cursor := now
		for i := 0; i < f.maxIterations; i++ {
			next := item.NextOccurrence(cursor)
			if next == nil {
				return nil
			}
			if f.isItemInFilters(next) {
				return next
			}
			cursor = occurrenceCursor(next, cursor)
		}
		appLog.Warn("filter: no matching occurrence within iteration limit",
			"item", item.ID,
			"summary", item.Summary,
			"max_iterations", f.maxIterations,
		)
		return nil
	}

	for _, rid := range item.ExceptionIDs() {
		ex := item.ExceptionFor(rid)
		if ex == nil {
			continue
		}
		base, ok := ex.BaseTime()
		if !ok || !base.After(now) {
			continue
		}
		if f.isItemInFilters(ex) {
			return ex
		}
	}
	return nil
}

// occurrenceCursor advances the search past next. The recurrence id is
// used because a moved exception may start before its slot.
func occurrenceCursor(next *model.Item, prev time.Time) time.Time {
	if next.RecurrenceID != nil && next.RecurrenceID.After(prev) {
		return *next.RecurrenceID
	}
	if t, ok := next.BaseTime(); ok && t.After(prev) {
		return t
	}
	return prev.Add(time.Second)
}
