package model

import "time"

// CheckIfInRange reports whether the item falls in the half-open range
// [start, end). A nil bound is unbounded.
//
// Events span Start..End. Tasks span Entry..Due, using whichever one is set
// when only one is. Undated tasks are always in range unless they were
// completed before start.
func CheckIfInRange(it *Item, start, end *time.Time) bool {
	var s, e time.Time

	if it.IsEvent() {
		if it.Start.IsZero() {
			return false
		}
		s = it.Start
		e = it.End
		if e.IsZero() || e.Before(s) {
			e = s
		}
	} else {
		switch {
		case it.Entry != nil && it.Due != nil:
			s, e = *it.Entry, *it.Due
			if e.Before(s) {
				e = s
			}
		case it.Entry != nil:
			s, e = *it.Entry, *it.Entry
		case it.Due != nil:
			s, e = *it.Due, *it.Due
		default:
			if it.CompletedAt != nil && start != nil {
				return !it.CompletedAt.Before(*start)
			}
			return true
		}
	}

	if s.Equal(e) {
		// Zero-length items belong to the range that contains their start.
		return (start == nil || !s.Before(*start)) && (end == nil || s.Before(*end))
	}
	return (end == nil || s.Before(*end)) && (start == nil || e.After(*start))
}
