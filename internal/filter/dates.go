package filter

import (
	"time"

	appLog "calfilter/internal/log"
)

func (f *Filter) currentTime() time.Time {
	return f.now().In(f.loc)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (f *Filter) startOfWeek(t time.Time) time.Time {
	t = startOfDay(t)
	back := (int(t.Weekday()) - int(f.weekStart) + 7) % 7
	return t.AddDate(0, 0, -back)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}

// ResolveDate turns a bound into an instant. Start bounds resolve to the
// first day of the period; end bounds of date-only tokens resolve to the day
// after the last day, so the window is half-open. Nil means unbounded.
func (f *Filter) ResolveDate(b DateBound, isStart bool) *time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.resolveDate(b, isStart)
}

func (f *Filter) resolveDate(b DateBound, isStart bool) *time.Time {
	now := f.currentTime()

	if b.IsOffset() {
		off, err := ParseDuration(b.Offset)
		if err != nil {
			appLog.Debug("filter: ignoring invalid duration bound", "bound", b.Offset)
			return nil
		}
		t := off.AddTo(now)
		return &t
	}

	selected := now
	switch {
	case f.selected != nil:
		selected = f.selected.In(f.loc)
	case f.view != nil && !f.view.SelectedDay().IsZero():
		selected = f.view.SelectedDay().In(f.loc)
	}

	var day time.Time
	switch b.Token {
	case DateView:
		if f.view == nil {
			return nil
		}
		if isStart {
			day = f.view.StartDay()
		} else {
			day = f.view.EndDay()
		}
		if day.IsZero() {
			return nil
		}
		day = startOfDay(day.In(f.loc))
	case DateSelected:
		day = startOfDay(selected)
	case DateSelectedOrNow:
		day = selected
		if (isStart && day.After(now)) || (!isStart && day.Before(now)) {
			day = now
		}
		day = startOfDay(day)
	case DateNow:
		return &now
	case DateToday:
		day = startOfDay(now)
	case DateCurrentWeek:
		day = f.startOfWeek(now)
		if !isStart {
			day = day.AddDate(0, 0, 6)
		}
	case DateCurrentMonth:
		day = startOfMonth(now)
		if !isStart {
			day = day.AddDate(0, 1, -1)
		}
	case DateCurrentYear:
		day = startOfYear(now)
		if !isStart {
			day = day.AddDate(1, 0, -1)
		}
	default:
		return nil
	}

	if !isStart {
		day = day.AddDate(0, 0, 1)
	}
	return &day
}

// ComputeWindow resolves the active properties without storing the result.
// When the start lies after the end, only the end is moved up to the start.
func (f *Filter) ComputeWindow() (start, end *time.Time) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.computeWindow()
}

func (f *Filter) computeWindow() (start, end *time.Time) {
	if f.props == nil {
		return nil, nil
	}
	start = f.resolveDate(f.props.Start, true)
	end = f.resolveDate(f.props.End, false)
	if start != nil && end != nil && start.After(*end) {
		end = copyTime(start)
	}
	return start, end
}
