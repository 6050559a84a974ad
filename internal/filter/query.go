package filter

import (
	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

// BuildQuery translates the filter into the request sent to a calendar.
// It returns false when no filter is configured.
func (f *Filter) BuildQuery() (calendar.Query, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	props := f.props
	if props == nil {
		return calendar.Query{}, false
	}

	flt := f.itemType
	if flt&calendar.ItemFilterTypeTodo != 0 {
		var status StatusMask
		if props.Status != nil {
			status = *props.Status
		}
		if status == 0 || status&(StatusCompletedToday|StatusCompletedBefore) != 0 {
			flt |= calendar.ItemFilterCompletedYes
		}
		if status == 0 || status&(StatusIncomplete|StatusInProgress) != 0 {
			flt |= calendar.ItemFilterCompletedNo
		}
	}

	q := calendar.Query{
		Filter: flt,
		Start:  copyTime(f.start),
		End:    copyTime(f.end),
	}
	if props.Occurrences == OccurrencesBound && f.end != nil {
		q.Filter |= calendar.ItemFilterClassOccurrences
		if q.Start == nil {
			s := model.UnboundedPast
			q.Start = &s
		}
	}
	return q, true
}

// QueryCalendar asks cal for the items of the filter and post-filters every
// batch before handing it to l. Returns nil when no filter is configured.
func (f *Filter) QueryCalendar(cal calendar.Calendar, l calendar.Listener) *calendar.Operation {
	q, ok := f.BuildQuery()
	if !ok {
		return nil
	}
	return cal.GetItems(q, &resultFilter{f: f, next: l})
}

// resultFilter applies the filter to each batch delivered by a backend,
// using the filter state at delivery time.
type resultFilter struct {
	f    *Filter
	next calendar.Listener
}

func (r *resultFilter) OnGetResult(cal calendar.Calendar, items []*model.Item) {
	f := r.f
	f.mu.RLock()
	var out []*model.Item
	if f.props != nil && f.props.Occurrences == OccurrencesPastAndNext {
		for _, it := range items {
			out = append(out, f.occurrences(it)...)
		}
	} else {
		out = f.filterItems(items)
	}
	f.mu.RUnlock()

	r.next.OnGetResult(cal, out)
}

func (r *resultFilter) OnOperationComplete(cal calendar.Calendar, err error) {
	r.next.OnOperationComplete(cal, err)
}
