package filter

import (
	"slices"
	"strings"

	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

// IsItemInFilters reports whether item passes the item type, the active
// properties and the text filter. A custom predicate, when set, runs last
// and decides the final result.
func (f *Filter) IsItemInFilters(item *model.Item) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isItemInFilters(item)
}

// Matches is an alias of IsItemInFilters.
func (f *Filter) Matches(item *model.Item) bool { return f.IsItemInFilters(item) }

func (f *Filter) isItemInFilters(item *model.Item) bool {
	props := f.props
	if props == nil {
		return false
	}

	result := f.itemTypeFilter(item) &&
		f.dateRangeFilter(item) &&
		categoryFilter(props, item) &&
		f.statusFilter(props, item) &&
		f.dueFilter(props, item) &&
		f.textFilter(item)

	if props.OnFilter != nil && props.OnFilter.Fn != nil {
		return props.OnFilter.Fn(item, result, props, f.state())
	}
	return result
}

func (f *Filter) itemTypeFilter(item *model.Item) bool {
	if item.IsTodo() {
		return f.itemType&calendar.ItemFilterTypeTodo != 0
	}
	return f.itemType&calendar.ItemFilterTypeEvent != 0
}

func (f *Filter) dateRangeFilter(item *model.Item) bool {
	return model.CheckIfInRange(item, f.start, f.end)
}

func categoryFilter(props *Properties, item *model.Item) bool {
	if len(props.Category) == 0 {
		return true
	}
	for _, c := range item.Categories {
		if slices.Contains(props.Category, c) {
			return true
		}
	}
	return false
}

// statusFilter checks a task against the status mask. Each clause is
// "bit set or item not in that state".
func (f *Filter) statusFilter(props *Properties, item *model.Item) bool {
	if props.Status == nil || !item.IsTodo() {
		return true
	}
	mask := *props.Status
	completed := item.IsCompleted()
	today, _ := f.todayAndTomorrow()
	current := item.CompletedAt == nil || !item.CompletedAt.Before(today)

	return (mask&StatusIncomplete != 0 || !(!completed && item.PercentComplete == 0)) &&
		(mask&StatusInProgress != 0 || !(!completed && item.PercentComplete > 0)) &&
		(mask&StatusCompletedToday != 0 || !(completed && current)) &&
		(mask&StatusCompletedBefore != 0 || !(completed && !current))
}

// dueFilter checks a task's due date against the due mask.
func (f *Filter) dueFilter(props *Properties, item *model.Item) bool {
	if props.Due == nil || !item.IsTodo() {
		return true
	}
	mask := *props.Due
	now := f.currentTime()
	_, tomorrow := f.todayAndTomorrow()
	due := item.Due

	past := due != nil && due.Before(now)
	dueToday := due != nil && !due.Before(now) && due.Before(tomorrow)
	future := due != nil && !due.Before(tomorrow)

	return (mask&DuePast != 0 || !past) &&
		(mask&DueToday != 0 || !dueToday) &&
		(mask&DueFuture != 0 || !future) &&
		(mask&DueNone != 0 || due != nil)
}

var textFields = []string{"SUMMARY", "DESCRIPTION", "LOCATION", "URL"}

// textFilter does a case-insensitive substring search over the text fields
// and the categories. Blank text matches everything.
func (f *Filter) textFilter(item *model.Item) bool {
	if strings.TrimSpace(f.text) == "" {
		return true
	}
	needle := strings.ToLower(f.text)
	for _, field := range textFields {
		if strings.Contains(strings.ToLower(item.Property(field)), needle) {
			return true
		}
	}
	for _, c := range item.Categories {
		if strings.Contains(strings.ToLower(c), needle) {
			return true
		}
	}
	return false
}

// FilterItems returns the items passing the filter in input order, or nil
// when no filter is configured. cb, when non-nil, is called for every item
// with its verdict after the filter lock is released.
func (f *Filter) FilterItems(items []*model.Item, cb func(item *model.Item, result bool, props *Properties)) []*model.Item {
	f.mu.RLock()
	props := f.props
	if props == nil {
		f.mu.RUnlock()
		return nil
	}
	verdicts := make([]bool, len(items))
	out := make([]*model.Item, 0, len(items))
	for i, it := range items {
		verdicts[i] = f.isItemInFilters(it)
		if verdicts[i] {
			out = append(out, it)
		}
	}
	f.mu.RUnlock()

	if cb != nil {
		snapshot := props.Clone()
		for i, it := range items {
			cb(it, verdicts[i], snapshot)
		}
	}
	return out
}

func (f *Filter) filterItems(items []*model.Item) []*model.Item {
	if f.props == nil {
		return nil
	}
	out := make([]*model.Item, 0, len(items))
	for _, it := range items {
		if f.isItemInFilters(it) {
			out = append(out, it)
		}
	}
	return out
}
