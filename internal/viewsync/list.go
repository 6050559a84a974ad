package viewsync

import (
	"sort"
	"sync"

	"calfilter/internal/model"
)

// List is an in-memory Display keyed by item occurrence.
type List struct {
	mu    sync.RWMutex
	items map[string]*model.Item
}

func NewList() *List {
	return &List{items: map[string]*model.Item{}}
}

func (l *List) ClearItems() {
	l.mu.Lock()
	l.items = map[string]*model.Item{}
	l.mu.Unlock()
}

func (l *List) AddItems(items []*model.Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range items {
		l.items[it.Key()] = it
	}
}

func (l *List) RemoveItems(items []*model.Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, it := range items {
		delete(l.items, it.Key())
	}
}

func (l *List) RemoveItemsFromCalendar(calendarID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, it := range l.items {
		if it.CalendarID == calendarID {
			delete(l.items, k)
		}
	}
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Items returns the shown items ordered by time, undated items last.
func (l *List) Items() []*model.Item {
	l.mu.RLock()
	out := make([]*model.Item, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, it)
	}
	l.mu.RUnlock()

	SortItems(out)
	return out
}

// SortItems orders items by base time, then by key.
func SortItems(items []*model.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, okI := items[i].BaseTime()
		tj, okJ := items[j].BaseTime()
		switch {
		case okI != okJ:
			return okI
		case okI && !ti.Equal(tj):
			return ti.Before(tj)
		default:
			return items[i].Key() < items[j].Key()
		}
	})
}
