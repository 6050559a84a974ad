// Package viewsync keeps a display in step with the calendars: a full
// refresh queries every visible calendar through a filter, and calendar
// notifications are applied incrementally afterwards.
package viewsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"calfilter/internal/calendar"
	"calfilter/internal/filter"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

// Display receives the items to show.
type Display interface {
	ClearItems()
	AddItems(items []*model.Item)
	RemoveItems(items []*model.Item)
	RemoveItemsFromCalendar(calendarID string)
}

// RefreshError reports a failed query of one calendar.
type RefreshError struct {
	CalendarID string
	Err        error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh calendar %s: %v", e.CalendarID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Syncer connects a filter, the calendar manager and a display. It starts
// disabled (item type 0) and observes the manager only while an item type
// is set.
type Syncer struct {
	filter   *filter.Filter
	manager  *calendar.Manager
	display  Display
	observer *observer

	// mu serializes display updates and guards the fields below.
	mu         sync.Mutex
	generation uint64
	registered bool

	pending sync.WaitGroup
}

// New wires f to the manager and display. f's item type is reset to 0.
func New(m *calendar.Manager, d Display, f *filter.Filter) *Syncer {
	f.SetItemType(0)
	s := &Syncer{
		filter:  f,
		manager: m,
		display: d,
	}
	s.observer = &observer{s: s}
	return s
}

func (s *Syncer) Filter() *filter.Filter { return s.filter }

func (s *Syncer) ItemType() calendar.ItemFilter { return s.filter.ItemType() }

// SetItemType sets the item types to track. A non-zero type starts
// observing the manager; zero stops.
func (s *Syncer) SetItemType(t calendar.ItemFilter) {
	s.filter.SetItemType(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case t != 0 && !s.registered:
		s.manager.AddObserver(s.observer)
		s.registered = true
	case t == 0 && s.registered:
		s.manager.RemoveObserver(s.observer)
		s.registered = false
	}
}

// Refresh clears the display and queries all visible calendars
// concurrently, adding results as they arrive. Batches of an older refresh
// that arrive after a newer one started are dropped. The returned error
// joins the failures of individual calendars.
func (s *Syncer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.display.ClearItems()
	s.mu.Unlock()

	p := pool.New().WithErrors()
	for _, c := range s.manager.Calendars() {
		c := c
		p.Go(func() error {
			return s.refreshCalendar(ctx, c, gen)
		})
	}
	return p.Wait()
}

// RefreshCalendar queries one calendar and adds its matching items.
func (s *Syncer) RefreshCalendar(ctx context.Context, c calendar.Calendar) error {
	return s.refreshCalendar(ctx, c, s.currentGeneration())
}

// Wait blocks until refreshes started by notifications have finished.
func (s *Syncer) Wait() { s.pending.Wait() }

func (s *Syncer) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Syncer) refreshCalendar(ctx context.Context, c calendar.Calendar, gen uint64) error {
	if !calendar.IsVisible(c) {
		return nil
	}

	done := make(chan error, 1)
	op := s.filter.QueryCalendar(c, &refreshListener{s: s, gen: gen, done: done})
	if op == nil {
		return nil
	}

	select {
	case err := <-done:
		if err != nil {
			return &RefreshError{CalendarID: c.ID(), Err: err}
		}
		return nil
	case <-ctx.Done():
		return &RefreshError{CalendarID: c.ID(), Err: ctx.Err()}
	}
}

func (s *Syncer) refreshInBackground(c calendar.Calendar) {
	gen := s.currentGeneration()
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.refreshCalendar(context.Background(), c, gen); err != nil {
			appLog.Error("viewsync: calendar refresh failed", err, "calendar", c.ID())
		}
	}()
}

type refreshListener struct {
	s    *Syncer
	gen  uint64
	done chan error
}

func (l *refreshListener) OnGetResult(cal calendar.Calendar, items []*model.Item) {
	if len(items) == 0 {
		return
	}
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.gen != s.generation {
		appLog.Debug("viewsync: dropping stale batch", "calendar", cal.ID(), "items", len(items))
		return
	}
	s.display.AddItems(items)
}

func (l *refreshListener) OnOperationComplete(_ calendar.Calendar, err error) {
	l.done <- err
}

func (s *Syncer) visible(calendarID string) bool {
	c, ok := s.manager.Calendar(calendarID)
	return ok && calendar.IsVisible(c)
}

func (s *Syncer) onAddItem(item *model.Item) {
	if !s.visible(item.CalendarID) {
		return
	}
	occ := s.filter.Occurrences(item)
	if len(occ) == 0 {
		return
	}
	s.mu.Lock()
	s.display.AddItems(occ)
	s.mu.Unlock()
}

// onModifyItem removes every occurrence of the old item and adds every
// occurrence of the new one.
func (s *Syncer) onModifyItem(newItem, oldItem *model.Item) {
	if !s.visible(newItem.CalendarID) {
		return
	}
	oldOcc := s.filter.Occurrences(oldItem)
	newOcc := s.filter.Occurrences(newItem)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(oldOcc) > 0 {
		s.display.RemoveItems(oldOcc)
	}
	if len(newOcc) > 0 {
		s.display.AddItems(newOcc)
	}
}

func (s *Syncer) onDeleteItem(item *model.Item) {
	if !s.visible(item.CalendarID) {
		return
	}
	occ := s.filter.Occurrences(item)
	if len(occ) == 0 {
		return
	}
	s.mu.Lock()
	s.display.RemoveItems(occ)
	s.mu.Unlock()
}

// onLoad refetches ICS calendars; their item notifications are not
// reliable after a reload.
func (s *Syncer) onLoad(cal calendar.Calendar) {
	if cal.Type() != calendar.TypeICS {
		return
	}
	s.mu.Lock()
	s.display.RemoveItemsFromCalendar(cal.ID())
	s.mu.Unlock()
	s.refreshInBackground(cal)
}

func (s *Syncer) onPropertyChanged(cal calendar.Calendar, name string, value any) {
	var hidden bool
	switch name {
	case calendar.PropDisabled:
		hidden = calendar.Truthy(value)
	case calendar.PropInComposite:
		hidden = !calendar.Truthy(value)
	default:
		return
	}

	if hidden {
		s.mu.Lock()
		s.display.RemoveItemsFromCalendar(cal.ID())
		s.mu.Unlock()
		return
	}
	s.refreshInBackground(cal)
}

type observer struct {
	calendar.NopObserver
	s *Syncer
}

func (o *observer) OnAddItem(item *model.Item) { o.s.onAddItem(item) }

func (o *observer) OnModifyItem(newItem, oldItem *model.Item) { o.s.onModifyItem(newItem, oldItem) }

func (o *observer) OnDeleteItem(item *model.Item) { o.s.onDeleteItem(item) }

func (o *observer) OnLoad(cal calendar.Calendar) { o.s.onLoad(cal) }

func (o *observer) OnPropertyChanged(cal calendar.Calendar, name string, newValue, _ any) {
	o.s.onPropertyChanged(cal, name, newValue)
}
