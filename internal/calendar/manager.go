package calendar

import (
	"fmt"
	"sync"

	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

// Manager owns the registered calendars and relays their notifications to
// its own observers.
type Manager struct {
	mu        sync.RWMutex
	calendars []Calendar

	observers observerList
	relay     *relay
}

func NewManager() *Manager {
	m := &Manager{}
	m.relay = &relay{m: m}
	return m
}

// Register adds a calendar. IDs must be unique.
func (m *Manager) Register(c Calendar) error {
	m.mu.Lock()
	for _, x := range m.calendars {
		if x.ID() == c.ID() {
			m.mu.Unlock()
			return fmt.Errorf("calendar: %s already registered", c.ID())
		}
	}
	m.calendars = append(m.calendars, c)
	m.mu.Unlock()

	c.AddObserver(m.relay)
	appLog.Info("calendar registered", "id", c.ID(), "type", c.Type(), "name", c.Name())
	return nil
}

// Unregister removes the calendar with the given ID.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	var removed Calendar
	for i, x := range m.calendars {
		if x.ID() == id {
			removed = x
			m.calendars = append(m.calendars[:i:i], m.calendars[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.RemoveObserver(m.relay)
	return true
}

// Calendars returns the registered calendars in registration order.
func (m *Manager) Calendars() []Calendar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Calendar(nil), m.calendars...)
}

func (m *Manager) Calendar(id string) (Calendar, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calendars {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// AddObserver subscribes o to the notifications of every registered
// calendar.
func (m *Manager) AddObserver(o Observer)    { m.observers.add(o) }
func (m *Manager) RemoveObserver(o Observer) { m.observers.remove(o) }

type relay struct {
	m *Manager
}

func (r *relay) OnStartBatch(cal Calendar) {
	r.m.observers.each(func(o Observer) { o.OnStartBatch(cal) })
}

func (r *relay) OnEndBatch(cal Calendar) {
	r.m.observers.each(func(o Observer) { o.OnEndBatch(cal) })
}

func (r *relay) OnLoad(cal Calendar) {
	r.m.observers.each(func(o Observer) { o.OnLoad(r.m.resolve(cal)) })
}

func (r *relay) OnAddItem(item *model.Item) {
	r.m.observers.each(func(o Observer) { o.OnAddItem(item) })
}

func (r *relay) OnModifyItem(newItem, oldItem *model.Item) {
	r.m.observers.each(func(o Observer) { o.OnModifyItem(newItem, oldItem) })
}

func (r *relay) OnDeleteItem(item *model.Item) {
	r.m.observers.each(func(o Observer) { o.OnDeleteItem(item) })
}

func (r *relay) OnError(cal Calendar, err error) {
	appLog.Error("calendar error", err, "calendar", cal.ID())
	r.m.observers.each(func(o Observer) { o.OnError(r.m.resolve(cal), err) })
}

func (r *relay) OnPropertyChanged(cal Calendar, name string, newValue, oldValue any) {
	r.m.observers.each(func(o Observer) { o.OnPropertyChanged(r.m.resolve(cal), name, newValue, oldValue) })
}

func (r *relay) OnPropertyDeleting(cal Calendar, name string) {
	r.m.observers.each(func(o Observer) { o.OnPropertyDeleting(r.m.resolve(cal), name) })
}

// resolve maps an embedded calendar (e.g. the MemoryCalendar inside an ICS
// calendar) back to the registered one.
func (m *Manager) resolve(cal Calendar) Calendar {
	if reg, ok := m.Calendar(cal.ID()); ok {
		return reg
	}
	return cal
}
