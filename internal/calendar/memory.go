package calendar

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

const defaultBatchSize = 50

// MemoryCalendar keeps its items in memory and answers queries from a
// background goroutine, delivering results in batches.
type MemoryCalendar struct {
	id        string
	name      string
	typ       string
	batchSize int

	mu    sync.RWMutex
	items map[string]*model.Item
	order []string
	props map[string]any

	observers observerList
}

type MemoryOption func(*MemoryCalendar)

// WithType overrides the calendar type reported by Type.
func WithType(t string) MemoryOption {
	return func(c *MemoryCalendar) { c.typ = t }
}

// WithBatchSize sets how many items one OnGetResult call carries.
func WithBatchSize(n int) MemoryOption {
	return func(c *MemoryCalendar) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// NewMemory returns an empty calendar that is enabled and part of the
// composite view.
func NewMemory(id, name string, opts ...MemoryOption) *MemoryCalendar {
	c := &MemoryCalendar{
		id:        id,
		name:      name,
		typ:       TypeMemory,
		batchSize: defaultBatchSize,
		items:     map[string]*model.Item{},
		props: map[string]any{
			PropDisabled:    false,
			PropInComposite: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCalendar) ID() string   { return c.id }
func (c *MemoryCalendar) Name() string { return c.name }
func (c *MemoryCalendar) Type() string { return c.typ }

func (c *MemoryCalendar) Property(name string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.props[name]
}

// SetProperty stores the value and notifies observers when it changed.
func (c *MemoryCalendar) SetProperty(name string, value any) {
	c.mu.Lock()
	old, had := c.props[name]
	c.props[name] = value
	c.mu.Unlock()

	if had && sameValue(old, value) {
		return
	}
	c.observers.each(func(o Observer) { o.OnPropertyChanged(c, name, value, old) })
}

// DeleteProperty removes a property, notifying observers first.
func (c *MemoryCalendar) DeleteProperty(name string) {
	c.observers.each(func(o Observer) { o.OnPropertyDeleting(c, name) })
	c.mu.Lock()
	delete(c.props, name)
	c.mu.Unlock()
}

func (c *MemoryCalendar) AddObserver(o Observer)    { c.observers.add(o) }
func (c *MemoryCalendar) RemoveObserver(o Observer) { c.observers.remove(o) }

// AddItem stores a new item. An empty ID is replaced with a fresh UUID.
func (c *MemoryCalendar) AddItem(item *model.Item) (*model.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CalendarID = c.id
	item.LinkExceptions()

	c.mu.Lock()
	if _, exists := c.items[item.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("calendar %s: item %s already exists", c.id, item.ID)
	}
	c.items[item.ID] = item
	c.order = append(c.order, item.ID)
	c.mu.Unlock()

	c.observers.each(func(o Observer) { o.OnAddItem(item) })
	return item, nil
}

// ModifyItem replaces the stored item with the same ID.
func (c *MemoryCalendar) ModifyItem(item *model.Item) (*model.Item, error) {
	item.CalendarID = c.id
	item.LinkExceptions()

	c.mu.Lock()
	old, ok := c.items[item.ID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("calendar %s: item %s not found", c.id, item.ID)
	}
	c.items[item.ID] = item
	c.mu.Unlock()

	c.observers.each(func(o Observer) { o.OnModifyItem(item, old) })
	return item, nil
}

func (c *MemoryCalendar) DeleteItem(id string) error {
	c.mu.Lock()
	old, ok := c.items[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("calendar %s: item %s not found", c.id, id)
	}
	delete(c.items, id)
	for i, x := range c.order {
		if x == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	c.observers.each(func(o Observer) { o.OnDeleteItem(old) })
	return nil
}

// Item returns the stored item by ID.
func (c *MemoryCalendar) Item(id string) (*model.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// Items returns all stored items in insertion order.
func (c *MemoryCalendar) Items() []*model.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Load replaces the whole content of the calendar and fires OnLoad.
func (c *MemoryCalendar) Load(items []*model.Item) {
	next := make(map[string]*model.Item, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.CalendarID = c.id
		it.LinkExceptions()
		if _, dup := next[it.ID]; !dup {
			order = append(order, it.ID)
		}
		next[it.ID] = it
	}

	c.mu.Lock()
	c.items = next
	c.order = order
	c.mu.Unlock()

	appLog.Debug("calendar: loaded", "calendar", c.id, "items", len(order))
	c.observers.each(func(o Observer) { o.OnLoad(c) })
}

// StartBatch and EndBatch bracket a group of mutations for observers.
func (c *MemoryCalendar) StartBatch() {
	c.observers.each(func(o Observer) { o.OnStartBatch(c) })
}

func (c *MemoryCalendar) EndBatch() {
	c.observers.each(func(o Observer) { o.OnEndBatch(c) })
}

// ReportError forwards a backend failure to observers.
func (c *MemoryCalendar) ReportError(err error) {
	c.observers.each(func(o Observer) { o.OnError(c, err) })
}

// GetItems answers the query asynchronously.
func (c *MemoryCalendar) GetItems(q Query, l Listener) *Operation {
	op := newOperation()
	items := c.match(q)

	go func() {
		for start := 0; start < len(items); start += c.batchSize {
			if op.canceled() {
				l.OnOperationComplete(c, ErrCanceled)
				op.finish(ErrCanceled)
				return
			}
			end := min(start+c.batchSize, len(items))
			l.OnGetResult(c, items[start:end])
		}
		l.OnOperationComplete(c, nil)
		op.finish(nil)
	}()
	return op
}

// match selects the items the query asks for.
//
// Tasks pass only when the completed bit matching their state is set; no
// type bits means nothing passes. With ItemFilterClassOccurrences and a
// bounded end, recurring items are expanded into their occurrences.
func (c *MemoryCalendar) match(q Query) []*model.Item {
	wantEvents := q.Filter&ItemFilterTypeEvent != 0
	wantTodos := q.Filter&ItemFilterTypeTodo != 0
	if !wantEvents && !wantTodos {
		return nil
	}
	expand := q.Filter&ItemFilterClassOccurrences != 0 && q.End != nil

	var out []*model.Item
	for _, it := range c.Items() {
		if q.Count > 0 && len(out) >= q.Count {
			break
		}
		if it.IsEvent() && !wantEvents || it.IsTodo() && !wantTodos {
			continue
		}
		if it.IsTodo() {
			bit := ItemFilterCompletedNo
			if it.IsCompleted() {
				bit = ItemFilterCompletedYes
			}
			if q.Filter&bit == 0 {
				continue
			}
		}

		if !it.IsRecurring() {
			if model.CheckIfInRange(it, q.Start, q.End) {
				out = append(out, it)
			}
			continue
		}

		if q.End == nil {
			// An unbounded series always reaches into the range.
			out = append(out, it)
			continue
		}
		start := model.UnboundedPast
		if q.Start != nil {
			start = *q.Start
		}
		occ := it.OccurrencesBetween(start, *q.End)
		switch {
		case expand:
			out = append(out, occ...)
		case len(occ) > 0:
			out = append(out, it)
		}
	}
	if q.Count > 0 && len(out) > q.Count {
		out = out[:q.Count]
	}
	return out
}

var _ Calendar = (*MemoryCalendar)(nil)

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
