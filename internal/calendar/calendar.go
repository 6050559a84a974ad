package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"calfilter/internal/model"
)

// ItemFilter is the bitmask a query hands to a calendar backend.
type ItemFilter uint32

const (
	ItemFilterCompletedYes ItemFilter = 1 << 0
	ItemFilterCompletedNo  ItemFilter = 1 << 1
	ItemFilterCompletedAll            = ItemFilterCompletedYes | ItemFilterCompletedNo

	ItemFilterTypeTodo  ItemFilter = 1 << 2
	ItemFilterTypeEvent ItemFilter = 1 << 3
	ItemFilterTypeAll              = ItemFilterTypeTodo | ItemFilterTypeEvent

	// ItemFilterClassOccurrences asks the backend to expand recurring items
	// into occurrences within the query range.
	ItemFilterClassOccurrences ItemFilter = 1 << 4
)

// ParseItemType maps "event", "task" or "all" to the matching type bits.
func ParseItemType(s string) (ItemFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ItemFilterTypeAll, nil
	case "event", "events":
		return ItemFilterTypeEvent, nil
	case "task", "tasks", "todo", "todos":
		return ItemFilterTypeTodo, nil
	case "none":
		return 0, nil
	}
	return 0, fmt.Errorf("calendar: unknown item type %q", s)
}

// Calendar types.
const (
	TypeMemory  = "memory"
	TypeICS     = "ics"
	TypeStorage = "storage"
)

// Property names with meaning to the rest of the application.
const (
	PropDisabled    = "disabled"
	PropInComposite = "calendar-main-in-composite"
)

// Query describes one GetItems request. Nil bounds are unbounded.
type Query struct {
	Filter ItemFilter
	// Count caps the number of results; zero means no limit.
	Count int
	Start *time.Time
	End   *time.Time
}

// Listener receives the results of a GetItems call. OnGetResult may be
// called any number of times (including zero) before OnOperationComplete,
// which is called exactly once.
type Listener interface {
	OnGetResult(cal Calendar, items []*model.Item)
	OnOperationComplete(cal Calendar, err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Result   func(cal Calendar, items []*model.Item)
	Complete func(cal Calendar, err error)
}

func (l ListenerFuncs) OnGetResult(cal Calendar, items []*model.Item) {
	if l.Result != nil {
		l.Result(cal, items)
	}
}

func (l ListenerFuncs) OnOperationComplete(cal Calendar, err error) {
	if l.Complete != nil {
		l.Complete(cal, err)
	}
}

// Observer is notified of changes to a calendar and its items.
type Observer interface {
	OnStartBatch(cal Calendar)
	OnEndBatch(cal Calendar)
	OnLoad(cal Calendar)
	OnAddItem(item *model.Item)
	OnModifyItem(newItem, oldItem *model.Item)
	OnDeleteItem(item *model.Item)
	OnError(cal Calendar, err error)
	OnPropertyChanged(cal Calendar, name string, newValue, oldValue any)
	OnPropertyDeleting(cal Calendar, name string)
}

// NopObserver implements Observer with no-ops; embed it to implement only
// the notifications you care about.
type NopObserver struct{}

func (NopObserver) OnStartBatch(Calendar) {}
func (NopObserver) OnEndBatch(Calendar) {}
func (NopObserver) OnLoad(Calendar) {}
func (NopObserver) OnAddItem(*model.Item) {}
func (NopObserver) OnModifyItem(*model.Item, *model.Item) {}
func (NopObserver) OnDeleteItem(*model.Item) {}
func (NopObserver) OnError(Calendar, error) {}
func (NopObserver) OnPropertyChanged(Calendar, string, any, any) {}
func (NopObserver) OnPropertyDeleting(Calendar, string) {}

// Calendar is a source of items.
type Calendar interface {
	ID() string
	Name() string
	Type() string

	Property(name string) any
	SetProperty(name string, value any)

	// GetItems starts an asynchronous query. Results are delivered to l.
	GetItems(q Query, l Listener) *Operation

	AddObserver(o Observer)
	RemoveObserver(o Observer)
}

// Truthy interprets a property value as a boolean.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && !strings.EqualFold(x, "false") && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}

// IsVisible reports whether the calendar is enabled and shown in the
// composite view.
func IsVisible(c Calendar) bool {
	if c == nil {
		return false
	}
	return !Truthy(c.Property(PropDisabled)) && Truthy(c.Property(PropInComposite))
}

var ErrCanceled = errors.New("calendar: operation canceled")

// OperationError wraps a backend failure with the calendar it came from.
type OperationError struct {
	CalendarID string
	Err        error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("calendar %s: %v", e.CalendarID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Operation is the handle of a pending GetItems call.
type Operation struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	done chan struct{}
	once sync.Once
	err  error
}

func newOperation() *Operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Operation{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (op *Operation) ID() string { return op.id }

// Done is closed after the listener saw OnOperationComplete.
func (op *Operation) Done() <-chan struct{} { return op.done }

// Err is the completion status; only meaningful after Done is closed.
func (op *Operation) Err() error {
	select {
	case <-op.done:
		return op.err
	default:
		return nil
	}
}

// IsPending reports whether the operation has not completed yet.
func (op *Operation) IsPending() bool {
	select {
	case <-op.done:
		return false
	default:
		return true
	}
}

// Cancel asks the backend to stop delivering results.
func (op *Operation) Cancel() { op.cancel() }

// Wait blocks until the operation completes or ctx is done.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (op *Operation) canceled() bool { return op.ctx.Err() != nil }

func (op *Operation) finish(err error) {
	op.once.Do(func() {
		op.err = err
		op.cancel()
		close(op.done)
	})
}

// observerList is a mutex-guarded observer set that notifies on a snapshot,
// so observers may add or remove observers from their callbacks.
type observerList struct {
	mu   sync.RWMutex
	list []Observer
}

func (l *observerList) add(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.list {
		if x == o {
			return
		}
	}
	l.list = append(l.list, o)
}

func (l *observerList) remove(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, x := range l.list {
		if x == o {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return
		}
	}
}

func (l *observerList) each(fn func(Observer)) {
	l.mu.RLock()
	snapshot := append([]Observer(nil), l.list...)
	l.mu.RUnlock()
	for _, o := range snapshot {
		fn(o)
	}
}
