package filter

import (
	"sync"
	"time"

	"calfilter/internal/calendar"
	appLog "calfilter/internal/log"
)

const defaultMaxIterations = 50

// View supplies the visible range and selection of a calendar view. Zero
// times mean "not set".
type View interface {
	StartDay() time.Time
	EndDay() time.Time
	SelectedDay() time.Time
}

// StaticView is a View with fixed values.
type StaticView struct {
	Start    time.Time
	End      time.Time
	Selected time.Time
}

func (v StaticView) StartDay() time.Time    { return v.Start }
func (v StaticView) EndDay() time.Time      { return v.End }
func (v StaticView) SelectedDay() time.Time { return v.Selected }

// Filter decides which items are shown. It holds the active properties, the
// resolved date window and the text and item type constraints.
//
// A Filter is safe for concurrent use. Predicates and result callbacks must
// not call back into the filter that invoked them.
type Filter struct {
	mu sync.RWMutex

	registry *Registry
	props    *Properties

	start    *time.Time
	end      *time.Time
	selected *time.Time
	itemType calendar.ItemFilter
	text     string

	// today / tomorrow are cached by UpdateFilterDates; zero means unset.
	today    time.Time
	tomorrow time.Time

	maxIterations int
	now           func() time.Time
	loc           *time.Location
	weekStart     time.Weekday
	view          View
}

type Option func(*Filter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) { f.now = now }
}

// WithLocation sets the time zone used for day boundaries.
func WithLocation(loc *time.Location) Option {
	return func(f *Filter) {
		if loc != nil {
			f.loc = loc
		}
	}
}

func WithWeekStart(d time.Weekday) Option {
	return func(f *Filter) { f.weekStart = d }
}

// WithView connects the filter to a view for the view token.
func WithView(v View) Option {
	return func(f *Filter) { f.view = v }
}

// WithMaxIterations bounds the next-occurrence search.
func WithMaxIterations(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.maxIterations = n
		}
	}
}

// New returns a filter matching everything of every type. A nil registry
// gets a private one holding the presets.
func New(reg *Registry, opts ...Option) *Filter {
	if reg == nil {
		reg = DefaultRegistry()
	}
	f := &Filter{
		registry:      reg,
		props:         &Properties{},
		itemType:      calendar.ItemFilterTypeAll,
		maxIterations: defaultMaxIterations,
		now:           time.Now,
		loc:           time.Local,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) Registry() *Registry { return f.registry }

func (f *Filter) MaxIterations() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxIterations
}

func (f *Filter) SetMaxIterations(n int) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	f.maxIterations = n
	f.mu.Unlock()
}

// SetView replaces the view used by the view token.
func (f *Filter) SetView(v View) {
	f.mu.Lock()
	f.view = v
	f.mu.Unlock()
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (f *Filter) StartDate() *time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyTime(f.start)
}

func (f *Filter) SetStartDate(t *time.Time) {
	f.mu.Lock()
	f.start = copyTime(t)
	f.mu.Unlock()
}

func (f *Filter) EndDate() *time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyTime(f.end)
}

func (f *Filter) SetEndDate(t *time.Time) {
	f.mu.Lock()
	f.end = copyTime(t)
	f.mu.Unlock()
}

func (f *Filter) SelectedDate() *time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyTime(f.selected)
}

func (f *Filter) SetSelectedDate(t *time.Time) {
	f.mu.Lock()
	f.selected = copyTime(t)
	f.mu.Unlock()
}

func (f *Filter) ItemType() calendar.ItemFilter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.itemType
}

func (f *Filter) SetItemType(t calendar.ItemFilter) {
	f.mu.Lock()
	f.itemType = t
	f.mu.Unlock()
}

func (f *Filter) FilterText() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.text
}

func (f *Filter) SetFilterText(s string) {
	f.mu.Lock()
	f.text = s
	f.mu.Unlock()
}

// FilterProperties returns a copy of the active properties, or nil when no
// filter is configured.
func (f *Filter) FilterProperties() *Properties {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.props.Clone()
}

// SetFilterProperties installs properties without resolving dates.
func (f *Filter) SetFilterProperties(p *Properties) {
	f.mu.Lock()
	f.props = p.Clone()
	f.mu.Unlock()
}

// FilterName is the registry name of the active properties, if any.
func (f *Filter) FilterName() (string, bool) {
	f.mu.RLock()
	p := f.props
	f.mu.RUnlock()
	return f.registry.NameOf(p)
}

func (f *Filter) DefineFilter(name string, p *Properties) {
	f.registry.Define(name, p)
}

// DefinedFilterProperties returns the named properties or nil.
func (f *Filter) DefinedFilterProperties(name string) *Properties {
	p, _ := f.registry.Lookup(name)
	return p
}

func (f *Filter) DefinedFilterName(p *Properties) (string, bool) {
	return f.registry.NameOf(p)
}

// Selector picks the properties ApplyFilter installs: ByName, ByDuration,
// ByProperties or ByPredicate. A nil Selector installs the default
// properties.
type Selector interface {
	isSelector()
}

// ByName selects a registered filter. Names that are not registered are
// tried as durations.
type ByName string

// ByDuration selects the window from now to now plus a positive duration.
type ByDuration string

// ByProperties installs the given properties; nil means the default ones.
type ByProperties struct {
	Properties *Properties
}

// ByPredicate installs default properties with fn as the custom predicate.
type ByPredicate Predicate

func (ByName) isSelector()       {}
func (ByDuration) isSelector()   {}
func (ByProperties) isSelector() {}
func (ByPredicate) isSelector()  {}

// ApplyFilter installs the selected properties and recomputes the window.
// When the selector cannot be resolved the filter is left without
// properties, its window untouched, and ApplyFilter returns false.
func (f *Filter) ApplyFilter(sel Selector) bool {
	var props *Properties

	switch s := sel.(type) {
	case nil:
		props = &Properties{}
	case ByName:
		if p, ok := f.registry.Lookup(string(s)); ok {
			props = p
		} else {
			props = durationProperties(string(s))
		}
	case ByDuration:
		props = durationProperties(string(s))
	case ByProperties:
		props = s.Properties.Clone()
		if props == nil {
			props = &Properties{}
		}
	case ByPredicate:
		if s != nil {
			props = &Properties{OnFilter: NewCustomFilter("", Predicate(s))}
		} else {
			props = &Properties{}
		}
	default:
		props = &Properties{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.props = props
	if props == nil {
		appLog.Warn("filter: unable to apply filter", "selector", sel)
		return false
	}
	f.updateFilterDates()
	return true
}

func durationProperties(s string) *Properties {
	off, err := ParseDuration(s)
	if err != nil || off.InSeconds() <= 0 {
		return nil
	}
	return &Properties{Start: Bound(DateNow), End: OffsetBound(s)}
}

// UpdateFilterDates re-resolves the window from the active properties and
// refreshes the cached today and tomorrow.
func (f *Filter) UpdateFilterDates() (start, end *time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateFilterDates()
	return copyTime(f.start), copyTime(f.end)
}

func (f *Filter) updateFilterDates() {
	f.start, f.end = f.computeWindow()
	f.today = startOfDay(f.currentTime())
	f.tomorrow = f.today.AddDate(0, 0, 1)
}

// state snapshots the filter for predicates. Callers hold f.mu.
func (f *Filter) state() State {
	today, tomorrow := f.todayAndTomorrow()
	return State{
		Now:          f.currentTime(),
		Today:        today,
		Tomorrow:     tomorrow,
		Start:        copyTime(f.start),
		End:          copyTime(f.end),
		SelectedDate: copyTime(f.selected),
		ItemType:     f.itemType,
		Text:         f.text,
	}
}

func (f *Filter) todayAndTomorrow() (time.Time, time.Time) {
	if !f.today.IsZero() {
		return f.today, f.tomorrow
	}
	today := startOfDay(f.currentTime())
	return today, today.AddDate(0, 0, 1)
}
