package filter

import "sync"

// Preset filter names.
const (
	PresetAll              = "all"
	PresetNotStarted       = "notstarted"
	PresetOverdue          = "overdue"
	PresetOpen             = "open"
	PresetCompleted        = "completed"
	PresetThroughCurrent   = "throughcurrent"
	PresetThroughToday     = "throughtoday"
	PresetThroughSevenDays = "throughsevendays"
	PresetToday            = "today"
	PresetThisMonth        = "thisCalendarMonth"
	PresetFuture           = "future"
	PresetCurrent          = "current"
	PresetCurrentView      = "currentview"
)

var presetNames = []string{
	PresetAll,
	PresetNotStarted,
	PresetOverdue,
	PresetOpen,
	PresetCompleted,
	PresetThroughCurrent,
	PresetThroughToday,
	PresetThroughSevenDays,
	PresetToday,
	PresetThisMonth,
	PresetFuture,
	PresetCurrent,
	PresetCurrentView,
}

// PresetProperties returns fresh properties for a preset name. Unknown
// names get the match-everything properties.
func PresetProperties(name string) *Properties {
	open := StatusIncomplete | StatusInProgress
	through := StatusIncomplete | StatusInProgress | StatusCompletedToday

	switch name {
	case PresetNotStarted:
		return &Properties{Status: StatusOf(StatusIncomplete), Due: DueOf(DueAll), End: Bound(DateSelectedOrNow)}
	case PresetOverdue:
		return &Properties{Status: StatusOf(open), Due: DueOf(DuePast), End: Bound(DateSelectedOrNow)}
	case PresetOpen:
		return &Properties{Status: StatusOf(open), Due: DueOf(DueAll), Occurrences: OccurrencesPastAndNext}
	case PresetCompleted:
		return &Properties{Status: StatusOf(StatusCompletedToday | StatusCompletedBefore), Due: DueOf(DueAll), End: Bound(DateSelectedOrNow)}
	case PresetThroughCurrent:
		return &Properties{Status: StatusOf(through), Due: DueOf(DueAll), End: Bound(DateSelectedOrNow)}
	case PresetThroughToday:
		return &Properties{Status: StatusOf(through), Due: DueOf(DueAll), End: Bound(DateToday)}
	case PresetThroughSevenDays:
		return &Properties{Status: StatusOf(through), Due: DueOf(DueAll), End: OffsetBound("P7D")}
	case PresetToday:
		return &Properties{Start: Bound(DateToday), End: Bound(DateToday)}
	case PresetThisMonth:
		return &Properties{Start: Bound(DateCurrentMonth), End: Bound(DateCurrentMonth)}
	case PresetFuture:
		return &Properties{Start: Bound(DateNow)}
	case PresetCurrent:
		return &Properties{Start: Bound(DateSelected), End: Bound(DateSelected)}
	case PresetCurrentView:
		return &Properties{Start: Bound(DateView), End: Bound(DateView)}
	default:
		return &Properties{Status: StatusOf(StatusAll), Due: DueOf(DueAll)}
	}
}

// Registry maps filter names to properties. Names keep their definition
// order, which decides the winner of reverse lookups. Safe for concurrent
// use; share one registry between filters that should see the same
// definitions.
type Registry struct {
	mu    sync.RWMutex
	names []string
	props map[string]*Properties
}

func NewRegistry() *Registry {
	return &Registry{props: map[string]*Properties{}}
}

// DefaultRegistry returns a registry holding the presets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, n := range presetNames {
		r.Define(n, PresetProperties(n))
	}
	return r
}

// Define registers or replaces a named filter. Nil properties are ignored.
func (r *Registry) Define(name string, p *Properties) {
	if p == nil || name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.props[name]; !ok {
		r.names = append(r.names, name)
	}
	r.props[name] = p.Clone()
}

// Lookup returns a copy of the named properties.
func (r *Registry) Lookup(name string) (*Properties, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.props[name]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// NameOf returns the first defined name whose properties equal p.
func (r *Registry) NameOf(p *Properties) (string, bool) {
	if p == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.names {
		if r.props[n].Equals(p) {
			return n, true
		}
	}
	return "", false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}
