package filter

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

// DateToken names a symbolic window bound.
type DateToken int

const (
	DateAll DateToken = iota // unbounded
	DateView
	DateSelected
	DateSelectedOrNow
	DateNow
	DateToday
	DateCurrentWeek
	DateCurrentMonth
	DateCurrentYear
)

var dateTokenNames = map[DateToken]string{
	DateAll:           "all",
	DateView:          "view",
	DateSelected:      "selected",
	DateSelectedOrNow: "selected-or-now",
	DateNow:           "now",
	DateToday:         "today",
	DateCurrentWeek:   "week",
	DateCurrentMonth:  "month",
	DateCurrentYear:   "year",
}

func (t DateToken) String() string {
	if s, ok := dateTokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(t))
}

// DateBound is one end of a filter window: either a symbolic token or an
// ISO 8601 duration offset from now. A non-empty Offset wins over Token.
type DateBound struct {
	Token  DateToken
	Offset string
}

func Bound(t DateToken) DateBound { return DateBound{Token: t} }
func OffsetBound(dur string) DateBound { return DateBound{Offset: dur} }
func (b DateBound) IsOffset() bool { return b.Offset != "" }
func (b DateBound) IsUnbounded() bool { return !b.IsOffset() && b.Token == DateAll }

func (b DateBound) String() string {
	if b.IsOffset() {
		return b.Offset
	}
	return b.Token.String()
}

// ParseDateBound accepts a token name ("today", "selected-or-now", ...) or a
// duration such as "P7D".
func ParseDateBound(s string) (DateBound, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Bound(DateAll), nil
	}
	for tok, name := range dateTokenNames {
		if strings.EqualFold(s, name) {
			return Bound(tok), nil
		}
	}
	if _, err := ParseDuration(s); err != nil {
		return DateBound{}, fmt.Errorf("filter: invalid date bound %q", s)
	}
	return OffsetBound(strings.ToUpper(s)), nil
}

// StatusMask selects tasks by completion state.
type StatusMask uint8

const (
	StatusIncomplete StatusMask = 1 << iota
	StatusInProgress
	StatusCompletedToday
	StatusCompletedBefore

	StatusAll = StatusIncomplete | StatusInProgress | StatusCompletedToday | StatusCompletedBefore
)

var statusNames = []struct {
	name string
	bit  StatusMask
}{
	{"incomplete", StatusIncomplete},
	{"in-progress", StatusInProgress},
	{"completed-today", StatusCompletedToday},
	{"completed-before", StatusCompletedBefore},
	{"all", StatusAll},
}

// ParseStatus ORs the named states together.
func ParseStatus(names []string) (StatusMask, error) {
	var m StatusMask
	for _, n := range names {
		found := false
		for _, s := range statusNames {
			if strings.EqualFold(strings.TrimSpace(n), s.name) {
				m |= s.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("filter: unknown status %q", n)
		}
	}
	return m, nil
}

// DueMask selects tasks by due date relative to now.
type DueMask uint8

const (
	DuePast DueMask = 1 << iota
	DueToday
	DueFuture
	DueNone

	DueAll = DuePast | DueToday | DueFuture | DueNone
)

var dueNames = []struct {
	name string
	bit  DueMask
}{
	{"past", DuePast},
	{"today", DueToday},
	{"future", DueFuture},
	{"none", DueNone},
	{"all", DueAll},
}

func ParseDue(names []string) (DueMask, error) {
	var m DueMask
	for _, n := range names {
		found := false
		for _, d := range dueNames {
			if strings.EqualFold(strings.TrimSpace(n), d.name) {
				m |= d.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("filter: unknown due %q", n)
		}
	}
	return m, nil
}

func StatusOf(m StatusMask) *StatusMask { return &m }
func DueOf(m DueMask) *DueMask { return &m }

// OccurrencePolicy says how recurring items are turned into results.
type OccurrencePolicy int

const (
	// OccurrencesBound expands within the window when the window has an end.
	OccurrencesBound OccurrencePolicy = iota
	// OccurrencesNone never expands.
	OccurrencesNone
	// OccurrencesPastAndNext expands up to now and adds the next matching
	// occurrence after now.
	OccurrencesPastAndNext
)

func (p OccurrencePolicy) String() string {
	switch p {
	case OccurrencesNone:
		return "none"
	case OccurrencesPastAndNext:
		return "past-and-next"
	default:
		return "bound"
	}
}

func ParseOccurrencePolicy(s string) (OccurrencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bound":
		return OccurrencesBound, nil
	case "none":
		return OccurrencesNone, nil
	case "past-and-next":
		return OccurrencesPastAndNext, nil
	}
	return 0, fmt.Errorf("filter: unknown occurrence policy %q", s)
}

// State is the read-only view of the filter handed to custom predicates.
type State struct {
	Now      time.Time
	Today    time.Time
	Tomorrow time.Time

	Start        *time.Time
	End          *time.Time
	SelectedDate *time.Time

	ItemType calendar.ItemFilter
	Text     string
}

// Predicate gets the verdict of the built-in checks and returns the final
// one.
type Predicate func(item *model.Item, result bool, props *Properties, st State) bool

// CustomFilter is a named predicate. Properties compare custom filters by
// identity.
type CustomFilter struct {
	Name string
	Fn   Predicate
}

func NewCustomFilter(name string, fn Predicate) *CustomFilter {
	return &CustomFilter{Name: name, Fn: fn}
}

// Properties describe what a filter matches. The zero value matches
// everything.
type Properties struct {
	Start DateBound
	End   DateBound

	// Nil masks do not constrain.
	Due    *DueMask
	Status *StatusMask

	// Category matches items carrying any of the listed categories. Empty
	// means no constraint.
	Category []string

	Occurrences OccurrencePolicy
	OnFilter    *CustomFilter
}

// Clone returns a deep copy. The custom filter is shared.
func (p *Properties) Clone() *Properties {
	if p == nil {
		return nil
	}
	c := *p
	if p.Due != nil {
		c.Due = DueOf(*p.Due)
	}
	if p.Status != nil {
		c.Status = StatusOf(*p.Status)
	}
	if p.Category != nil {
		c.Category = append([]string(nil), p.Category...)
	}
	return &c
}

// Equals compares field by field; masks by value, custom filters by
// identity.
func (p *Properties) Equals(o *Properties) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Start == o.Start &&
		p.End == o.End &&
		equalPtr(p.Due, o.Due) &&
		equalPtr(p.Status, o.Status) &&
		slices.Equal(p.Category, o.Category) &&
		p.Occurrences == o.Occurrences &&
		p.OnFilter == o.OnFilter
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (p *Properties) String() string {
	if p == nil {
		return "<nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "start=%s end=%s", p.Start, p.End)
	if p.Status != nil {
		fmt.Fprintf(&b, " status=%#x", uint8(*p.Status))
	}
	if p.Due != nil {
		fmt.Fprintf(&b, " due=%#x", uint8(*p.Due))
	}
	if len(p.Category) > 0 {
		fmt.Fprintf(&b, " category=%s", strings.Join(p.Category, ","))
	}
	fmt.Fprintf(&b, " occurrences=%s", p.Occurrences)
	if p.OnFilter != nil {
		fmt.Fprintf(&b, " onfilter=%s", p.OnFilter.Name)
	}
	return b.String()
}
