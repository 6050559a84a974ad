package model

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calfilter/internal/log"
)

const (
	defaultMaxOccurrences = 5000
)

// Recurrence holds the recurrence rule of a parent item together with its
// excluded dates and its exceptions (modified occurrences, RECURRENCE-ID).
// A Recurrence belongs to exactly one parent item.
type Recurrence struct {
	Rule       string      `json:"rule"`
	ExDates    []time.Time `json:"exdates,omitempty"`
	Exceptions []*Item     `json:"exceptions,omitempty"`

	mu   sync.Mutex
	set  *rrule.Set
	base time.Time
	err  error
}

// ruleSet builds (once per base instant) the rrule set for the parent.
// Callers must hold r.mu.
func (r *Recurrence) ruleSet(base time.Time) (*rrule.Set, error) {
	if r.set != nil && r.base.Equal(base) {
		return r.set, nil
	}
	if r.err != nil && r.base.Equal(base) {
		return nil, r.err
	}
	r.base = base

	raw := strings.TrimPrefix(strings.TrimSpace(r.Rule), "RRULE:")
	rule, err := rrule.StrToRRule(raw)
	if err != nil {
		r.err = err
		return nil, err
	}
	rule.DTStart(base)

	set := &rrule.Set{}
	set.RRule(rule)
	for _, ex := range r.ExDates {
		// Align EXDATE location with the series start.
		set.ExDate(ex.In(base.Location()))
	}
	r.set = set
	r.err = nil
	return set, nil
}

// AddException records ex as the modified occurrence for its RecurrenceID,
// replacing any previous exception for the same occurrence.
func (it *Item) AddException(ex *Item) error {
	if it.Recurrence == nil {
		return errors.New("model: item is not recurring")
	}
	if ex.RecurrenceID == nil {
		return errors.New("model: exception has no recurrence id")
	}
	ex.Parent = it
	ex.Recurrence = nil
	r := it.Recurrence
	for i, old := range r.Exceptions {
		if old.RecurrenceID != nil && old.RecurrenceID.Equal(*ex.RecurrenceID) {
			r.Exceptions[i] = ex
			return nil
		}
	}
	r.Exceptions = append(r.Exceptions, ex)
	return nil
}

// LinkExceptions restores the Parent back-references of the exceptions,
// e.g. after the item was decoded from JSON.
func (it *Item) LinkExceptions() {
	if it.Recurrence == nil {
		return
	}
	for _, ex := range it.Recurrence.Exceptions {
		ex.Parent = it
	}
}

// ExceptionIDs returns the recurrence ids of all exceptions, earliest first.
func (it *Item) ExceptionIDs() []time.Time {
	if it.Recurrence == nil {
		return nil
	}
	ids := make([]time.Time, 0, len(it.Recurrence.Exceptions))
	for _, ex := range it.Recurrence.Exceptions {
		if ex.RecurrenceID != nil {
			ids = append(ids, *ex.RecurrenceID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Before(ids[j]) })
	return ids
}

// ExceptionFor returns the exception recorded for rid, or nil.
func (it *Item) ExceptionFor(rid time.Time) *Item {
	if it.Recurrence == nil {
		return nil
	}
	for _, ex := range it.Recurrence.Exceptions {
		if ex.RecurrenceID != nil && ex.RecurrenceID.Equal(rid) {
			return ex
		}
	}
	return nil
}

// duration is the length of the item, used to shift occurrences.
func (it *Item) duration() time.Duration {
	if it.IsEvent() {
		if it.End.IsZero() || it.End.Before(it.Start) {
			return 0
		}
		return it.End.Sub(it.Start)
	}
	if it.Entry != nil && it.Due != nil && it.Due.After(*it.Entry) {
		return it.Due.Sub(*it.Entry)
	}
	return 0
}

// occurrenceAt materializes the occurrence starting at rid, preferring a
// recorded exception.
func (it *Item) occurrenceAt(rid time.Time, base time.Time) *Item {
	if ex := it.ExceptionFor(rid); ex != nil {
		return ex
	}

	occ := it.Clone()
	occ.Recurrence = nil
	occ.Parent = it
	id := rid
	occ.RecurrenceID = &id

	if it.IsEvent() {
		occ.Start = rid
		if !it.End.IsZero() {
			occ.End = rid.Add(it.duration())
		}
		return occ
	}

	shift := rid.Sub(base)
	if it.Entry != nil {
		e := it.Entry.Add(shift)
		occ.Entry = &e
	}
	if it.Due != nil {
		d := it.Due.Add(shift)
		occ.Due = &d
	}
	return occ
}

// OccurrencesBetween returns the occurrences overlapping [start, end).
// A non-recurring item is returned as its own single occurrence when it
// falls in the range.
func (it *Item) OccurrencesBetween(start, end time.Time) []*Item {
	if !it.IsRecurring() {
		if CheckIfInRange(it, &start, &end) {
			return []*Item{it}
		}
		return nil
	}

	base, ok := it.BaseTime()
	if !ok {
		return nil
	}

	r := it.Recurrence
	r.mu.Lock()
	set, err := r.ruleSet(base)
	var times []time.Time
	if err == nil {
		// Widen the lower bound so occurrences that started before start
		// but are still running are found.
		times = set.Between(start.Add(-it.duration()), end, true)
	}
	r.mu.Unlock()
	if err != nil {
		appLog.Error("recurrence: failed to parse RRULE", err, "uid", it.ID, "rrule", it.Recurrence.Rule)
		return nil
	}

	if len(times) > defaultMaxOccurrences {
		appLog.Error("recurrence: truncated occurrences due to cap",
			errors.New("max occurrences reached"),
			"uid", it.ID,
			"cap", defaultMaxOccurrences,
		)
		times = times[:defaultMaxOccurrences]
	}

	out := make([]*Item, 0, len(times))
	for _, t := range times {
		occ := it.occurrenceAt(t, base)
		if CheckIfInRange(occ, &start, &end) {
			out = append(out, occ)
		}
	}
	return out
}

// NextOccurrence returns the first occurrence whose recurrence id is
// strictly after the given instant, or nil when the series has ended.
func (it *Item) NextOccurrence(after time.Time) *Item {
	if !it.IsRecurring() {
		return nil
	}
	base, ok := it.BaseTime()
	if !ok {
		return nil
	}

	r := it.Recurrence
	r.mu.Lock()
	set, err := r.ruleSet(base)
	var next time.Time
	if err == nil {
		next = set.After(after, false)
	}
	r.mu.Unlock()
	if err != nil {
		appLog.Error("recurrence: failed to parse RRULE", err, "uid", it.ID, "rrule", it.Recurrence.Rule)
		return nil
	}
	if next.IsZero() {
		return nil
	}
	return it.occurrenceAt(next, base)
}
