package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes events from tasks (VEVENT / VTODO).
type Kind int

const (
	KindEvent Kind = iota
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindTask:
		return "task"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "event":
		*k = KindEvent
	case "task", "todo":
		*k = KindTask
	default:
		return fmt.Errorf("model: unknown item kind %q", text)
	}
	return nil
}

// UnboundedPast stands in for a missing range start when an API needs a
// concrete instant.
var UnboundedPast = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Item is a calendar item: an event, a task, a recurring parent, or a single
// occurrence of a recurring parent.
//
// Items handed out by calendars are shared; treat them as read-only and use
// Clone before changing anything.
type Item struct {
	// ID is the iCalendar UID. Occurrences share their parent's ID.
	ID         string `json:"id"`
	CalendarID string `json:"calendar_id"`
	Kind       Kind   `json:"kind"`

	Summary     string   `json:"summary,omitempty"`
	Description string   `json:"description,omitempty"`
	Location    string   `json:"location,omitempty"`
	URL         string   `json:"url,omitempty"`
	Categories  []string `json:"categories,omitempty"`

	AllDay bool `json:"all_day,omitempty"`

	// Start / End are used by events.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`

	// Entry (DTSTART) and Due are used by tasks. Both are optional.
	Entry *time.Time `json:"entry,omitempty"`
	Due   *time.Time `json:"due,omitempty"`

	Completed       bool       `json:"completed,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	PercentComplete int        `json:"percent_complete,omitempty"`

	// Recurrence is set on recurring parents only.
	Recurrence *Recurrence `json:"recurrence,omitempty"`

	// RecurrenceID is set on occurrences and exceptions.
	RecurrenceID *time.Time `json:"recurrence_id,omitempty"`

	// Parent links an occurrence or exception back to its recurring parent.
	Parent *Item `json:"-"`
}

func (it *Item) IsEvent() bool { return it.Kind == KindEvent }
func (it *Item) IsTodo() bool  { return it.Kind == KindTask }

// IsCompleted reports whether a task is done: flagged completed, carrying a
// completion date, or at 100 percent.
func (it *Item) IsCompleted() bool {
	return it.Completed || it.CompletedAt != nil || it.PercentComplete >= 100
}

// IsRecurring reports whether the item is a recurring parent.
func (it *Item) IsRecurring() bool {
	return it.Recurrence != nil && it.Recurrence.Rule != ""
}

// Property returns a text property by its iCalendar name.
func (it *Item) Property(name string) string {
	switch strings.ToUpper(name) {
	case "UID":
		return it.ID
	case "SUMMARY":
		return it.Summary
	case "DESCRIPTION":
		return it.Description
	case "LOCATION":
		return it.Location
	case "URL":
		return it.URL
	case "CATEGORIES":
		return strings.Join(it.Categories, ",")
	}
	return ""
}

// BaseTime is the instant an item is anchored at: the start of an event, or
// the entry date (falling back to the due date) of a task.
func (it *Item) BaseTime() (time.Time, bool) {
	if it.IsEvent() {
		return it.Start, !it.Start.IsZero()
	}
	if it.Entry != nil {
		return *it.Entry, true
	}
	if it.Due != nil {
		return *it.Due, true
	}
	return time.Time{}, false
}

// Key identifies an item or one occurrence of it within all calendars.
func (it *Item) Key() string {
	k := it.CalendarID + "/" + it.ID
	if it.RecurrenceID != nil {
		k += "#" + it.RecurrenceID.UTC().Format("20060102T150405Z")
	}
	return k
}

// Clone returns a shallow copy with its own Categories slice. Recurrence and
// Parent are shared with the original.
func (it *Item) Clone() *Item {
	c := *it
	if it.Categories != nil {
		c.Categories = append([]string(nil), it.Categories...)
	}
	return &c
}

func (it *Item) String() string {
	return fmt.Sprintf("%s %s %q", it.Kind, it.Key(), it.Summary)
}
