package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calfilter/internal/filter"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

// component is the property access shared by VEVENT and VTODO.
type component interface {
	GetProperty(ical.ComponentProperty) *ical.IANAProperty
	GetProperties(ical.ComponentProperty) []*ical.IANAProperty
}

// Property names not every golang-ical version exports a constant for.
const (
	propRecurrenceID    ical.ComponentProperty = "RECURRENCE-ID"
	propDue             ical.ComponentProperty = "DUE"
	propCompleted       ical.ComponentProperty = "COMPLETED"
	propPercentComplete ical.ComponentProperty = "PERCENT-COMPLETE"
	propStatus          ical.ComponentProperty = "STATUS"
	propCategories      ical.ComponentProperty = "CATEGORIES"
	propURL             ical.ComponentProperty = "URL"
	propDuration        ical.ComponentProperty = "DURATION"
)

// parsed is an item plus the bookkeeping needed to fold overrides.
type parsed struct {
	item *model.Item
	seq  int
}

// ParseICS parses an ICS payload into items of the given calendar.
//
//   - VEVENT becomes an event and VTODO a task; other components are skipped.
//   - Times with a TZID are interpreted in that zone, floating times in loc.
//   - Components carrying RECURRENCE-ID are attached to their recurring
//     parent as exceptions. Overrides without a parent are kept as items.
func ParseICS(calendarID string, body []byte, loc *time.Location) ([]*model.Item, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "calendar", calendarID)
		return nil, err
	}

	var (
		order     []string
		bases     = map[string]parsed{}
		overrides []parsed
	)

	for _, comp := range cal.Components {
		var (
			p    parsed
			perr error
		)
		switch c := comp.(type) {
		case *ical.VEvent:
			p, perr = parseComponent(c, model.KindEvent, loc)
		case *ical.VTodo:
			p, perr = parseComponent(c, model.KindTask, loc)
		default:
			continue
		}
		if perr != nil {
			// Log and skip this component, but keep parsing others.
			appLog.Error("ics component parse failed", perr, "calendar", calendarID)
			continue
		}
		p.item.CalendarID = calendarID

		if p.item.RecurrenceID != nil {
			overrides = append(overrides, p)
			continue
		}
		if prev, ok := bases[p.item.ID]; ok {
			if prev.seq > p.seq {
				continue
			}
		} else {
			order = append(order, p.item.ID)
		}
		bases[p.item.ID] = p
	}

	for _, ov := range overrides {
		base, ok := bases[ov.item.ID]
		if !ok || !base.item.IsRecurring() {
			appLog.Debug("ics override without recurring parent", "calendar", calendarID, "uid", ov.item.ID)
			ov.item.RecurrenceID = nil
			if !ok {
				bases[ov.item.ID] = ov
				order = append(order, ov.item.ID)
			}
			continue
		}
		if err := base.item.AddException(ov.item); err != nil {
			appLog.Error("ics override rejected", err, "calendar", calendarID, "uid", ov.item.ID)
		}
	}

	items := make([]*model.Item, 0, len(order))
	for _, uid := range order {
		items = append(items, bases[uid].item)
	}

	appLog.Info("ics parse completed", "calendar", calendarID, "item_count", len(items), "override_count", len(overrides))
	return items, nil
}

func parseComponent(c component, kind model.Kind, loc *time.Location) (parsed, error) {
	out := parsed{item: &model.Item{Kind: kind}}
	it := out.item

	uidProp := c.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	it.ID = uidProp.Value

	// SEQUENCE (optional, the highest one wins among duplicates)
	if p := c.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.seq = n
		}
	}

	it.Summary = textValue(c, ical.ComponentPropertySummary)
	it.Description = textValue(c, ical.ComponentPropertyDescription)
	it.Location = textValue(c, ical.ComponentPropertyLocation)
	it.URL = textValue(c, propURL)

	for _, p := range c.GetProperties(propCategories) {
		for _, cat := range splitEscaped(p.Value) {
			if cat = strings.TrimSpace(cat); cat != "" {
				it.Categories = append(it.Categories, cat)
			}
		}
	}

	start, allDay, hasStart := timeProp(c, ical.ComponentPropertyDtStart, loc)
	it.AllDay = allDay

	var duration *filter.Offset
	if p := c.GetProperty(propDuration); p != nil {
		if off, err := filter.ParseDuration(p.Value); err == nil {
			duration = &off
		}
	}

	switch kind {
	case model.KindEvent:
		if !hasStart {
			return out, errors.New("missing DTSTART")
		}
		it.Start = start
		if end, _, ok := timeProp(c, ical.ComponentPropertyDtEnd, loc); ok {
			it.End = end
		} else if duration != nil {
			it.End = duration.AddTo(start)
		} else if allDay {
			it.End = start.AddDate(0, 0, 1)
		}

	case model.KindTask:
		if hasStart {
			it.Entry = &start
		}
		if due, _, ok := timeProp(c, propDue, loc); ok {
			it.Due = &due
		} else if hasStart && duration != nil {
			due := duration.AddTo(start)
			it.Due = &due
		}
		if done, _, ok := timeProp(c, propCompleted, loc); ok {
			it.CompletedAt = &done
			it.Completed = true
		}
		if p := c.GetProperty(propPercentComplete); p != nil {
			if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
				it.PercentComplete = n
			}
		}
		if p := c.GetProperty(propStatus); p != nil && strings.EqualFold(strings.TrimSpace(p.Value), "COMPLETED") {
			it.Completed = true
		}
	}

	// RRULE / EXDATE are kept on the item; expansion happens on demand.
	if p := c.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		rec := &model.Recurrence{Rule: p.Value}
		for _, ex := range c.GetProperties(ical.ComponentPropertyExdate) {
			for _, part := range strings.Split(ex.Value, ",") {
				if t, _, err := parseICSTime(part, ex.ICalParameters, loc); err == nil {
					rec.ExDates = append(rec.ExDates, t)
				}
			}
		}
		it.Recurrence = rec
	}

	if rid, _, ok := timeProp(c, propRecurrenceID, loc); ok {
		it.RecurrenceID = &rid
	}

	return out, nil
}

func textValue(c component, name ical.ComponentProperty) string {
	if p := c.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

// timeProp parses a date or date-time property. The second result reports
// a date-only value.
func timeProp(c component, name ical.ComponentProperty, loc *time.Location) (time.Time, bool, bool) {
	p := c.GetProperty(name)
	if p == nil {
		return time.Time{}, false, false
	}
	t, dateOnly, err := parseICSTime(p.Value, p.ICalParameters, loc)
	if err != nil {
		appLog.Debug("ics time parse failed", "property", string(name), "value", p.Value)
		return time.Time{}, false, false
	}
	return t, dateOnly, true
}

// parseICSTime parses an ICS date or date-time, honoring TZID and
// VALUE=DATE parameters.
func parseICSTime(v string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}

	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if tz, err := time.LoadLocation(strings.Trim(tzs[0], `"`)); err == nil {
			loc = tz
		} else {
			appLog.Debug("ics unknown TZID, using default zone", "tzid", tzs[0])
		}
	}

	dateOnly := !strings.Contains(v, "T")
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		dateOnly = true
	}

	switch {
	case strings.HasSuffix(v, "Z"):
		// UTC form, e.g., 20250101T090000Z
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	case dateOnly:
		// Date-only (all-day), e.g., 20250101
		t, err := time.ParseInLocation("20060102", v, loc)
		return t, true, err
	default:
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}
}

// splitEscaped splits a TEXT list on commas that are not escaped and
// unescapes the parts.
func splitEscaped(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		ch := v[i]
		switch {
		case ch == '\\' && i+1 < len(v):
			i++
			switch v[i] {
			case 'n', 'N':
				cur.WriteByte('\n')
			default:
				cur.WriteByte(v[i])
			}
		case ch == ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	return append(out, cur.String())
}
