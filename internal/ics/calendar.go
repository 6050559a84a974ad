package ics

import (
	"context"
	"fmt"
	"time"

	"calfilter/internal/calendar"
	appLog "calfilter/internal/log"
)

// Calendar is a read-mostly calendar backed by an ICS file or subscription.
// Reload replaces its content and fires OnLoad; it does not report the
// individual item changes.
type Calendar struct {
	*calendar.MemoryCalendar

	source  Source
	fetcher *Fetcher
	loc     *time.Location
}

// NewCalendar returns an empty ICS calendar; call Reload to fill it.
func NewCalendar(src Source, fetcher *Fetcher, loc *time.Location) *Calendar {
	name := src.Name
	if name == "" {
		name = src.ID
	}
	return &Calendar{
		MemoryCalendar: calendar.NewMemory(src.ID, name, calendar.WithType(calendar.TypeICS)),
		source:         src,
		fetcher:        fetcher,
		loc:            loc,
	}
}

func (c *Calendar) Source() Source { return c.source }

// Reload fetches and parses the source. On failure the previous content is
// kept and observers get OnError.
func (c *Calendar) Reload(ctx context.Context) error {
	res, err := c.fetcher.FetchOne(ctx, c.source)
	if err != nil {
		err = &calendar.OperationError{CalendarID: c.ID(), Err: fmt.Errorf("fetch %s: %w", c.source, err)}
		c.ReportError(err)
		return err
	}

	items, err := ParseICS(c.ID(), res.Body, c.loc)
	if err != nil {
		err = &calendar.OperationError{CalendarID: c.ID(), Err: fmt.Errorf("parse: %w", err)}
		c.ReportError(err)
		return err
	}

	c.Load(items)
	appLog.Info("ics calendar reloaded", "calendar", c.ID(), "items", len(items), "from_cache", res.FromCache)
	return nil
}
