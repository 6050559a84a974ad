package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

const sample = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calfilter//test//EN
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20250101T000000Z
DTSTART:20250505T090000Z
DTEND:20250505T091500Z
SUMMARY:Standup
CATEGORIES:Work,Daily
RRULE:FREQ=DAILY;COUNT=5
EXDATE:20250507T090000Z
END:VEVENT
BEGIN:VEVENT
UID:standup@example.com
DTSTAMP:20250101T000000Z
RECURRENCE-ID:20250506T090000Z
DTSTART:20250506T100000Z
DTEND:20250506T101500Z
SUMMARY:Standup (late)
END:VEVENT
BEGIN:VEVENT
UID:holiday@example.com
DTSTAMP:20250101T000000Z
DTSTART;VALUE=DATE:20250526
SUMMARY:Holiday
END:VEVENT
BEGIN:VTODO
UID:report@example.com
DTSTAMP:20250101T000000Z
DUE;TZID=Europe/Berlin:20250510T170000
SUMMARY:Write report
PERCENT-COMPLETE:30
END:VTODO
BEGIN:VTODO
UID:done@example.com
DTSTAMP:20250101T000000Z
SUMMARY:Old chore
STATUS:COMPLETED
COMPLETED:20250401T120000Z
END:VTODO
END:VCALENDAR
`

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func byID(items []*model.Item) map[string]*model.Item {
	out := map[string]*model.Item{}
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}

func TestParseICS(t *testing.T) {
	items, err := ParseICS("feed", crlf(sample), time.UTC)
	require.NoError(t, err)
	require.Len(t, items, 4)
	m := byID(items)

	standup := m["standup@example.com"]
	require.NotNil(t, standup)
	assert.Equal(t, "feed", standup.CalendarID)
	assert.True(t, standup.IsEvent())
	assert.True(t, standup.IsRecurring())
	assert.Equal(t, []string{"Work", "Daily"}, standup.Categories)
	assert.Len(t, standup.Recurrence.ExDates, 1)
	require.Len(t, standup.Recurrence.Exceptions, 1)
	assert.Same(t, standup, standup.Recurrence.Exceptions[0].Parent)

	occ := standup.OccurrencesBetween(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.Len(t, occ, 4)
	assert.Equal(t, "Standup (late)", occ[1].Summary)

	holiday := m["holiday@example.com"]
	require.NotNil(t, holiday)
	assert.True(t, holiday.AllDay)
	assert.Equal(t, 24*time.Hour, holiday.End.Sub(holiday.Start))

	report := m["report@example.com"]
	require.NotNil(t, report)
	assert.True(t, report.IsTodo())
	require.NotNil(t, report.Due)
	assert.Equal(t, "Europe/Berlin", report.Due.Location().String())
	assert.Equal(t, 30, report.PercentComplete)
	assert.False(t, report.IsCompleted())

	done := m["done@example.com"]
	require.NotNil(t, done)
	assert.True(t, done.IsCompleted())
	require.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.Due)
}

func TestParseICSErrors(t *testing.T) {
	_, err := ParseICS("x", nil, nil)
	assert.Error(t, err)

	// Components without UID are skipped.
	body := crlf("BEGIN:VCALENDAR\nVERSION:2.0\nBEGIN:VEVENT\nDTSTART:20250101T000000Z\nSUMMARY:x\nEND:VEVENT\nEND:VCALENDAR\n")
	items, err := ParseICS("x", body, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSplitEscaped(t *testing.T) {
	assert.Equal(t, []string{"a,b", "c"}, splitEscaped(`a\,b,c`))
	assert.Equal(t, []string{"one"}, splitEscaped("one"))
}

func TestCalendarReloadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.ics")
	require.NoError(t, os.WriteFile(path, crlf(sample), 0o600))

	c := NewCalendar(Source{ID: "feed", Path: path}, NewFetcher(filepath.Join(dir, "cache")), time.UTC)
	assert.Equal(t, calendar.TypeICS, c.Type())
	assert.Equal(t, "feed", c.Name())

	var loads atomic.Int32
	c.AddObserver(&loadCounter{n: &loads})
	require.NoError(t, c.Reload(context.Background()))
	assert.Len(t, c.Items(), 4)
	assert.Equal(t, int32(1), loads.Load())

	require.NoError(t, os.Remove(path))
	err := c.Reload(context.Background())
	require.Error(t, err)
	assert.Len(t, c.Items(), 4)
}

func TestFetcherHTTPCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(crlf(sample))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "remote", URL: srv.URL + "/cal.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(2), hits.Load())

	assert.NotContains(t, src.String(), "secret")
}

func TestFileURLSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ics")
	require.NoError(t, os.WriteFile(path, crlf(sample), 0o600))

	res, err := NewFetcher(t.TempDir()).FetchOne(context.Background(), Source{ID: "a", URL: "file://" + path})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Body)

	_, err = NewFetcher(t.TempDir()).FetchOne(context.Background(), Source{ID: "none"})
	assert.Error(t, err)
}

type loadCounter struct {
	calendar.NopObserver
	n *atomic.Int32
}

func (l *loadCounter) OnLoad(calendar.Calendar) { l.n.Add(1) }

func TestFetcherFallsBackToCache(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(crlf(sample))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	src := Source{ID: "remote", URL: srv.URL + "/cal.ics"}

	_, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)

	down.Store(true)
	res, err := f.FetchOne(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	_, err = NewFetcher(t.TempDir()).FetchOne(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.NotContains(t, err.Error(), "cal.ics")
}
