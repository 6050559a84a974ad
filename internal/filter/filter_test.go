package filter

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

// Wednesday.
var now = time.Date(2025, time.May, 14, 10, 30, 0, 0, time.UTC)

func date(m time.Month, d, h int) time.Time {
	return time.Date(2025, m, d, h, 0, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

func newTestFilter(opts ...Option) *Filter {
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithLocation(time.UTC),
		WithWeekStart(time.Monday),
	}
	return New(nil, append(base, opts...)...)
}

func task(summary string) *model.Item {
	return &model.Item{ID: summary, CalendarID: "c", Kind: model.KindTask, Summary: summary}
}

func event(summary string, start time.Time) *model.Item {
	return &model.Item{ID: summary, CalendarID: "c", Kind: model.KindEvent, Summary: summary, Start: start, End: start.Add(time.Hour)}
}

func TestAllPresetMatchesEverything(t *testing.T) {
	f := newTestFilter()
	require.True(t, f.ApplyFilter(ByName(PresetAll)))

	done := task("done")
	done.Completed = true
	done.CompletedAt = tp(date(time.January, 2, 0))
	dueLater := task("later")
	dueLater.Due = tp(date(time.December, 1, 0))
	tagged := event("tagged", date(time.March, 3, 9))
	tagged.Categories = []string{"work"}

	for _, it := range []*model.Item{task("plain"), done, dueLater, tagged, event("past", date(time.January, 1, 0))} {
		assert.True(t, f.Matches(it), it.Summary)
	}
}

func TestResolveDate(t *testing.T) {
	f := newTestFilter()

	t.Run("selected or now, start with future selection", func(t *testing.T) {
		f.SetSelectedDate(tp(date(time.May, 20, 15)))
		got := f.ResolveDate(Bound(DateSelectedOrNow), true)
		require.NotNil(t, got)
		assert.Equal(t, date(time.May, 14, 0), *got)
	})

	t.Run("selected or now, end with past selection", func(t *testing.T) {
		f.SetSelectedDate(tp(date(time.May, 1, 15)))
		got := f.ResolveDate(Bound(DateSelectedOrNow), false)
		require.NotNil(t, got)
		assert.Equal(t, date(time.May, 15, 0), *got)
	})

	t.Run("end of date-only token is one day after start", func(t *testing.T) {
		f.SetSelectedDate(tp(date(time.May, 3, 8)))
		for _, tok := range []DateToken{DateToday, DateSelected} {
			s := f.ResolveDate(Bound(tok), true)
			e := f.ResolveDate(Bound(tok), false)
			require.NotNil(t, s)
			require.NotNil(t, e)
			assert.Equal(t, s.AddDate(0, 0, 1), *e, tok.String())
		}
	})

	t.Run("selected falls back to the view, then now", func(t *testing.T) {
		vf := newTestFilter(WithView(StaticView{Selected: date(time.May, 20, 15)}))
		got := vf.ResolveDate(Bound(DateSelected), true)
		require.NotNil(t, got)
		assert.Equal(t, date(time.May, 20, 0), *got)

		got = vf.ResolveDate(Bound(DateSelectedOrNow), false)
		require.NotNil(t, got)
		assert.Equal(t, date(time.May, 21, 0), *got)

		vf.SetSelectedDate(tp(date(time.May, 16, 9)))
		assert.Equal(t, date(time.May, 16, 0), *vf.ResolveDate(Bound(DateSelected), true))

		bare := newTestFilter(WithView(StaticView{}))
		assert.Equal(t, date(time.May, 14, 0), *bare.ResolveDate(Bound(DateSelected), true))
	})

	t.Run("now keeps full precision on both ends", func(t *testing.T) {
		assert.Equal(t, now, *f.ResolveDate(Bound(DateNow), true))
		assert.Equal(t, now, *f.ResolveDate(Bound(DateNow), false))
	})

	t.Run("duration is relative to now", func(t *testing.T) {
		assert.Equal(t, now.AddDate(0, 0, 7), *f.ResolveDate(OffsetBound("P7D"), true))
		assert.Equal(t, now.Add(-2*time.Hour), *f.ResolveDate(OffsetBound("-PT2H"), false))
		assert.Nil(t, f.ResolveDate(OffsetBound("soon"), false))
	})

	t.Run("periods", func(t *testing.T) {
		assert.Equal(t, date(time.May, 12, 0), *f.ResolveDate(Bound(DateCurrentWeek), true))
		assert.Equal(t, date(time.May, 19, 0), *f.ResolveDate(Bound(DateCurrentWeek), false))
		assert.Equal(t, date(time.May, 1, 0), *f.ResolveDate(Bound(DateCurrentMonth), true))
		assert.Equal(t, date(time.June, 1, 0), *f.ResolveDate(Bound(DateCurrentMonth), false))
		assert.Equal(t, date(time.January, 1, 0), *f.ResolveDate(Bound(DateCurrentYear), true))
		assert.Equal(t, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC), *f.ResolveDate(Bound(DateCurrentYear), false))
	})

	t.Run("sunday week start", func(t *testing.T) {
		g := newTestFilter(WithWeekStart(time.Sunday))
		assert.Equal(t, date(time.May, 11, 0), *g.ResolveDate(Bound(DateCurrentWeek), true))
	})

	t.Run("unbounded and view", func(t *testing.T) {
		assert.Nil(t, f.ResolveDate(Bound(DateAll), true))
		assert.Nil(t, f.ResolveDate(Bound(DateView), true))

		f.SetView(StaticView{Start: date(time.May, 5, 0), End: date(time.May, 11, 0)})
		assert.Equal(t, date(time.May, 5, 0), *f.ResolveDate(Bound(DateView), true))
		assert.Equal(t, date(time.May, 12, 0), *f.ResolveDate(Bound(DateView), false))
	})
}

func TestComputeWindowOnlyMovesEnd(t *testing.T) {
	f := newTestFilter()
	require.True(t, f.ApplyFilter(ByProperties{&Properties{Start: OffsetBound("P5D"), End: OffsetBound("P1D")}}))

	start, end := f.ComputeWindow()
	require.NotNil(t, start)
	require.NotNil(t, end)
	assert.Equal(t, now.AddDate(0, 0, 5), *start)
	assert.Equal(t, now.AddDate(0, 0, 5), *end)

	assert.Equal(t, start, f.StartDate())
	assert.Equal(t, end, f.EndDate())
}

func TestStatusFilter(t *testing.T) {
	f := newTestFilter()
	fresh := task("fresh")

	f.ApplyFilter(ByProperties{&Properties{Status: StatusOf(StatusIncomplete)}})
	assert.True(t, f.Matches(fresh))

	f.ApplyFilter(ByProperties{&Properties{Status: StatusOf(StatusInProgress)}})
	assert.False(t, f.Matches(fresh))

	started := task("started")
	started.PercentComplete = 40
	assert.True(t, f.Matches(started))

	doneToday := task("today")
	doneToday.Completed = true
	doneToday.CompletedAt = tp(date(time.May, 14, 8))
	doneEarlier := task("earlier")
	doneEarlier.Completed = true
	doneEarlier.CompletedAt = tp(date(time.May, 13, 23))

	f.ApplyFilter(ByProperties{&Properties{Status: StatusOf(StatusCompletedToday)}})
	assert.True(t, f.Matches(doneToday))
	assert.False(t, f.Matches(doneEarlier))

	f.ApplyFilter(ByProperties{&Properties{Status: StatusOf(StatusCompletedBefore)}})
	assert.False(t, f.Matches(doneToday))
	assert.True(t, f.Matches(doneEarlier))

	// Events are not constrained by status.
	assert.True(t, f.Matches(event("meeting", date(time.May, 14, 9))))
}

func TestDueFilter(t *testing.T) {
	f := newTestFilter()
	mk := func(due *time.Time) *model.Item {
		it := task("due")
		it.Due = due
		return it
	}
	past := mk(tp(date(time.May, 14, 9)))
	today := mk(tp(date(time.May, 14, 18)))
	future := mk(tp(date(time.May, 15, 0)))
	none := mk(nil)

	cases := []struct {
		mask DueMask
		want [4]bool
	}{
		{DuePast, [4]bool{true, false, false, false}},
		{DueToday, [4]bool{false, true, false, false}},
		{DueFuture, [4]bool{false, false, true, false}},
		{DueNone, [4]bool{false, false, false, true}},
		{DueAll, [4]bool{true, true, true, true}},
	}
	for _, tc := range cases {
		f.ApplyFilter(ByProperties{&Properties{Due: DueOf(tc.mask)}})
		for i, it := range []*model.Item{past, today, future, none} {
			assert.Equal(t, tc.want[i], f.Matches(it), "mask %#x item %d", tc.mask, i)
		}
	}
}

func TestCategoryAndTextFilters(t *testing.T) {
	f := newTestFilter()
	it := event("Team Sync", date(time.May, 14, 9))
	it.Categories = []string{"Work", "Weekly"}
	it.Location = "Room 4"

	f.ApplyFilter(ByProperties{&Properties{Category: []string{"Home", "Work"}}})
	assert.True(t, f.Matches(it))
	f.ApplyFilter(ByProperties{&Properties{Category: []string{"Home"}}})
	assert.False(t, f.Matches(it))

	f.ApplyFilter(nil)
	for text, want := range map[string]bool{
		"":        true,
		"   ":     true,
		"team":    true,
		"room 4":  true,
		"WEEK":    true,
		"offsite": false,
	} {
		f.SetFilterText(text)
		assert.Equal(t, want, f.Matches(it), "text %q", text)
	}
}

func TestItemTypeFilter(t *testing.T) {
	f := newTestFilter()
	f.SetItemType(calendar.ItemFilterTypeEvent)
	assert.True(t, f.Matches(event("e", now)))
	assert.False(t, f.Matches(task("t")))
	f.SetItemType(0)
	assert.False(t, f.Matches(event("e", now)))
}

func TestCustomPredicateRunsLast(t *testing.T) {
	f := newTestFilter()
	f.SetItemType(calendar.ItemFilterTypeEvent)

	var seen []bool
	require.True(t, f.ApplyFilter(ByPredicate(func(item *model.Item, result bool, props *Properties, st State) bool {
		seen = append(seen, result)
		assert.Equal(t, calendar.ItemFilterTypeEvent, st.ItemType)
		assert.Equal(t, date(time.May, 14, 0), st.Today)
		return item.Summary == "wanted"
	})))

	assert.True(t, f.Matches(task("wanted")))
	assert.False(t, f.Matches(event("other", now)))
	assert.Equal(t, []bool{false, true}, seen)
}

func TestApplyFilterSelectors(t *testing.T) {
	f := newTestFilter()

	require.True(t, f.ApplyFilter(ByName(PresetToday)))
	name, ok := f.FilterName()
	require.True(t, ok)
	assert.Equal(t, PresetToday, name)
	assert.Equal(t, date(time.May, 14, 0), *f.StartDate())
	assert.Equal(t, date(time.May, 15, 0), *f.EndDate())

	require.True(t, f.ApplyFilter(ByName("P2D")))
	assert.Equal(t, now, *f.StartDate())
	assert.Equal(t, now.AddDate(0, 0, 2), *f.EndDate())

	require.True(t, f.ApplyFilter(ByDuration("PT6H")))
	assert.Equal(t, now.Add(6*time.Hour), *f.EndDate())

	assert.False(t, f.ApplyFilter(ByDuration("-P1D")))
	assert.Nil(t, f.FilterProperties())

	require.True(t, f.ApplyFilter(nil))
	assert.True(t, f.FilterProperties().Equals(&Properties{}))
	assert.Nil(t, f.StartDate())

	require.True(t, f.ApplyFilter(ByProperties{}))
	assert.NotNil(t, f.FilterProperties())
}

func TestUnknownSelectorLeavesFilterUnconfigured(t *testing.T) {
	f := newTestFilter()
	require.True(t, f.ApplyFilter(ByName(PresetToday)))
	start := f.StartDate()

	assert.False(t, f.ApplyFilter(ByName("no-such-filter")))
	assert.Nil(t, f.FilterProperties())
	assert.Equal(t, start, f.StartDate())

	assert.False(t, f.Matches(event("x", now)))
	assert.Nil(t, f.FilterItems([]*model.Item{event("x", now)}, nil))
	assert.Nil(t, f.Occurrences(event("x", now)))
	_, ok := f.BuildQuery()
	assert.False(t, ok)
	assert.Nil(t, f.QueryCalendar(calendar.NewMemory("c", "C"), calendar.ListenerFuncs{}))
	_, ok = f.FilterName()
	assert.False(t, ok)
}

func TestDefinedFilterRoundTrip(t *testing.T) {
	f := newTestFilter()
	name, ok := f.DefinedFilterName(f.DefinedFilterProperties(PresetToday))
	require.True(t, ok)
	assert.Equal(t, PresetToday, name)

	assert.Nil(t, f.DefinedFilterProperties("nope"))

	custom := &Properties{Category: []string{"Birthday"}}
	f.DefineFilter("birthdays", custom)
	require.True(t, f.ApplyFilter(ByName("birthdays")))
	name, ok = f.FilterName()
	require.True(t, ok)
	assert.Equal(t, "birthdays", name)

	// The registry keeps its own copy.
	custom.Category[0] = "Other"
	assert.Equal(t, []string{"Birthday"}, f.DefinedFilterProperties("birthdays").Category)
}

func TestFilterItemsTodayEndToEnd(t *testing.T) {
	f := newTestFilter()
	require.True(t, f.ApplyFilter(ByName(PresetToday)))

	items := []*model.Item{
		event("today", date(time.May, 14, 15)),
		event("tomorrow", date(time.May, 15, 15)),
		event("next week", date(time.May, 22, 15)),
	}

	var verdicts []bool
	got := f.FilterItems(items, func(_ *model.Item, result bool, props *Properties) {
		verdicts = append(verdicts, result)
		assert.Equal(t, Bound(DateToday), props.Start)
	})
	require.Len(t, got, 1)
	assert.Equal(t, "today", got[0].Summary)
	assert.Equal(t, []bool{true, false, false}, verdicts)
}

func dailyTask(due time.Time, rule string) *model.Item {
	return &model.Item{
		ID:         "daily",
		CalendarID: "c",
		Kind:       model.KindTask,
		Summary:    "water plants",
		Due:        tp(due),
		Recurrence: &model.Recurrence{Rule: rule},
	}
}

func TestOccurrencesPastAndNext(t *testing.T) {
	f := newTestFilter()
	require.True(t, f.ApplyFilter(ByName(PresetOpen)))

	occ := f.Occurrences(dailyTask(date(time.May, 10, 12), "FREQ=DAILY;COUNT=10"))
	require.Len(t, occ, 5)
	assert.Equal(t, date(time.May, 10, 12), *occ[0].Due)
	assert.Equal(t, date(time.May, 13, 12), *occ[3].Due)
	assert.Equal(t, date(time.May, 14, 12), *occ[4].Due)
}

func TestOccurrencesPolicy(t *testing.T) {
	f := newTestFilter()
	parent := dailyTask(date(time.May, 10, 12), "FREQ=DAILY;COUNT=10")

	f.ApplyFilter(ByProperties{&Properties{Occurrences: OccurrencesNone, End: Bound(DateToday)}})
	assert.Equal(t, []*model.Item{parent}, f.Occurrences(parent))

	f.ApplyFilter(ByProperties{&Properties{}})
	assert.Equal(t, []*model.Item{parent}, f.Occurrences(parent))

	f.ApplyFilter(ByName(PresetToday))
	occ := f.Occurrences(parent)
	require.Len(t, occ, 1)
	assert.Equal(t, date(time.May, 14, 12), *occ[0].Due)
}

func TestNextOccurrenceExceptionBranch(t *testing.T) {
	f := newTestFilter()
	f.ApplyFilter(nil)
	f.SetFilterText("special")

	parent := &model.Item{
		ID:         "weekly",
		CalendarID: "c",
		Kind:       model.KindEvent,
		Summary:    "weekly review",
		Start:      date(time.May, 1, 9),
		End:        date(time.May, 1, 10),
		Recurrence: &model.Recurrence{Rule: "FREQ=WEEKLY"},
	}
	pastEx := event("special past", date(time.May, 8, 11))
	pastEx.RecurrenceID = tp(date(time.May, 8, 9))
	futureEx := event("special future", date(time.May, 22, 11))
	futureEx.RecurrenceID = tp(date(time.May, 22, 9))
	plainEx := event("moved", date(time.May, 15, 11))
	plainEx.RecurrenceID = tp(date(time.May, 15, 9))
	for _, ex := range []*model.Item{pastEx, futureEx, plainEx} {
		require.NoError(t, parent.AddException(ex))
	}

	assert.False(t, f.Matches(parent))
	assert.Same(t, futureEx, f.NextOccurrence(parent))
}

func TestNextOccurrenceIterationLimit(t *testing.T) {
	f := newTestFilter(WithMaxIterations(10))
	f.ApplyFilter(nil)
	// Only the first day of the series is inside the window.
	f.SetStartDate(tp(date(time.January, 1, 0)))
	f.SetEndDate(tp(date(time.January, 2, 0)))

	parent := dailyTask(date(time.January, 1, 12), "FREQ=DAILY")
	require.True(t, f.Matches(parent))
	assert.Nil(t, f.NextOccurrence(parent))

	ended := dailyTask(date(time.January, 1, 12), "FREQ=DAILY;COUNT=3")
	assert.Nil(t, f.NextOccurrence(ended))
}

func TestNextOccurrenceWalksForward(t *testing.T) {
	f := newTestFilter()
	f.ApplyFilter(ByPredicate(func(item *model.Item, result bool, _ *Properties, _ State) bool {
		// Accept the parent and Saturdays only.
		return result && (item.RecurrenceID == nil || item.Due.Weekday() == time.Saturday)
	}))
	parent := dailyTask(date(time.May, 1, 12), "FREQ=DAILY")

	next := f.NextOccurrence(parent)
	require.NotNil(t, next)
	assert.Equal(t, date(time.May, 17, 12), *next.Due)

	single := task("single")
	assert.Same(t, single, f.NextOccurrence(single))
}

func TestBuildQuery(t *testing.T) {
	f := newTestFilter()

	f.SetItemType(calendar.ItemFilterTypeTodo)
	f.ApplyFilter(ByName(PresetCompleted))
	q, ok := f.BuildQuery()
	require.True(t, ok)
	assert.Equal(t, calendar.ItemFilterTypeTodo|calendar.ItemFilterCompletedYes|calendar.ItemFilterClassOccurrences, q.Filter)
	require.NotNil(t, q.Start)
	assert.Equal(t, model.UnboundedPast, *q.Start)

	f.ApplyFilter(ByName(PresetOpen))
	q, _ = f.BuildQuery()
	assert.Equal(t, calendar.ItemFilterTypeTodo|calendar.ItemFilterCompletedNo, q.Filter)
	assert.Nil(t, q.Start)
	assert.Nil(t, q.End)

	f.SetItemType(calendar.ItemFilterTypeAll)
	f.ApplyFilter(nil)
	q, _ = f.BuildQuery()
	assert.Equal(t, calendar.ItemFilterTypeAll|calendar.ItemFilterCompletedAll, q.Filter)

	f.SetItemType(calendar.ItemFilterTypeEvent)
	q, _ = f.BuildQuery()
	assert.Equal(t, calendar.ItemFilterTypeEvent, q.Filter)
}

func TestQueryCalendar(t *testing.T) {
	f := newTestFilter()
	f.ApplyFilter(ByName(PresetToday))
	f.SetFilterText("sync")

	cal := calendar.NewMemory("c", "C", calendar.WithBatchSize(1))
	for _, it := range []*model.Item{
		event("team sync", date(time.May, 14, 15)),
		event("lunch", date(time.May, 14, 12)),
		event("sync tomorrow", date(time.May, 15, 15)),
	} {
		_, err := cal.AddItem(it)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		got  []string
		done error = context.Canceled
	)
	op := f.QueryCalendar(cal, calendar.ListenerFuncs{
		Result: func(_ calendar.Calendar, items []*model.Item) {
			mu.Lock()
			defer mu.Unlock()
			for _, it := range items {
				got = append(got, it.Summary)
			}
		},
		Complete: func(_ calendar.Calendar, err error) { done = err },
	})
	require.NotNil(t, op)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, op.Wait(ctx))

	assert.NoError(t, done)
	assert.Equal(t, []string{"team sync"}, got)
}

func TestPropertiesEqualsAndClone(t *testing.T) {
	a := PresetProperties(PresetOverdue)
	b := a.Clone()
	assert.True(t, a.Equals(b))
	*b.Status = StatusAll
	assert.False(t, a.Equals(b))

	pred := NewCustomFilter("x", func(*model.Item, bool, *Properties, State) bool { return true })
	c := &Properties{OnFilter: pred}
	assert.True(t, c.Equals(&Properties{OnFilter: pred}))
	assert.False(t, c.Equals(&Properties{OnFilter: NewCustomFilter("x", pred.Fn)}))

	assert.True(t, (&Properties{Category: nil}).Equals(&Properties{Category: []string{}}))
	var nilProps *Properties
	assert.True(t, nilProps.Equals(nil))
	assert.False(t, nilProps.Equals(&Properties{}))
	assert.Contains(t, a.String(), "end=selected-or-now")
}

func TestParsers(t *testing.T) {
	b, err := ParseDateBound("Selected-Or-Now")
	require.NoError(t, err)
	assert.Equal(t, Bound(DateSelectedOrNow), b)
	b, err = ParseDateBound("p7d")
	require.NoError(t, err)
	assert.Equal(t, OffsetBound("P7D"), b)
	_, err = ParseDateBound("next tuesday")
	assert.Error(t, err)

	s, err := ParseStatus([]string{"incomplete", "in-progress"})
	require.NoError(t, err)
	assert.Equal(t, StatusIncomplete|StatusInProgress, s)
	_, err = ParseStatus([]string{"maybe"})
	assert.Error(t, err)

	d, err := ParseDue([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, DueAll, d)

	p, err := ParseOccurrencePolicy("past-and-next")
	require.NoError(t, err)
	assert.Equal(t, OccurrencesPastAndNext, p)
}

func TestParseDuration(t *testing.T) {
	for in, want := range map[string]int64{
		"P7D":     7 * 86400,
		"P1W":     7 * 86400,
		"PT1H30M": 5400,
		"P1DT12H": 36 * 3600,
		"-PT15M":  -900,
		"+P0D":    0,
		"pt45s":   45,
	} {
		off, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, off.InSeconds(), in)
	}
	for _, in := range []string{"", "P", "PT", "P1DT", "7D", "P1H", "PT1D", "P1Y", "P1M", "PTXM", "P1", "P1W2D", "PT1.5H", "--P1D"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestDurationAddToKeepsWallClock(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	off, err := ParseDuration("P1D")
	require.NoError(t, err)
	beforeDST := time.Date(2025, time.March, 29, 12, 0, 0, 0, berlin)
	assert.Equal(t, time.Date(2025, time.March, 30, 12, 0, 0, 0, berlin), off.AddTo(beforeDST))

	off, err = ParseDuration("-P1DT2H")
	require.NoError(t, err)
	assert.Equal(t, date(time.May, 13, 8), off.AddTo(date(time.May, 14, 10)))
}

func TestRegistryOrderAndNames(t *testing.T) {
	r := DefaultRegistry()
	names := r.Names()
	assert.Equal(t, PresetAll, names[0])
	assert.Contains(t, names, PresetThroughSevenDays)

	// The first definition wins a reverse lookup.
	r.Define("all-again", PresetProperties(PresetAll))
	name, ok := r.NameOf(PresetProperties("unknown"))
	require.True(t, ok)
	assert.Equal(t, PresetAll, name)

	r.Define("ignored", nil)
	_, ok = r.Lookup("ignored")
	assert.False(t, ok)
}
