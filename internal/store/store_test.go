package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calfilter/internal/calendar"
	"calfilter/internal/model"
)

func tp(t time.Time) *time.Time { return &t }

type recorder struct {
	calendar.NopObserver
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) OnAddItem(it *model.Item) { r.add("add:" + it.ID) }
func (r *recorder) OnModifyItem(it, _ *model.Item) { r.add("modify:" + it.ID) }
func (r *recorder) OnDeleteItem(it *model.Item) { r.add("delete:" + it.ID) }
func (r *recorder) OnError(_ calendar.Calendar, _ error) { r.add("error") }

func openTemp(t *testing.T, path string) *Calendar {
	t.Helper()
	c, err := Open(context.Background(), path, "tasks", "Tasks")
	require.NoError(t, err)
	return c
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.db")
	c := openTemp(t, path)
	assert.Equal(t, calendar.TypeStorage, c.Type())
	assert.Equal(t, "Tasks", c.Name())

	rec := &recorder{}
	c.AddObserver(rec)

	due := time.Date(2025, 5, 20, 17, 0, 0, 0, time.UTC)
	added, err := c.AddItem(&model.Item{Kind: model.KindTask, Summary: "Pay rent", Due: &due, Categories: []string{"Home"}})
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)

	_, err = c.AddItem(&model.Item{
		ID:         "standup",
		Kind:       model.KindEvent,
		Summary:    "Standup",
		Start:      time.Date(2025, 5, 12, 9, 0, 0, 0, time.UTC),
		End:        time.Date(2025, 5, 12, 9, 15, 0, 0, time.UTC),
		Recurrence: &model.Recurrence{Rule: "FREQ=DAILY;COUNT=3"},
	})
	require.NoError(t, err)

	mod := added.Clone()
	mod.PercentComplete = 100
	mod.CompletedAt = tp(due)
	_, err = c.ModifyItem(mod)
	require.NoError(t, err)

	c.SetProperty(calendar.PropDisabled, true)
	require.NoError(t, c.Close())

	assert.Equal(t, []string{"add:" + added.ID, "add:standup", "modify:" + added.ID}, rec.events)

	back := openTemp(t, path)
	defer back.Close()

	items := back.Items()
	require.Len(t, items, 2)
	assert.Equal(t, added.ID, items[0].ID)
	assert.True(t, items[0].IsCompleted())
	assert.Equal(t, []string{"Home"}, items[0].Categories)
	assert.True(t, items[1].IsRecurring())
	assert.Len(t, items[1].OccurrencesBetween(due.AddDate(0, 0, -30), due), 3)
	assert.Equal(t, true, back.Property(calendar.PropDisabled))
	assert.False(t, calendar.IsVisible(back))
}

func TestMutationErrors(t *testing.T) {
	c := openTemp(t, filepath.Join(t.TempDir(), "cal.db"))
	defer c.Close()

	_, err := c.AddItem(&model.Item{ID: "a", Kind: model.KindTask})
	require.NoError(t, err)
	_, err = c.AddItem(&model.Item{ID: "a", Kind: model.KindTask})
	assert.Error(t, err)

	_, err = c.ModifyItem(&model.Item{ID: "missing", Kind: model.KindTask})
	assert.Error(t, err)
	assert.Error(t, c.DeleteItem("missing"))

	require.NoError(t, c.DeleteItem("a"))
	assert.Empty(t, c.Items())
}

func TestWriteFailureReportsError(t *testing.T) {
	c := openTemp(t, filepath.Join(t.TempDir(), "cal.db"))
	rec := &recorder{}
	c.AddObserver(rec)
	require.NoError(t, c.Close())

	_, err := c.AddItem(&model.Item{ID: "x", Kind: model.KindEvent, Start: time.Now()})
	require.Error(t, err)
	var opErr *calendar.OperationError
	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, "tasks", opErr.CalendarID)
	assert.Empty(t, c.Items())
	assert.Equal(t, []string{"error"}, rec.events)
}

func TestDeleteProperty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.db")
	c := openTemp(t, path)
	c.SetProperty("color", "#ff0000")
	c.DeleteProperty("color")
	require.NoError(t, c.Close())

	back := openTemp(t, path)
	defer back.Close()
	assert.Nil(t, back.Property("color"))
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.db")
	c := openTemp(t, path)

	var version int
	require.NoError(t, c.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, migrations[len(migrations)-1].version, version)
	require.NoError(t, c.Close())

	again := openTemp(t, path)
	defer again.Close()
	var rows int
	require.NoError(t, again.db.Get(&rows, "SELECT COUNT(*) FROM schema_version"))
	assert.Equal(t, len(migrations), rows)
}

func TestNumericPropertySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.db")
	c := openTemp(t, path)
	c.SetProperty(calendar.PropDisabled, 0)
	require.NoError(t, c.Close())

	back := openTemp(t, path)
	defer back.Close()
	assert.Equal(t, 0.0, back.Property(calendar.PropDisabled))
	assert.True(t, calendar.IsVisible(back))
}
