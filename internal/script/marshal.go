package script

import (
	"time"

	"github.com/dop251/goja"

	"calfilter/internal/filter"
	"calfilter/internal/model"
)

func jsTime(vm *goja.Runtime, t time.Time) goja.Value {
	if t.IsZero() {
		return goja.Null()
	}
	return vm.ToValue(t.Format(time.RFC3339))
}

func jsTimePtr(vm *goja.Runtime, t *time.Time) goja.Value {
	if t == nil {
		return goja.Null()
	}
	return jsTime(vm, *t)
}

// marshalItem copies the fields a predicate may look at into a plain JS
// object. Times are RFC 3339 strings or null.
func marshalItem(vm *goja.Runtime, it *model.Item) goja.Value {
	o := vm.NewObject()
	cats := make([]any, len(it.Categories))
	for i, c := range it.Categories {
		cats[i] = c
	}

	_ = o.Set("id", it.ID)
	_ = o.Set("calendarId", it.CalendarID)
	_ = o.Set("kind", it.Kind.String())
	_ = o.Set("summary", it.Summary)
	_ = o.Set("description", it.Description)
	_ = o.Set("location", it.Location)
	_ = o.Set("url", it.URL)
	_ = o.Set("categories", vm.NewArray(cats...))
	_ = o.Set("allDay", it.AllDay)
	_ = o.Set("start", jsTime(vm, it.Start))
	_ = o.Set("end", jsTime(vm, it.End))
	_ = o.Set("entry", jsTimePtr(vm, it.Entry))
	_ = o.Set("due", jsTimePtr(vm, it.Due))
	_ = o.Set("completed", it.IsCompleted())
	_ = o.Set("completedAt", jsTimePtr(vm, it.CompletedAt))
	_ = o.Set("percentComplete", it.PercentComplete)
	_ = o.Set("recurring", it.IsRecurring())
	_ = o.Set("recurrenceId", jsTimePtr(vm, it.RecurrenceID))
	return o
}

func marshalState(vm *goja.Runtime, st filter.State) goja.Value {
	o := vm.NewObject()
	_ = o.Set("now", jsTime(vm, st.Now))
	_ = o.Set("today", jsTime(vm, st.Today))
	_ = o.Set("tomorrow", jsTime(vm, st.Tomorrow))
	_ = o.Set("start", jsTimePtr(vm, st.Start))
	_ = o.Set("end", jsTimePtr(vm, st.End))
	_ = o.Set("selected", jsTimePtr(vm, st.SelectedDate))
	_ = o.Set("text", st.Text)
	return o
}
