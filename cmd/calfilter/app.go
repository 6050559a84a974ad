package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"calfilter/internal/calendar"
	"calfilter/internal/config"
	"calfilter/internal/filter"
	"calfilter/internal/ics"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
	"calfilter/internal/script"
	"calfilter/internal/store"
	"calfilter/internal/viewsync"
	"calfilter/internal/web"
)

// app holds the wired calendars, filter and view.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	manager  *calendar.Manager
	registry *filter.Registry
	feeds    []*ics.Calendar
	closers  []io.Closer

	list   *viewsync.List
	syncer *viewsync.Syncer
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		loc:      cfg.Location(),
		manager:  calendar.NewManager(),
		registry: cfg.Registry(),
		list:     viewsync.NewList(),
	}

	if cfg.Script != "" {
		if _, err := script.Load(ctx, cfg.Script, a.registry); err != nil {
			return nil, fmt.Errorf("loading script: %w", err)
		}
	}

	if err := a.openCalendars(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.reload(ctx); err != nil {
		// Keep going with whatever loaded; the next refresh retries.
		appLog.Error("initial calendar load incomplete", err)
	}

	f := filter.New(a.registry, cfg.FilterOptions()...)
	a.syncer = viewsync.New(a.manager, a.list, f)
	if !f.ApplyFilter(filter.ByName(cfg.DefaultFilter)) {
		a.Close()
		return nil, fmt.Errorf("unknown filter %q", cfg.DefaultFilter)
	}
	a.syncer.SetItemType(cfg.ItemFilter())
	return a, nil
}

func (a *app) openCalendars(ctx context.Context) error {
	fetcher := ics.NewFetcher(a.cfg.CacheDir)

	for _, cc := range a.cfg.Calendars {
		var cal calendar.Calendar
		switch cc.Type {
		case calendar.TypeICS:
			feed := ics.NewCalendar(ics.Source{ID: cc.ID, Name: cc.Name, URL: cc.URL, Path: cc.Path}, fetcher, a.loc)
			a.feeds = append(a.feeds, feed)
			cal = feed

		case calendar.TypeStorage:
			if err := os.MkdirAll(filepath.Dir(cc.Path), 0o700); err != nil {
				return err
			}
			st, err := store.Open(ctx, cc.Path, cc.ID, cc.Name)
			if err != nil {
				return fmt.Errorf("calendar %s: %w", cc.ID, err)
			}
			a.closers = append(a.closers, st)
			cal = st

		case calendar.TypeMemory:
			mem := calendar.NewMemory(cc.ID, cc.Name)
			if cc.Path != "" {
				items, err := seedItems(cc, a.loc)
				if err != nil {
					return fmt.Errorf("calendar %s: %w", cc.ID, err)
				}
				mem.Load(items)
			}
			cal = mem

		default:
			return fmt.Errorf("calendar %s: unknown type %q", cc.ID, cc.Type)
		}

		if cc.Disabled {
			cal.SetProperty(calendar.PropDisabled, true)
		}
		if cc.Hidden {
			cal.SetProperty(calendar.PropInComposite, false)
		}
		if err := a.manager.Register(cal); err != nil {
			return err
		}
	}
	return nil
}

func seedItems(cc config.CalendarConfig, loc *time.Location) ([]*model.Item, error) {
	body, err := os.ReadFile(cc.Path)
	if err != nil {
		return nil, err
	}
	return ics.ParseICS(cc.ID, body, loc)
}

// reload refetches every ICS calendar concurrently.
func (a *app) reload(ctx context.Context) error {
	p := pool.New().WithErrors().WithMaxGoroutines(4)
	for _, feed := range a.feeds {
		feed := feed
		p.Go(func() error { return feed.Reload(ctx) })
	}
	return p.Wait()
}

// refresh reloads the feeds, moves the filter window to the current time
// and rebuilds the view.
func (a *app) refresh(ctx context.Context) error {
	reloadErr := a.reload(ctx)
	start, end := a.syncer.Filter().UpdateFilterDates()
	appLog.Debug("filter window updated", "start", fmtTime(start), "end", fmtTime(end))
	return errors.Join(reloadErr, a.syncer.Refresh(ctx))
}

func (a *app) printOnce(ctx context.Context, w io.Writer) error {
	if err := a.syncer.Refresh(ctx); err != nil {
		appLog.Error("some calendars failed to refresh", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tKIND\tCALENDAR\tSUMMARY")
	for _, it := range a.list.Items() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", when(it, a.loc), it.Kind, it.CalendarID, it.Summary)
	}
	return tw.Flush()
}

func (a *app) serve(ctx context.Context) error {
	if err := a.syncer.Refresh(ctx); err != nil {
		appLog.Error("initial view refresh incomplete", err)
	}

	c := cron.New(cron.WithLocation(a.loc))
	if _, err := c.AddFunc(a.cfg.RefreshCron, func() {
		if err := a.refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", a.cfg.RefreshCron, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	srv := web.NewServer(a.cfg, web.Deps{
		Manager:       a.manager,
		Registry:      a.registry,
		Syncer:        a.syncer,
		View:          a.list,
		Reload:        a.refresh,
		FilterOptions: a.cfg.FilterOptions(),
	})
	defer srv.Close()

	err := srv.ListenAndServe(ctx)
	a.syncer.Wait()
	appLog.Info("calfilter exiting")
	return err
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			appLog.Error("close failed", err)
		}
	}
	a.closers = nil
}

func when(it *model.Item, loc *time.Location) string {
	t, ok := it.BaseTime()
	switch {
	case !ok:
		return "-"
	case it.AllDay:
		return t.In(loc).Format("2006-01-02")
	default:
		return t.In(loc).Format("2006-01-02 15:04")
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}
