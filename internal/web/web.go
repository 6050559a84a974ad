package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"calfilter/internal/calendar"
	"calfilter/internal/config"
	"calfilter/internal/filter"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
	"calfilter/internal/viewsync"
)

// Deps are the live objects the API reads from.
type Deps struct {
	Manager  *calendar.Manager
	Registry *filter.Registry

	// Syncer and View back /api/view. Both may be nil.
	Syncer *viewsync.Syncer
	View   *viewsync.List

	// Reload refetches the remote calendars; nil disables /api/refresh.
	Reload func(ctx context.Context) error

	// FilterOptions configure the one-shot filters built for /api/items.
	FilterOptions []filter.Option
}

// Server provides HTTP APIs over the filtered calendars.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	// In-memory cache for /api/items responses. Keys carry the data
	// generation, so any calendar change makes older entries unreachable.
	items      *itemsCache
	generation atomic.Uint64
	watcher    *changeWatcher
}

// NewServer constructs a new Server and starts watching the manager for
// changes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Registry == nil {
		deps.Registry = filter.DefaultRegistry()
	}
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		mux:   http.NewServeMux(),
		items: newItemsCache(itemsCacheSize, itemsCacheTTL),
	}
	if deps.Manager != nil {
		s.watcher = &changeWatcher{s: s}
		deps.Manager.AddObserver(s.watcher)
	}
	s.registerRoutes()
	return s
}

// Close stops watching the manager.
func (s *Server) Close() {
	if s.watcher != nil && s.deps.Manager != nil {
		s.deps.Manager.RemoveObserver(s.watcher)
	}
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calfilter", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves on cfg.Listen until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/filters", s.handleFilters)
	s.mux.HandleFunc("/api/calendars", s.handleCalendars)
	s.mux.HandleFunc("/api/items", s.handleItems)
	s.mux.HandleFunc("/api/view", s.handleView)
	s.mux.HandleFunc("/api/refresh", s.handleRefresh)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// itemDTO is a JSON-friendly view of an item or occurrence.
type itemDTO struct {
	Key          string     `json:"key"`
	ID           string     `json:"id"`
	CalendarID   string     `json:"calendar_id"`
	Kind         string     `json:"kind"`
	Summary      string     `json:"summary"`
	Description  string     `json:"description,omitempty"`
	Location     string     `json:"location,omitempty"`
	URL          string     `json:"url,omitempty"`
	Categories   []string   `json:"categories,omitempty"`
	AllDay       bool       `json:"all_day"`
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	Entry        *time.Time `json:"entry,omitempty"`
	Due          *time.Time `json:"due,omitempty"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Recurring    bool       `json:"recurring"`
	RecurrenceID *time.Time `json:"recurrence_id,omitempty"`
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toDTOs(items []*model.Item) []itemDTO {
	dtos := make([]itemDTO, 0, len(items))
	for _, it := range items {
		dtos = append(dtos, itemDTO{
			Key:          it.Key(),
			ID:           it.ID,
			CalendarID:   it.CalendarID,
			Kind:         it.Kind.String(),
			Summary:      it.Summary,
			Description:  it.Description,
			Location:     it.Location,
			URL:          it.URL,
			Categories:   it.Categories,
			AllDay:       it.AllDay,
			Start:        nonZero(it.Start),
			End:          nonZero(it.End),
			Entry:        it.Entry,
			Due:          it.Due,
			Completed:    it.IsCompleted(),
			CompletedAt:  it.CompletedAt,
			Recurring:    it.IsRecurring() || it.Parent != nil,
			RecurrenceID: it.RecurrenceID,
		})
	}
	return dtos
}

// itemsResponse is the JSON response shape for /api/items and /api/view.
type itemsResponse struct {
	Filter     string     `json:"filter,omitempty"`
	Text       string     `json:"q,omitempty"`
	Type       string     `json:"type"`
	RangeStart *time.Time `json:"range_start,omitempty"`
	RangeEnd   *time.Time `json:"range_end,omitempty"`
	Items      []itemDTO  `json:"items"`
	Errors     []string   `json:"errors,omitempty"`
}

type filterDTO struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Custom      bool   `json:"custom"`
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	names := s.deps.Registry.Names()
	out := make([]filterDTO, 0, len(names))
	for _, n := range names {
		p, ok := s.deps.Registry.Lookup(n)
		if !ok {
			continue
		}
		out = append(out, filterDTO{Name: n, Description: p.String(), Custom: p.OnFilter != nil})
	}
	writeJSON(w, http.StatusOK, out)
}

type calendarDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Disabled    bool   `json:"disabled"`
	InComposite bool   `json:"in_composite"`
	Visible     bool   `json:"visible"`
}

func (s *Server) handleCalendars(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cals := s.deps.Manager.Calendars()
	out := make([]calendarDTO, 0, len(cals))
	for _, c := range cals {
		out = append(out, calendarDTO{
			ID:          c.ID(),
			Name:        c.Name(),
			Type:        c.Type(),
			Disabled:    calendar.Truthy(c.Property(calendar.PropDisabled)),
			InComposite: calendar.Truthy(c.Property(calendar.PropInComposite)),
			Visible:     calendar.IsVisible(c),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleItems runs a one-shot query over the visible calendars.
//
// GET /api/items?filter=today&q=standup&type=event
//   - filter: registered filter name or ISO duration (default: config default_filter)
//   - q:      case-insensitive text search
//   - type:   event, task or all (default: config item_type)
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	name := q.Get("filter")
	if name == "" {
		name = s.cfg.DefaultFilter
	}
	typeName := q.Get("type")
	if typeName == "" {
		typeName = s.cfg.ItemType
	}
	itemType, err := calendar.ParseItemType(typeName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := q.Get("q")

	key := cacheKey(s.generation.Load(), name, text, itemType)
	if resp, ok := s.items.Get(key); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	f := filter.New(s.deps.Registry, s.deps.FilterOptions...)
	f.SetItemType(itemType)
	f.SetFilterText(text)
	if !f.ApplyFilter(filter.ByName(name)) {
		writeError(w, http.StatusBadRequest, "unknown filter: "+name)
		return
	}

	items, errs := s.query(r.Context(), f)
	resp := itemsResponse{
		Filter: name,
		Text:   text,
		Type:   typeName,
		Items:  toDTOs(items),
	}
	resp.RangeStart, resp.RangeEnd = f.StartDate(), f.EndDate()
	for _, e := range errs {
		resp.Errors = append(resp.Errors, e.Error())
	}

	appLog.Debug("api items request", "filter", name, "type", typeName, "items", len(items), "errors", len(errs))
	if len(errs) == 0 {
		s.items.Add(key, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

// query collects the filtered items of every visible calendar. Batches that
// arrive after the request gave up are dropped.
func (s *Server) query(ctx context.Context, f *filter.Filter) ([]*model.Item, []error) {
	var (
		mu     sync.Mutex
		items  []*model.Item
		errs   []error
		closed bool
	)
	p := pool.New().WithContext(ctx)
	for _, c := range s.deps.Manager.Calendars() {
		c := c
		if !calendar.IsVisible(c) {
			continue
		}
		p.Go(func(ctx context.Context) error {
			done := make(chan error, 1)
			op := f.QueryCalendar(c, calendar.ListenerFuncs{
				Result: func(_ calendar.Calendar, got []*model.Item) {
					mu.Lock()
					defer mu.Unlock()
					if !closed {
						items = append(items, got...)
					}
				},
				Complete: func(_ calendar.Calendar, err error) { done <- err },
			})
			if op == nil {
				return nil
			}

			var opErr error
			select {
			case opErr = <-done:
			case <-ctx.Done():
				op.Cancel()
				opErr = ctx.Err()
			}
			if opErr != nil {
				mu.Lock()
				errs = append(errs, &calendar.OperationError{CalendarID: c.ID(), Err: opErr})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = p.Wait()

	mu.Lock()
	closed = true
	mu.Unlock()

	viewsync.SortItems(items)
	return items, errs
}

// handleView returns the live synced list. POST switches its filter:
//
//	POST /api/view?filter=overdue
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	if s.deps.Syncer == nil || s.deps.View == nil {
		writeError(w, http.StatusNotFound, "view disabled")
		return
	}
	f := s.deps.Syncer.Filter()

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		name := r.URL.Query().Get("filter")
		if name == "" || !f.ApplyFilter(filter.ByName(name)) {
			writeError(w, http.StatusBadRequest, "unknown filter: "+name)
			return
		}
		if err := s.deps.Syncer.Refresh(r.Context()); err != nil {
			appLog.Error("api view: refresh failed", err, "filter", name)
		}
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name, _ := f.FilterName()
	resp := itemsResponse{
		Filter: name,
		Text:   f.FilterText(),
		Type:   itemTypeName(f.ItemType()),
		Items:  toDTOs(s.deps.View.Items()),
	}
	resp.RangeStart, resp.RangeEnd = f.StartDate(), f.EndDate()
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh reloads the remote calendars.
//
// POST /api/refresh
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.deps.Reload == nil {
		writeError(w, http.StatusNotImplemented, "refresh not configured")
		return
	}
	s.invalidate()
	if err := s.deps.Reload(r.Context()); err != nil {
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) invalidate() { s.generation.Add(1) }

func itemTypeName(t calendar.ItemFilter) string {
	switch t & calendar.ItemFilterTypeAll {
	case calendar.ItemFilterTypeAll:
		return "all"
	case calendar.ItemFilterTypeEvent:
		return "event"
	case calendar.ItemFilterTypeTodo:
		return "task"
	default:
		return "none"
	}
}

func cacheKey(gen uint64, name, text string, t calendar.ItemFilter) string {
	return strconv.FormatUint(gen, 10) + "|" + strconv.FormatUint(uint64(t), 10) + "|" + name + "|" + text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// changeWatcher drops cached responses whenever calendar data changes.
type changeWatcher struct {
	calendar.NopObserver
	s *Server
}

func (c *changeWatcher) OnLoad(calendar.Calendar) { c.s.invalidate() }
func (c *changeWatcher) OnAddItem(*model.Item) { c.s.invalidate() }
func (c *changeWatcher) OnModifyItem(*model.Item, *model.Item) { c.s.invalidate() }
func (c *changeWatcher) OnDeleteItem(*model.Item) { c.s.invalidate() }
func (c *changeWatcher) OnPropertyChanged(calendar.Calendar, string, any, any) { c.s.invalidate() }
