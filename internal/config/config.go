package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calfilter/internal/calendar"
	"calfilter/internal/filter"
	appLog "calfilter/internal/log"
)

// CalendarConfig describes a single calendar source.
type CalendarConfig struct {
	// ID is an internal identifier used for de-dup and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown in the API.
	Name string `yaml:"name" json:"name"`
	// Type is one of "ics" (URL or path, reloaded on schedule), "storage"
	// (SQLite file at path) or "memory" (optionally seeded once from an ICS
	// file at path).
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	// Hidden keeps the calendar out of the composite view.
	Hidden bool `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// Categories accepts either a single string or a list of strings.
type Categories []string

// UnmarshalYAML degrades node kinds other than scalar and sequence to "no
// constraint" instead of failing the whole config.
func (c *Categories) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if v := strings.TrimSpace(node.Value); v != "" {
			*c = Categories{v}
		} else {
			*c = nil
		}
	case yaml.SequenceNode:
		out := make(Categories, 0, len(node.Content))
		for _, n := range node.Content {
			if n.Kind == yaml.ScalarNode && strings.TrimSpace(n.Value) != "" {
				out = append(out, strings.TrimSpace(n.Value))
			}
		}
		*c = out
	default:
		appLog.Warn("config: ignoring category of unsupported kind", "line", node.Line)
		*c = nil
	}
	return nil
}

// FilterConfig is a named filter definition.
type FilterConfig struct {
	Start       string     `yaml:"start,omitempty" json:"start,omitempty"`
	End         string     `yaml:"end,omitempty" json:"end,omitempty"`
	Status      []string   `yaml:"status,omitempty" json:"status,omitempty"`
	Due         []string   `yaml:"due,omitempty" json:"due,omitempty"`
	Category    Categories `yaml:"category,omitempty" json:"category,omitempty"`
	Occurrences string     `yaml:"occurrences,omitempty" json:"occurrences,omitempty"`
}

// Properties converts the definition. Empty status / due lists leave the
// mask unset.
func (fc FilterConfig) Properties() (*filter.Properties, error) {
	var (
		p   filter.Properties
		err error
	)
	if p.Start, err = filter.ParseDateBound(fc.Start); err != nil {
		return nil, err
	}
	if p.End, err = filter.ParseDateBound(fc.End); err != nil {
		return nil, err
	}
	if len(fc.Status) > 0 {
		m, err := filter.ParseStatus(fc.Status)
		if err != nil {
			return nil, err
		}
		p.Status = filter.StatusOf(m)
	}
	if len(fc.Due) > 0 {
		m, err := filter.ParseDue(fc.Due)
		if err != nil {
			return nil, err
		}
		p.Due = filter.DueOf(m)
	}
	if len(fc.Category) > 0 {
		p.Category = append([]string(nil), fc.Category...)
	}
	if p.Occurrences, err = filter.ParseOccurrencePolicy(fc.Occurrences); err != nil {
		return nil, err
	}
	return &p, nil
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone day boundaries are computed in
	// (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart controls which weekday starts the current week. Supported
	// values:
	//   - "monday" (default)
	//   - "sunday"
	WeekStart string `yaml:"week_start" json:"week_start"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for reloading ICS calendars and recomputing the filter window.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// MaxIterations bounds the next-occurrence search.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// DefaultFilter is a filter name or a duration such as "P7D".
	DefaultFilter string `yaml:"default_filter" json:"default_filter"`

	// ItemType is "event", "task" or "all".
	ItemType string `yaml:"item_type" json:"item_type"`

	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Script is an optional JavaScript file defining custom filters.
	Script string `yaml:"script,omitempty" json:"script,omitempty"`

	Calendars []CalendarConfig      `yaml:"calendars" json:"calendars"`
	Filters   map[string]FilterConfig `yaml:"filters,omitempty" json:"filters,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen        = "127.0.0.1:8080"
	defaultTimezone      = "UTC"
	defaultRefreshCron   = "*/15 * * * *"
	defaultMaxIterations = 50
	defaultCacheDir      = "./var/ics-cache"
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        defaultListen,
		Timezone:      defaultTimezone,
		WeekStart:     "monday",
		RefreshCron:   defaultRefreshCron,
		LogLevel:      "info",
		MaxIterations: defaultMaxIterations,
		DefaultFilter: filter.PresetToday,
		ItemType:      "all",
		CacheDir:      defaultCacheDir,
		Calendars:     []CalendarConfig{},
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	// WeekStart default & validation.
	switch c.WeekStart {
	case "monday", "sunday":
		// ok
	default:
		c.WeekStart = "monday"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.DefaultFilter == "" {
		c.DefaultFilter = filter.PresetToday
	}
	if _, err := calendar.ParseItemType(c.ItemType); err != nil || c.ItemType == "" {
		c.ItemType = "all"
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.Type == "" {
			cal.Type = calendar.TypeICS
		}
		if cal.ID == "" {
			cal.ID = fmt.Sprintf("%s-%d", cal.Type, i+1)
		}
		if cal.Name == "" {
			cal.Name = cal.ID
		}
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for _, cal := range c.Calendars {
		if seen[cal.ID] {
			errs = append(errs, fmt.Errorf("calendar %s: duplicate id", cal.ID))
		}
		seen[cal.ID] = true
		switch cal.Type {
		case calendar.TypeICS:
			if cal.URL == "" && cal.Path == "" {
				errs = append(errs, fmt.Errorf("calendar %s: ics needs url or path", cal.ID))
			}
		case calendar.TypeStorage:
			if cal.Path == "" {
				errs = append(errs, fmt.Errorf("calendar %s: storage needs path", cal.ID))
			}
		case calendar.TypeMemory:
		default:
			errs = append(errs, fmt.Errorf("calendar %s: unknown type %q", cal.ID, cal.Type))
		}
	}
	for name, fc := range c.Filters {
		if _, err := fc.Properties(); err != nil {
			errs = append(errs, fmt.Errorf("filter %s: %w", name, err))
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		appLog.Error("failed to load timezone; using local", err, "tz", c.Timezone)
		return time.Local
	}
	return loc
}

func (c *Config) WeekStartDay() time.Weekday {
	if c.WeekStart == "sunday" {
		return time.Sunday
	}
	return time.Monday
}

func (c *Config) ItemFilter() calendar.ItemFilter {
	t, err := calendar.ParseItemType(c.ItemType)
	if err != nil {
		return calendar.ItemFilterTypeAll
	}
	return t
}

// Registry returns the preset registry extended with the configured
// filters, defined in name order. Invalid definitions are skipped.
func (c *Config) Registry() *filter.Registry {
	reg := filter.DefaultRegistry()
	names := make([]string, 0, len(c.Filters))
	for name := range c.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, err := c.Filters[name].Properties()
		if err != nil {
			appLog.Error("config: skipping invalid filter", err, "filter", name)
			continue
		}
		reg.Define(name, p)
	}
	return reg
}

// FilterOptions returns the filter options derived from the config.
func (c *Config) FilterOptions() []filter.Option {
	return []filter.Option{
		filter.WithLocation(c.Location()),
		filter.WithWeekStart(c.WeekStartDay()),
		filter.WithMaxIterations(c.MaxIterations),
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".calfilter-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
