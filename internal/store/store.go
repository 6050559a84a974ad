package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"calfilter/internal/calendar"
	appLog "calfilter/internal/log"
	"calfilter/internal/model"
)

const writeTimeout = 5 * time.Second

// Calendar is a writable calendar persisted in a local SQLite database.
// Reads and queries are served from memory; every mutation is written to
// the database before observers are notified.
type Calendar struct {
	*calendar.MemoryCalendar

	db *sqlx.DB
}

// Open opens (or creates) the database at path, runs pending migrations
// and loads the stored items of calendar id.
func Open(ctx context.Context, path, id, name string) (*Calendar, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if name == "" {
		name = id
	}
	c := &Calendar{
		MemoryCalendar: calendar.NewMemory(id, name, calendar.WithType(calendar.TypeStorage)),
		db:             db,
	}

	items, err := c.loadItems(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.MemoryCalendar.Load(items)

	if err := c.loadProperties(ctx); err != nil {
		db.Close()
		return nil, err
	}

	appLog.Info("storage calendar opened", "calendar", id, "path", path, "items", len(items))
	return c, nil
}

// Close closes the underlying database connection.
func (c *Calendar) Close() error {
	return c.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func runMigrations(ctx context.Context, db *sqlx.DB) error {
	currentVersion := 0

	var tableCount int
	err := db.GetContext(ctx,
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

type itemRow struct {
	ID   string `db:"id"`
	Data string `db:"data"`
}

func (c *Calendar) loadItems(ctx context.Context) ([]*model.Item, error) {
	var rows []itemRow
	err := c.db.SelectContext(ctx, &rows,
		"SELECT id, data FROM items WHERE calendar_id = ? ORDER BY position, id", c.ID())
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}

	items := make([]*model.Item, 0, len(rows))
	for _, r := range rows {
		var it model.Item
		if err := json.Unmarshal([]byte(r.Data), &it); err != nil {
			// A broken row should not take the whole calendar down.
			appLog.Error("storage: skipping unreadable item", err, "calendar", c.ID(), "item", r.ID)
			continue
		}
		items = append(items, &it)
	}
	return items, nil
}

type propertyRow struct {
	Name  string `db:"name"`
	Value string `db:"value"`
}

func (c *Calendar) loadProperties(ctx context.Context) error {
	var rows []propertyRow
	err := c.db.SelectContext(ctx, &rows,
		"SELECT name, value FROM calendar_properties WHERE calendar_id = ?", c.ID())
	if err != nil {
		return fmt.Errorf("querying properties: %w", err)
	}
	for _, r := range rows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			appLog.Warn("storage: skipping unreadable property", "calendar", c.ID(), "name", r.Name)
			continue
		}
		c.MemoryCalendar.SetProperty(r.Name, v)
	}
	return nil
}

func (c *Calendar) writeItem(ctx context.Context, it *model.Item, insert bool) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling item %s: %w", it.ID, err)
	}

	if insert {
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO items (calendar_id, id, kind, summary, data, position, updated_at)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM items WHERE calendar_id = ?), ?)`,
			c.ID(), it.ID, it.Kind.String(), it.Summary, string(data), c.ID(), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
		return nil
	}

	result, err := c.db.ExecContext(ctx, `
		UPDATE items SET kind = ?, summary = ?, data = ?, updated_at = ?
		WHERE calendar_id = ? AND id = ?`,
		it.Kind.String(), it.Summary, string(data), time.Now().UTC(),
		c.ID(), it.ID,
	)
	if err != nil {
		return fmt.Errorf("updating item %s: %w", it.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s not found", it.ID)
	}
	return nil
}

// AddItem persists a new item and then adds it to the calendar.
func (c *Calendar) AddItem(item *model.Item) (*model.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := c.Item(item.ID); exists {
		return nil, fmt.Errorf("calendar %s: item %s already exists", c.ID(), item.ID)
	}
	item.CalendarID = c.ID()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.writeItem(ctx, item, true); err != nil {
		return nil, c.fail(err)
	}
	return c.MemoryCalendar.AddItem(item)
}

// ModifyItem persists the new version of an existing item.
func (c *Calendar) ModifyItem(item *model.Item) (*model.Item, error) {
	if _, exists := c.Item(item.ID); !exists {
		return nil, fmt.Errorf("calendar %s: item %s not found", c.ID(), item.ID)
	}
	item.CalendarID = c.ID()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.writeItem(ctx, item, false); err != nil {
		return nil, c.fail(err)
	}
	return c.MemoryCalendar.ModifyItem(item)
}

func (c *Calendar) DeleteItem(id string) error {
	if _, exists := c.Item(id); !exists {
		return fmt.Errorf("calendar %s: item %s not found", c.ID(), id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM items WHERE calendar_id = ? AND id = ?", c.ID(), id); err != nil {
		return c.fail(fmt.Errorf("deleting item %s: %w", id, err))
	}
	return c.MemoryCalendar.DeleteItem(id)
}

// SetProperty persists the value and then applies it.
func (c *Calendar) SetProperty(name string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		appLog.Error("storage: property not persisted", err, "calendar", c.ID(), "name", name)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err = c.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO calendar_properties (calendar_id, name, value)
			VALUES (?, ?, ?)`,
			c.ID(), name, string(data),
		)
		cancel()
		if err != nil {
			c.fail(fmt.Errorf("saving property %s: %w", name, err))
		}
	}
	c.MemoryCalendar.SetProperty(name, value)
}

func (c *Calendar) DeleteProperty(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM calendar_properties WHERE calendar_id = ? AND name = ?", c.ID(), name); err != nil {
		c.fail(fmt.Errorf("deleting property %s: %w", name, err))
	}
	c.MemoryCalendar.DeleteProperty(name)
}

// fail reports err to observers and returns it wrapped with the calendar.
func (c *Calendar) fail(err error) error {
	err = &calendar.OperationError{CalendarID: c.ID(), Err: err}
	c.ReportError(err)
	return err
}
