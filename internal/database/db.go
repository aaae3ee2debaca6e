// Package database is the relational source of truth: SQLite tables for work
// processes, service requests, assignments and agents, a generic conditional
// CRUD layer, and typed repositories on top of it. Every write is published on
// the change-event bus.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/yardcore/yardcore/internal/bus"
	"github.com/yardcore/yardcore/internal/config"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DB wraps the SQL handle and exposes the typed repositories.
type DB struct {
	db     *sql.DB
	bus    *bus.EventBus
	driver string

	WorkProcesses   *WorkProcesses
	Types           *WorkProcessTypes
	ServiceRequests *ServiceRequests
	Assignments     *Assignments
	Agents          *Agents
	InstantActions  *InstantActions
	Yards           *Yards
	MapObjects      *MapObjects
	Services        *Services
	SystemLogs      *SystemLogs
	MissionQueues   *MissionQueues
}

// Open opens (creating if needed) the database and applies the schema.
// Change events are published on b when it is non-nil.
func Open(cfg config.DatabaseConfig, b *bus.EventBus) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	var dsn string
	switch driver {
	case "sqlite":
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
			cfg.Path, busy.Milliseconds())
	case "sqlite3":
		dsn = fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=%d",
			cfg.Path, busy.Milliseconds())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if _, err := sqlDB.Exec(Schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	d := &DB{db: sqlDB, bus: b, driver: driver}
	d.WorkProcesses = &WorkProcesses{d: d}
	d.Types = &WorkProcessTypes{d: d}
	d.ServiceRequests = &ServiceRequests{d: d}
	d.Assignments = &Assignments{d: d}
	d.Agents = &Agents{d: d}
	d.InstantActions = &InstantActions{d: d}
	d.Yards = &Yards{d: d}
	d.MapObjects = &MapObjects{d: d}
	d.Services = &Services{d: d}
	d.SystemLogs = &SystemLogs{d: d}
	d.MissionQueues = &MissionQueues{d: d}
	return d, nil
}

// SQL returns the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

// Driver returns the SQL driver name in use.
func (d *DB) Driver() string { return d.driver }

// Bus returns the change-event bus (may be nil).
func (d *DB) Bus() *bus.EventBus { return d.bus }

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

var nowFunc = func() time.Time { return time.Now().UTC() }

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
