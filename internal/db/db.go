// Package db opens the SQLite databases that hold local sync state.
package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/utils"
	"github.com/jmoiron/sqlx"
)

// InMemory is the path of a private in-memory database. Every connection gets its own
// database, so callers that need a shared one limit the pool to a single connection.
const InMemory = ":memory:"

const defaultPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=-8000;
`

type options struct {
	path            string
	pragmas         string
	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

type Option func(*options)

// WithPath selects the database file. Missing parent directories are created.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithPragmas replaces the pragmas run after connecting.
func WithPragmas(pragmas string) Option {
	return func(o *options) {
		o.pragmas = pragmas
	}
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

func WithMaxIdleConns(n int) Option {
	return func(o *options) {
		o.maxIdleConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *options) {
		o.connMaxLifetime = d
	}
}

// NewSqliteDB connects to a SQLite database, in memory unless WithPath says otherwise.
func NewSqliteDB(opts ...Option) (*sqlx.DB, error) {
	o := &options{
		path:         InMemory,
		pragmas:      defaultPragmas,
		maxIdleConns: 2,
	}
	for _, opt := range opts {
		opt(o)
	}

	dsn, err := dataSource(o.path)
	if err != nil {
		return nil, err
	}

	slog.Debug("db", "driver", driverID, "path", o.path)
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", o.path, err)
	}

	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}
	if o.maxIdleConns > 0 {
		db.SetMaxIdleConns(o.maxIdleConns)
	}
	if o.connMaxLifetime > 0 {
		db.SetConnMaxLifetime(o.connMaxLifetime)
	}

	if o.pragmas != "" {
		if _, err := db.Exec(o.pragmas); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragmas: %w", err)
		}
	}
	return db, nil
}

func dataSource(path string) (string, error) {
	if path == InMemory {
		return InMemory, nil
	}
	if err := utils.EnsureParent(path); err != nil {
		return "", fmt.Errorf("ensure parent directory: %w", err)
	}
	return fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path), nil
}
