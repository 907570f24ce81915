// Package database provides the embedded SQLite store backing the image
// library: generations, tags, styles, prompt library, jobs, and presets.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds the on-disk path for the embedded database.
type Config struct {
	// Path is the filesystem path to the SQLite file, e.g. "mysti.db".
	Path string
}

// Client wraps the raw *sql.DB with a single mutex serializing every
// write, mirroring the original's re-entrant lock but refactored into
// private non-locking helpers (suffixed Locked) so nested calls never
// re-acquire the lock, per the composition-root design note.
type Client struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
}

// DB returns the underlying connection, for health checks only.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the underlying database handle.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens (creating if necessary) the SQLite file at cfg.Path,
// sets WAL journaling and foreign keys, and applies embedded migrations.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("database: open %q: %w", cfg.Path, err)
	}

	// A single file-backed connection serializes writes at the driver
	// level too; capping at one avoids "database is locked" races from
	// concurrent connections fighting over the same WAL file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("database: set pragma %q: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: migrate: %w", err)
	}

	return &Client{db: db, log: log}, nil
}

// runMigrations applies every embedded migration using golang-migrate,
// mirroring the teacher's wiring with the postgres driver swapped for
// sqlite3.
func runMigrations(db *sql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found")
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite3 migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Do not call m.Close(): it would close the shared *sql.DB passed via
	// sqlite3.WithInstance, breaking the Client returned to the caller.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
