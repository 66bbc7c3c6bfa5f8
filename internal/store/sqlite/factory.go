// Package sqlite implements the store contracts on a single SQLite
// file. All stores share one connection pool; cross-row invariants
// (ledger plus cursor, broadcast fan-out) use explicit transactions.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/pynchy/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// New opens (creating if needed) the database at path, applies pending
// migrations and assembles the store container. The returned closer
// shuts down the shared pool.
func New(path string) (*store.Stores, func() error, error) {
	db, err := Open(path)
	if err != nil {
		return nil, nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}

	stores := &store.Stores{
		Groups:   newGroupStore(db),
		Messages: newMessageStore(db),
		Tasks:    newTaskStore(db),
		Sessions: newSessionStore(db),
		Cursors:  newCursorStore(db),
		Ledger:   newLedgerStore(db),
		Aliases:  newAliasStore(db),
		State:    newStateStore(db),
		Memories: newMemoryStore(db),
	}
	return stores, db.Close, nil
}

// Open opens the database at path without touching the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewMigrator builds a migrator over the embedded schema for db.
// Closing the returned migrator closes db as well.
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return m, nil
}

// Migrate applies all pending schema migrations to db.
func Migrate(db *sql.DB) error {
	m, err := NewMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
