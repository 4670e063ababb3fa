// Package db keeps the SQLite ledger of produced kernel archives.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitswalk/kbuild/src/common/logs"
	"github.com/bitswalk/kbuild/src/common/paths"
	_ "github.com/mattn/go-sqlite3"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the db package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Database wraps the SQLite connection
type Database struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
}

// Config holds the database configuration
type Config struct {
	// Path is the SQLite file; ":memory:" keeps everything in memory
	Path string
}

// DefaultConfig returns a default database configuration
func DefaultConfig() Config {
	return Config{
		Path: "~/.local/share/kbuild/history.db",
	}
}

// New opens (creating if needed) the database and applies pending migrations
func New(cfg Config) (*Database, error) {
	path := cfg.Path
	if path != ":memory:" {
		path = paths.Expand(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	database := &Database{
		db:   db,
		path: path,
	}

	if err := newMigrationRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return database, nil
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.path
}

// Close closes the database connection
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.db.Close()
	})
	return err
}
