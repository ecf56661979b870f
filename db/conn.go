// File: db/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-worker database connection. Every worker opens its own handle, limited
// to a single underlying connection, so no locking is needed around it.

package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Observer is notified after every command of a chain.
type Observer func(name string, st Status)

// Option configures a Conn.
type Option func(*Conn)

// WithObserver installs a per-command observer.
func WithObserver(fn Observer) Option {
	return func(c *Conn) { c.observe = fn }
}

// Conn is one worker's database connection.
type Conn struct {
	db      *sql.DB
	cmds    *Commands
	observe Observer
	log     zerolog.Logger
}

// DSN builds the sqlite data source for a database name.
func DSN(name string) string {
	if name == ":memory:" {
		return "file::memory:?cache=shared&_foreign_keys=on"
	}
	return fmt.Sprintf("file:%s.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", name)
}

// Open connects to the database described by dsn.
func Open(ctx context.Context, dsn string, cmds *Commands, log zerolog.Logger, opts ...Option) (*Conn, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping %s: %w", dsn, err)
	}
	c := &Conn{db: sqldb, cmds: cmds, log: log.With().Str("component", "db").Logger()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Init creates the schema if it does not exist yet.
func (c *Conn) Init(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.cmds.Schema); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// Commands returns the loaded statement set.
func (c *Conn) Commands() *Commands {
	return c.cmds
}

// Close releases the connection.
func (c *Conn) Close() error {
	return c.db.Close()
}
