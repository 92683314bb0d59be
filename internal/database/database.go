// Package database opens the libsql connection and applies migrations.
package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tursodatabase/go-libsql"

	"github.com/plotsense/plotsense-api/internal/database/migrations"
)

// New opens a libsql database. With tursoURL and tursoToken set, the
// local file becomes an embedded replica that syncs against the remote
// Turso database; otherwise dsn is opened directly (a local file like
// "file:plotsense.db" or a dev server URL).
func New(dsn, tursoURL, tursoToken string) (*sql.DB, error) {
	db, err := open(dsn, tursoURL, tursoToken)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func open(dsn, tursoURL, tursoToken string) (*sql.DB, error) {
	if tursoURL == "" || tursoToken == "" {
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}

	// Embedded replica wants a bare file path, not a DSN.
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	connector, err := libsql.NewEmbeddedReplicaConnector(path, tursoURL,
		libsql.WithAuthToken(tursoToken),
		libsql.WithReadYourWrites(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Turso connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Migrate applies any pending schema migrations.
func Migrate(db *sql.DB, logger *slog.Logger) error {
	return migrations.Run(db, logger)
}
