package repository

import (
	"database/sql"
	"testing"

	"github.com/plotsense/plotsense-api/internal/database/migrations"
	_ "github.com/tursodatabase/go-libsql"
)

// setupTestDB creates an in-memory SQLite database for testing.
// It runs migrations and returns a database connection that will be cleaned up
// when the test completes.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// setupTestRepos creates all repositories using a test database.
func setupTestRepos(t *testing.T) *Repositories {
	t.Helper()
	db := setupTestDB(t)
	return NewRepositories(db, 1000)
}

// InsertTestAccount is a helper to insert a test account directly.
func InsertTestAccount(t *testing.T, db *sql.DB, id, email string, balance int64) {
	t.Helper()
	query := `
		INSERT INTO accounts (id, email, balance, log_baseline, total_credits_purchased,
			subscription_tier, subscription_state, subscription_cancel_at_period_end,
			version, created_at, updated_at)
		VALUES (?, ?, ?, 0, 0, 'free', '', 0, 0, datetime('now'), datetime('now'))
	`
	if _, err := db.Exec(query, id, email, balance); err != nil {
		t.Fatalf("failed to insert test account: %v", err)
	}
}
