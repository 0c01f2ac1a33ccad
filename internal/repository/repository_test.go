package repository

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/foxzi/tplsync/internal/db"
	"github.com/foxzi/tplsync/internal/secret"
)

const testSecretsKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// setupTestDB creates an in-memory SQLite database with all migrations applied
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	for _, m := range db.Migrations {
		if _, err := conn.Exec(m); err != nil {
			t.Fatalf("failed to apply migration: %v", err)
		}
	}

	return conn
}

func testBox(t *testing.T) *secret.Box {
	t.Helper()
	box, err := secret.NewBox(testSecretsKey)
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

var ctx = context.Background()
