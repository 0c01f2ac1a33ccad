package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens the SQLite database at path, creating its directory if needed.
func New(path string) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every new connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	for _, m := range Migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Migrations is the ordered schema, shared with repository tests.
var Migrations = []string{
	migrationTemplates,
	migrationTemplateVersions,
	migrationAgents,
}

const migrationTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    consultant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT,
    archived_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_templates_consultant ON templates(consultant_id);
`

const migrationTemplateVersions = `
CREATE TABLE IF NOT EXISTS template_versions (
    id TEXT PRIMARY KEY,
    template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
    version_number INTEGER NOT NULL,
    body_text TEXT NOT NULL,
    remote_id TEXT,
    remote_state TEXT,
    agent_id TEXT,
    is_active BOOLEAN NOT NULL DEFAULT 0,
    row_version INTEGER NOT NULL DEFAULT 1,
    last_synced_at TIMESTAMP,
    created_by TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(template_id, version_number),
    CHECK ((remote_id IS NULL) = (remote_state IS NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_template_versions_remote ON template_versions(remote_id) WHERE remote_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_template_versions_active ON template_versions(template_id) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_template_versions_agent ON template_versions(agent_id);
`

const migrationAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    consultant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    sub_account_id TEXT,
    auth_token_enc TEXT,
    whatsapp_number TEXT,
    consultant_display_name TEXT,
    business_name TEXT,
    default_goals TEXT,
    default_desires TEXT,
    default_hook TEXT,
    default_ideal_state TEXT,
    credentials_invalid_reason TEXT,
    credentials_checked_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_agents_consultant ON agents(consultant_id);
`
