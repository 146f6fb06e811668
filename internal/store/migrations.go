package store

import (
	"database/sql"
	"fmt"
)

func (s *SQLite) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	return s.migrateV2()
}

func (s *SQLite) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return version, err
}

func (s *SQLite) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		tokens_used INTEGER NOT NULL DEFAULT 0,
		tokens_remaining INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_total INTEGER NOT NULL DEFAULT 0,
		context TEXT NOT NULL DEFAULT '',
		rules TEXT,
		temperature REAL NOT NULL DEFAULT 0.7,
		max_output_tokens INTEGER NOT NULL DEFAULT 2000
	);

	CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		agent_id INTEGER,
		content TEXT NOT NULL,
		kind TEXT NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, created_at, id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("v1 schema: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1')`); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	s.logger.Info().Int("version", 1).Msg("Schema migrated")
	return nil
}

func (s *SQLite) migrateV2() error {
	version, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= 2 {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS project_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'file',
		size INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_project ON project_files(project_id, path);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("v2 schema: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	s.logger.Info().Int("version", 2).Msg("Schema migrated")
	return nil
}
