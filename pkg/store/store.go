// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package store provides durable, transactional persistence for tasks,
// groups, handoffs, audit logs, dependencies, knowledge, and the project
// registry, on SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/teradata-labs/clawflow/internal/log"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation marks locally-rejected bad input (unknown patch field,
// dependency cycle). No state changes when it is returned.
var ErrValidation = errors.New("validation failed")

// Store wraps one SQLite database. A project-scoped store holds tasks,
// groups, handoffs, sessions, settings, and domain knowledge; the global
// store holds the project registry, global settings, and global knowledge.
// Writes are serialized through mu; after any operation returns, subsequent
// reads in the same process reflect it.
type Store struct {
	db             *sql.DB
	mu             sync.RWMutex
	knowledgeTable string
	path           string
	logger         *zap.Logger
}

// OpenProject opens (creating if needed) a project-scoped store.
func OpenProject(path string) (*Store, error) {
	return open(path, "domain_knowledge")
}

// OpenGlobal opens (creating if needed) the global store.
func OpenGlobal(path string) (*Store, error) {
	return open(path, "global_knowledge")
}

func open(path, knowledgeTable string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:             db,
		knowledgeTable: knowledgeTable,
		path:           path,
		logger:         log.With(zap.String("db", filepath.Base(path))),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DeleteDatabase closes the store and removes its file. Used when a project
// is deleted from the registry.
func (s *Store) DeleteDatabase() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

func (s *Store) initSchema() error {
	ctx := context.Background()

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tier TEXT NOT NULL DEFAULT 'L2',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'backlog',
		current_agent TEXT,
		auto_mode INTEGER NOT NULL DEFAULT 0,
		auto_merge INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		started_at INTEGER,
		completed_at INTEGER,
		archived_at INTEGER,
		brainstorm_output TEXT,
		design_review TEXT,
		plan TEXT,
		implementation_notes TEXT,
		review_comments TEXT,
		review_score REAL,
		test_results TEXT,
		verify_result TEXT,
		commit_hash TEXT,
		plan_review_count INTEGER NOT NULL DEFAULT 0,
		impl_review_count INTEGER NOT NULL DEFAULT 0,
		paused_from_status TEXT,
		pause_reason TEXT,
		branch_name TEXT,
		worktree_path TEXT,
		group_id INTEGER,
		work_order TEXT,
		assigned_skill TEXT,
		active_session_id TEXT,
		context_tokens INTEGER NOT NULL DEFAULT 0,
		context_max INTEGER NOT NULL DEFAULT 0,
		todos TEXT,
		rich_handoff TEXT
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id INTEGER NOT NULL,
		depends_on INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (task_id, depends_on)
	);

	CREATE TABLE IF NOT EXISTS task_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		session_id TEXT,
		status TEXT NOT NULL DEFAULT 'planning',
		shared_context TEXT,
		design_doc_id TEXT,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS handoffs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		stage TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'completed',
		summary TEXT NOT NULL DEFAULT '',
		key_decisions TEXT NOT NULL DEFAULT '',
		open_questions TEXT NOT NULL DEFAULT '',
		files_modified TEXT NOT NULL DEFAULT '',
		next_stage_needs TEXT NOT NULL DEFAULT '',
		warnings TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		path TEXT NOT NULL,
		registered_at INTEGER NOT NULL DEFAULT (unixepoch()),
		last_opened_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS workshop_sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS workshop_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS workshop_artifacts (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'md',
		path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE TABLE IF NOT EXISTS workshop_task_links (
		session_id TEXT NOT NULL,
		task_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (session_id, task_id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);
	CREATE INDEX IF NOT EXISTS idx_handoffs_task ON handoffs(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_task ON agent_logs(task_id, id);
	CREATE INDEX IF NOT EXISTS idx_deps_task ON task_dependencies(task_id);
	`

	knowledgeSchema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'convention',
		tags TEXT NOT NULL DEFAULT '[]',
		source TEXT NOT NULL DEFAULT 'manual',
		source_id TEXT,
		status TEXT NOT NULL DEFAULT 'candidate',
		token_estimate INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch()),
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_key_status ON %s(key, status);
	`, s.knowledgeTable, s.knowledgeTable, s.knowledgeTable)

	if _, err := s.db.ExecContext(ctx, schema+knowledgeSchema); err != nil {
		return err
	}
	return s.migrate(ctx)
}

// migrate adds columns that predate the base schema. Idempotent; columns are
// never dropped. New columns must carry a default so existing rows stay
// valid.
func (s *Store) migrate(ctx context.Context) error {
	required := []struct {
		table, column, ddl string
	}{
		{"tasks", "auto_merge", "ALTER TABLE tasks ADD COLUMN auto_merge INTEGER NOT NULL DEFAULT 0"},
		{"tasks", "rich_handoff", "ALTER TABLE tasks ADD COLUMN rich_handoff TEXT"},
		{"tasks", "todos", "ALTER TABLE tasks ADD COLUMN todos TEXT"},
		{"tasks", "context_tokens", "ALTER TABLE tasks ADD COLUMN context_tokens INTEGER NOT NULL DEFAULT 0"},
		{"tasks", "context_max", "ALTER TABLE tasks ADD COLUMN context_max INTEGER NOT NULL DEFAULT 0"},
		{"tasks", "assigned_skill", "ALTER TABLE tasks ADD COLUMN assigned_skill TEXT"},
		{s.knowledgeTable, "token_estimate", fmt.Sprintf("ALTER TABLE %s ADD COLUMN token_estimate INTEGER NOT NULL DEFAULT 0", s.knowledgeTable)},
		{s.knowledgeTable, "source_id", fmt.Sprintf("ALTER TABLE %s ADD COLUMN source_id TEXT", s.knowledgeTable)},
	}

	for _, m := range required {
		var count int
		check := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name='%s'", m.table, m.column)
		if err := s.db.QueryRowContext(ctx, check).Scan(&count); err != nil {
			return fmt.Errorf("migration check %s.%s: %w", m.table, m.column, err)
		}
		if count == 0 {
			if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
				// Another process may have added the column concurrently.
				s.logger.Warn("migration warning (non-fatal)",
					zap.String("column", m.column), zap.Error(err))
			}
		}
	}
	return nil
}

// SetSetting stores a key/value setting in this store's scope.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting reads a setting; ok is false when the key is absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// parseJSONSlice decodes a JSON array column, returning an empty slice on
// corrupt data rather than failing the read.
func parseJSONSlice(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn("corrupt JSON array column, treating as empty", zap.String("raw", raw))
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.Unix()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0)
	return &t
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
