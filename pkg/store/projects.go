// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ListProjects returns registered projects, most recently opened first.
// Valid on the global store only.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, registered_at, last_opened_at
		FROM projects ORDER BY last_opened_at DESC NULLS LAST, registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var registeredAt int64
		var lastOpened sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &registeredAt, &lastOpened); err != nil {
			return nil, err
		}
		p.RegisteredAt = time.Unix(registeredAt, 0)
		p.LastOpenedAt = timePtr(lastOpened)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// RegisterProject adds a project to the registry. Names are unique.
func (s *Store) RegisterProject(ctx context.Context, name, path string) (*Project, error) {
	if name == "" || path == "" {
		return nil, fmt.Errorf("%w: project name and path are required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (name, path) VALUES (?, ?)", name, path); err != nil {
		return nil, fmt.Errorf("register project %s: %w", name, err)
	}
	return s.getProjectLocked(ctx, name)
}

// OpenProjectEntry touches last_opened_at and returns the project.
func (s *Store) OpenProjectEntry(ctx context.Context, name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE projects SET last_opened_at = unixepoch() WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("open project %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return s.getProjectLocked(ctx, name)
}

// DeleteProject removes a project from the registry. The caller is
// responsible for deleting the project-scoped database file.
func (s *Store) DeleteProject(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete project %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return nil
}

// GetProject loads a registry entry by name.
func (s *Store) GetProject(ctx context.Context, name string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProjectLocked(ctx, name)
}

func (s *Store) getProjectLocked(ctx context.Context, name string) (*Project, error) {
	var p Project
	var registeredAt int64
	var lastOpened sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, registered_at, last_opened_at
		FROM projects WHERE name = ?`, name).Scan(
		&p.ID, &p.Name, &p.Path, &registeredAt, &lastOpened)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", name, err)
	}
	p.RegisteredAt = time.Unix(registeredAt, 0)
	p.LastOpenedAt = timePtr(lastOpened)
	return &p, nil
}
