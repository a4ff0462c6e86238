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

	"go.uber.org/zap"
)

// CreateGroup inserts a group in planning state.
func (s *Store) CreateGroup(ctx context.Context, g *TaskGroup) (*TaskGroup, error) {
	if g.Title == "" {
		return nil, fmt.Errorf("%w: group title is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_groups (title, session_id, status, shared_context, design_doc_id)
		VALUES (?, ?, 'planning', ?, ?)`,
		g.Title, nullString(g.SessionID), nullString(g.SharedContext), nullString(g.DesignDocID))
	if err != nil {
		return nil, fmt.Errorf("create group: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.getGroupLocked(ctx, id)
}

// GetGroup loads one group.
func (s *Store) GetGroup(ctx context.Context, id int64) (*TaskGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getGroupLocked(ctx, id)
}

func (s *Store) getGroupLocked(ctx context.Context, id int64) (*TaskGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, session_id, status, shared_context, design_doc_id, created_at, completed_at
		FROM task_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", id, err)
	}
	return g, nil
}

// ListGroups returns all groups, newest first.
func (s *Store) ListGroups(ctx context.Context) ([]*TaskGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, session_id, status, shared_context, design_doc_id, created_at, completed_at
		FROM task_groups ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []*TaskGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateGroupStatus transitions a group; completing stamps completed_at.
func (s *Store) UpdateGroupStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stmt := "UPDATE task_groups SET status = ? WHERE id = ?"
	if status == GroupCompleted {
		stmt = "UPDATE task_groups SET status = ?, completed_at = unixepoch() WHERE id = ?"
	}
	res, err := s.db.ExecContext(ctx, stmt, status, id)
	if err != nil {
		return fmt.Errorf("update group %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetTasksByGroup returns the member tasks, unarchived, oldest first.
func (s *Store) GetTasksByGroup(ctx context.Context, groupID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks WHERE group_id = ? AND archived_at IS NULL
		ORDER BY created_at ASC, id ASC`, taskColumns), groupID)
	if err != nil {
		return nil, fmt.Errorf("tasks by group %d: %w", groupID, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// DeleteGroup unlinks member tasks (their groupId becomes null) and removes
// the group. Tasks themselves are preserved.
func (s *Store) DeleteGroup(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE tasks SET group_id = NULL, work_order = NULL WHERE group_id = ?", id); err != nil {
		return fmt.Errorf("unlink tasks for group %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM task_groups WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete group %d: %w", id, err)
	}
	s.logger.Info("group deleted, tasks unlinked", zap.Int64("group_id", id))
	return nil
}

func scanGroup(row rowScanner) (*TaskGroup, error) {
	var g TaskGroup
	var sessionID, sharedContext, designDocID sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&g.ID, &g.Title, &sessionID, &g.Status, &sharedContext,
		&designDocID, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	g.SessionID = strPtr(sessionID)
	g.SharedContext = strPtr(sharedContext)
	g.DesignDocID = strPtr(designDocID)
	g.CreatedAt = time.Unix(createdAt, 0)
	g.CompletedAt = timePtr(completedAt)
	return &g, nil
}
