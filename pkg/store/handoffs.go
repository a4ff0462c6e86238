// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"fmt"
	"time"
)

// AppendHandoff records one stage's structured output. Handoffs are
// append-only; they are only removed by DeleteTask or ClearHandoffs during a
// stage-aware restart.
func (s *Store) AppendHandoff(ctx context.Context, h *Handoff) (*Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (task_id, stage, agent, model, status, summary,
			key_decisions, open_questions, files_modified, next_stage_needs, warnings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.TaskID, h.Stage, h.Agent, h.Model, h.Status, h.Summary,
		h.KeyDecisions, h.OpenQuestions, h.FilesModified, h.NextStageNeeds, h.Warnings)
	if err != nil {
		return nil, fmt.Errorf("append handoff for task %d: %w", h.TaskID, err)
	}
	id, _ := res.LastInsertId()
	h.ID = id
	h.CreatedAt = time.Now()
	return h, nil
}

// ListHandoffs returns a task's handoffs in stage-execution order.
func (s *Store) ListHandoffs(ctx context.Context, taskID int64) ([]*Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, stage, agent, model, status, summary, key_decisions,
			open_questions, files_modified, next_stage_needs, warnings, created_at
		FROM handoffs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list handoffs for %d: %w", taskID, err)
	}
	defer rows.Close()

	var handoffs []*Handoff
	for rows.Next() {
		var h Handoff
		var createdAt int64
		if err := rows.Scan(&h.ID, &h.TaskID, &h.Stage, &h.Agent, &h.Model, &h.Status,
			&h.Summary, &h.KeyDecisions, &h.OpenQuestions, &h.FilesModified,
			&h.NextStageNeeds, &h.Warnings, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt = time.Unix(createdAt, 0)
		handoffs = append(handoffs, &h)
	}
	return handoffs, rows.Err()
}

// ClearHandoffs removes all handoffs for a task (restart only).
func (s *Store) ClearHandoffs(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM handoffs WHERE task_id = ?", taskID); err != nil {
		return fmt.Errorf("clear handoffs for %d: %w", taskID, err)
	}
	return nil
}

// AppendAgentLog records an immutable audit entry.
func (s *Store) AppendAgentLog(ctx context.Context, e *AgentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_logs (task_id, agent, model, action, details)
		VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.Agent, e.Model, e.Action, e.Details)
	if err != nil {
		return fmt.Errorf("append agent log for task %d: %w", e.TaskID, err)
	}
	return nil
}

// ListAgentLogs returns a task's audit trail in insertion order.
func (s *Store) ListAgentLogs(ctx context.Context, taskID int64) ([]*AgentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent, model, action, details, created_at
		FROM agent_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent logs for %d: %w", taskID, err)
	}
	defer rows.Close()

	var entries []*AgentLogEntry
	for rows.Next() {
		var e AgentLogEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Agent, &e.Model, &e.Action,
			&e.Details, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// PruneAgentLogs deletes audit entries older than the cutoff, returning the
// number removed. Driven by the maintenance scheduler.
func (s *Store) PruneAgentLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM agent_logs WHERE created_at < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune agent logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
