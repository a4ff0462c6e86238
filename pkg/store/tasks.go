// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// taskColumns is the select list matched by scanTask.
const taskColumns = `id, title, description, tier, priority, status, current_agent,
	auto_mode, auto_merge, created_at, started_at, completed_at, archived_at,
	brainstorm_output, design_review, plan, implementation_notes, review_comments,
	review_score, test_results, verify_result, commit_hash,
	plan_review_count, impl_review_count, paused_from_status, pause_reason,
	branch_name, worktree_path, group_id, work_order, assigned_skill,
	active_session_id, context_tokens, context_max, todos, rich_handoff`

// updatableTaskFields whitelists patchable JSON field names and maps them to
// columns. Unknown fields are rejected, not ignored.
var updatableTaskFields = map[string]string{
	"title":               "title",
	"description":         "description",
	"tier":                "tier",
	"priority":            "priority",
	"status":              "status",
	"currentAgent":        "current_agent",
	"autoMode":            "auto_mode",
	"autoMerge":           "auto_merge",
	"startedAt":           "started_at",
	"completedAt":         "completed_at",
	"brainstormOutput":    "brainstorm_output",
	"designReview":        "design_review",
	"plan":                "plan",
	"implementationNotes": "implementation_notes",
	"reviewComments":      "review_comments",
	"reviewScore":         "review_score",
	"testResults":         "test_results",
	"verifyResult":        "verify_result",
	"commitHash":          "commit_hash",
	"planReviewCount":     "plan_review_count",
	"implReviewCount":     "impl_review_count",
	"pausedFromStatus":    "paused_from_status",
	"pauseReason":         "pause_reason",
	"branchName":          "branch_name",
	"worktreePath":        "worktree_path",
	"groupId":             "group_id",
	"workOrder":           "work_order",
	"assignedSkill":       "assigned_skill",
	"activeSessionId":     "active_session_id",
	"contextTokens":       "context_tokens",
	"contextMax":          "context_max",
	"todos":               "todos",
	"richHandoff":         "rich_handoff",
}

// CreateTask inserts a task in backlog with zeroed review counters.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if t.Tier == "" {
		t.Tier = TierL2
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}

	var workOrder any
	if t.WorkOrder != nil {
		data, err := json.Marshal(t.WorkOrder)
		if err != nil {
			return nil, fmt.Errorf("marshal work order: %w", err)
		}
		workOrder = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, description, tier, priority, status, auto_mode, auto_merge,
			group_id, work_order, assigned_skill)
		VALUES (?, ?, ?, ?, 'backlog', ?, ?, ?, ?, ?)`,
		t.Title, t.Description, t.Tier, t.Priority, t.AutoMode, t.AutoMerge,
		nullInt64(t.GroupID), workOrder, nullString(t.AssignedSkill))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create task id: %w", err)
	}
	return s.getTaskLocked(ctx, id)
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTaskLocked(ctx, id)
}

func (s *Store) getTaskLocked(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM tasks WHERE id = ?", taskColumns), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks, excluding archived ones unless includeArchived.
// Ordered by priority then creation time.
func (s *Store) ListTasks(ctx context.Context, includeArchived bool) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := "WHERE archived_at IS NULL"
	if includeArchived {
		where = ""
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM tasks %s
		ORDER BY CASE priority
			WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3
		END, created_at ASC, id ASC`, taskColumns, where))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// UpdateTask applies a partial patch. Field names use the entity's JSON
// names; an unknown field fails the whole patch with ErrValidation.
func (s *Store) UpdateTask(ctx context.Context, id int64, patch map[string]any) (*Task, error) {
	if len(patch) == 0 {
		return s.GetTask(ctx, id)
	}

	sets := make([]string, 0, len(patch))
	args := make([]any, 0, len(patch)+1)
	for field, value := range patch {
		column, ok := updatableTaskFields[field]
		if !ok {
			return nil, fmt.Errorf("%w: unknown task field %q", ErrValidation, field)
		}
		sets = append(sets, column+" = ?")
		args = append(args, normalizePatchValue(value))
	}
	args = append(args, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("update task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return s.getTaskLocked(ctx, id)
}

// normalizePatchValue converts patch values into SQLite-storable forms.
// time.Time becomes unix seconds; structured values are stored as JSON.
func normalizePatchValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Unix()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Unix()
	case string, bool, int, int64, float64:
		return val
	case *string:
		return nullString(val)
	case *int64:
		return nullInt64(val)
	case *float64:
		if val == nil {
			return nil
		}
		return *val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// DeleteTask removes a task, its dependencies, handoffs, logs, and workshop
// links.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_dependencies WHERE task_id = ? OR depends_on = ?", id, id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	for _, stmt := range []string{
		"DELETE FROM handoffs WHERE task_id = ?",
		"DELETE FROM agent_logs WHERE task_id = ?",
		"DELETE FROM workshop_task_links WHERE task_id = ?",
		"DELETE FROM tasks WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete task %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	s.logger.Info("task deleted", zap.Int64("task_id", id))
	return nil
}

// ArchiveTask stamps archived_at; the task keeps its status.
func (s *Store) ArchiveTask(ctx context.Context, id int64) error {
	return s.setArchived(ctx, id, true)
}

// UnarchiveTask clears archived_at, restoring the original status and id.
func (s *Store) UnarchiveTask(ctx context.Context, id int64) error {
	return s.setArchived(ctx, id, false)
}

func (s *Store) setArchived(ctx context.Context, id int64, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stmt := "UPDATE tasks SET archived_at = unixepoch() WHERE id = ?"
	if !archived {
		stmt = "UPDATE tasks SET archived_at = NULL WHERE id = ?"
	}
	res, err := s.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return fmt.Errorf("archive task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveAllDone archives every unarchived done task, returning the count.
func (s *Store) ArchiveAllDone(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET archived_at = unixepoch() WHERE status = 'done' AND archived_at IS NULL")
	if err != nil {
		return 0, fmt.Errorf("archive all done: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats aggregates task counts. completionRate = done / max(1, total-backlog).
func (s *Store) Stats(ctx context.Context) (*TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats TaskStats
	var total int
	var avgScore sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(status = 'backlog'), 0),
			COALESCE(SUM(status = 'done'), 0),
			COALESCE(SUM(status = 'blocked'), 0),
			COALESCE(SUM(status NOT IN ('backlog', 'done', 'blocked')), 0),
			AVG(review_score),
			COALESCE(SUM(plan_review_count >= 3 OR impl_review_count >= 3), 0)
		FROM tasks WHERE archived_at IS NULL`).Scan(
		&total, &stats.Backlog, &stats.Done, &stats.Blocked,
		&stats.InProgress, &avgScore, &stats.CircuitBreakerTrips)
	if err != nil {
		return nil, fmt.Errorf("task stats: %w", err)
	}
	if avgScore.Valid {
		stats.AvgReviewScore = avgScore.Float64
	}
	started := total - stats.Backlog
	if started < 1 {
		started = 1
	}
	stats.CompletionRate = float64(stats.Done) / float64(started)
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var currentAgent, brainstorm, design, plan, implNotes, reviewComments sql.NullString
	var testResults, verifyResult, commitHash, pausedFrom, pauseReason sql.NullString
	var branchName, worktreePath, workOrder, assignedSkill, sessionID, todos, richHandoff sql.NullString
	var reviewScore sql.NullFloat64
	var createdAt int64
	var startedAt, completedAt, archivedAt, groupID sql.NullInt64

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Tier, &t.Priority, &t.Status, &currentAgent,
		&t.AutoMode, &t.AutoMerge, &createdAt, &startedAt, &completedAt, &archivedAt,
		&brainstorm, &design, &plan, &implNotes, &reviewComments,
		&reviewScore, &testResults, &verifyResult, &commitHash,
		&t.PlanReviewCount, &t.ImplReviewCount, &pausedFrom, &pauseReason,
		&branchName, &worktreePath, &groupID, &workOrder, &assignedSkill,
		&sessionID, &t.ContextTokens, &t.ContextMax, &todos, &richHandoff)
	if err != nil {
		return nil, err
	}

	t.CurrentAgent = strPtr(currentAgent)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.ArchivedAt = timePtr(archivedAt)
	t.BrainstormOutput = strPtr(brainstorm)
	t.DesignReview = strPtr(design)
	t.Plan = strPtr(plan)
	t.ImplementationNotes = strPtr(implNotes)
	t.ReviewComments = strPtr(reviewComments)
	t.ReviewScore = floatPtr(reviewScore)
	t.TestResults = strPtr(testResults)
	t.VerifyResult = strPtr(verifyResult)
	t.CommitHash = strPtr(commitHash)
	t.PausedFromStatus = strPtr(pausedFrom)
	t.PauseReason = strPtr(pauseReason)
	t.BranchName = strPtr(branchName)
	t.WorktreePath = strPtr(worktreePath)
	t.GroupID = int64Ptr(groupID)
	t.AssignedSkill = strPtr(assignedSkill)
	t.ActiveSessionID = strPtr(sessionID)
	t.Todos = strPtr(todos)
	t.RichHandoff = strPtr(richHandoff)

	if workOrder.Valid && workOrder.String != "" {
		var wo WorkOrder
		if err := json.Unmarshal([]byte(workOrder.String), &wo); err == nil {
			t.WorkOrder = &wo
		}
		// Corrupt work orders read as nil rather than failing the row.
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
