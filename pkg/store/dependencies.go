// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"fmt"
)

// GetDependencies returns the ids this task depends on.
func (s *Store) GetDependencies(ctx context.Context, taskID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDependenciesLocked(ctx, taskID)
}

func (s *Store) getDependenciesLocked(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on", taskID)
	if err != nil {
		return nil, fmt.Errorf("get dependencies for %d: %w", taskID, err)
	}
	defer rows.Close()

	var deps []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		deps = append(deps, id)
	}
	return deps, rows.Err()
}

// AddDependencies records that taskID depends on each id in dependsOn. The
// addition is rejected with ErrValidation if the resulting graph would
// contain a cycle; nothing is written in that case.
func (s *Store) AddDependencies(ctx context.Context, taskID int64, dependsOn []int64) error {
	if len(dependsOn) == 0 {
		return nil
	}
	for _, dep := range dependsOn {
		if dep == taskID {
			return fmt.Errorf("%w: task %d cannot depend on itself", ErrValidation, taskID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	graph, err := s.dependencyGraphLocked(ctx)
	if err != nil {
		return err
	}
	// Build the hypothetical graph and reject the addition if a cycle
	// results.
	for _, dep := range dependsOn {
		graph[taskID] = append(graph[taskID], dep)
	}
	if hasCycle(graph) {
		return fmt.Errorf("%w: adding dependencies %v to task %d would create a cycle",
			ErrValidation, dependsOn, taskID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add dependencies: %w", err)
	}
	defer tx.Rollback()
	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)",
			taskID, dep); err != nil {
			return fmt.Errorf("add dependency %d -> %d: %w", taskID, dep, err)
		}
	}
	return tx.Commit()
}

// AreDependenciesMet reports whether every dependency of the task is done.
func (s *Store) AreDependenciesMet(ctx context.Context, taskID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var unmet int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on
		WHERE d.task_id = ? AND t.status != 'done'`, taskID).Scan(&unmet)
	if err != nil {
		return false, fmt.Errorf("check dependencies for %d: %w", taskID, err)
	}
	return unmet == 0, nil
}

func (s *Store) dependencyGraphLocked(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT task_id, depends_on FROM task_dependencies")
	if err != nil {
		return nil, fmt.Errorf("load dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[int64][]int64)
	for rows.Next() {
		var from, to int64
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		graph[from] = append(graph[from], to)
	}
	return graph, rows.Err()
}

// hasCycle runs a three-color DFS over the dependency graph.
func hasCycle(graph map[int64][]int64) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[int64]int, len(graph))

	var visit func(node int64) bool
	visit = func(node int64) bool {
		color[node] = gray
		for _, next := range graph[node] {
			switch color[next] {
			case gray:
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for node := range graph {
		if color[node] == white && visit(node) {
			return true
		}
	}
	return false
}
