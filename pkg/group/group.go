// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package group launches and coordinates sets of tasks that implement one
// feature together. It orders members by dependency, runs the ready ones
// in parallel, propagates pause and error across the set, and relays
// member progress as group events.
package group

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/pipeline"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
)

// Pipeline is the engine surface the orchestrator needs. Satisfied by
// *pipeline.Engine and by stubs in tests.
type Pipeline interface {
	RunFullPipeline(ctx context.Context, taskID int64) error
	PauseTask(ctx context.Context, taskID int64, reason string) error
	ResumeTask(ctx context.Context, taskID int64) error
}

// Orchestrator coordinates task groups over the pipeline engine.
type Orchestrator struct {
	store    *store.Store
	pipeline Pipeline
	registry *runner.Registry
	bus      *events.Bus
	logger   *zap.Logger

	// mu guards launch bookkeeping so a member is started at most once
	// per launch sweep.
	mu       sync.Mutex
	inflight map[int64]bool
	baseCtx  context.Context
}

func New(st *store.Store, p Pipeline, registry *runner.Registry, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		store:    st,
		pipeline: p,
		registry: registry,
		bus:      bus,
		logger:   log.With(zap.String("component", "group")),
		inflight: make(map[int64]bool),
		baseCtx:  context.Background(),
	}
}

// TaskSpec is one member task in a group proposal. DependsOn indexes
// other entries of the same proposal.
type TaskSpec struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Tier        string           `json:"tier"`
	Priority    string           `json:"priority"`
	Skill       string           `json:"skill,omitempty"`
	WorkOrder   *store.WorkOrder `json:"workOrder,omitempty"`
	DependsOn   []int            `json:"dependsOn,omitempty"`
}

// Proposal is a multi-task feature produced by a conversation.
type Proposal struct {
	Title         string     `json:"title"`
	SharedContext string     `json:"sharedContext,omitempty"`
	SessionID     string     `json:"sessionId,omitempty"`
	Tasks         []TaskSpec `json:"tasks"`
}

// CreateGroup materializes a proposal: the group row, one task per spec,
// and the dependency edges between them.
func (o *Orchestrator) CreateGroup(ctx context.Context, p Proposal) (*store.TaskGroup, error) {
	if len(p.Tasks) == 0 {
		return nil, fmt.Errorf("%w: a group needs at least one task", store.ErrValidation)
	}

	g, err := o.store.CreateGroup(ctx, &store.TaskGroup{
		Title:         p.Title,
		SessionID:     strOrNil(p.SessionID),
		SharedContext: strOrNil(p.SharedContext),
	})
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(p.Tasks))
	for i, spec := range p.Tasks {
		task, err := o.store.CreateTask(ctx, &store.Task{
			Title:         spec.Title,
			Description:   spec.Description,
			Tier:          spec.Tier,
			Priority:      spec.Priority,
			GroupID:       &g.ID,
			WorkOrder:     spec.WorkOrder,
			AssignedSkill: strOrNil(spec.Skill),
		})
		if err != nil {
			return nil, fmt.Errorf("create group task %q: %w", spec.Title, err)
		}
		ids[i] = task.ID
	}
	for i, spec := range p.Tasks {
		deps := make([]int64, 0, len(spec.DependsOn))
		for _, j := range spec.DependsOn {
			if j < 0 || j >= len(ids) || j == i {
				return nil, fmt.Errorf("%w: task %d has invalid dependency index %d",
					store.ErrValidation, i, j)
			}
			deps = append(deps, ids[j])
		}
		if err := o.store.AddDependencies(ctx, ids[i], deps); err != nil {
			return nil, err
		}
	}

	o.publish(events.KindGroupCreated, map[string]any{
		"groupId": g.ID,
		"title":   g.Title,
		"tasks":   len(ids),
	})
	return g, nil
}

// LaunchGroup marks the group running and starts every member whose
// dependencies are met, one session each, in parallel. Members with
// unmet dependencies start as their dependencies complete.
func (o *Orchestrator) LaunchGroup(ctx context.Context, groupID int64) error {
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	switch g.Status {
	case store.GroupRunning:
		return nil
	case store.GroupCompleted:
		return fmt.Errorf("%w: group %d is completed", store.ErrValidation, groupID)
	}

	if err := o.store.UpdateGroupStatus(ctx, groupID, store.GroupQueued); err != nil {
		return err
	}
	if err := o.store.UpdateGroupStatus(ctx, groupID, store.GroupRunning); err != nil {
		return err
	}
	return o.startReady(ctx, groupID)
}

// startReady starts, in dependency order, every backlog member whose
// dependencies are done. Ready members run concurrently.
func (o *Orchestrator) startReady(ctx context.Context, groupID int64) error {
	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	ordered, err := o.executionOrder(ctx, tasks)
	if err != nil {
		return err
	}

	for _, task := range ordered {
		if task.Status != store.StatusBacklog {
			continue
		}
		met, err := o.store.AreDependenciesMet(ctx, task.ID)
		if err != nil {
			return err
		}
		if !met {
			continue
		}

		o.mu.Lock()
		if o.inflight[task.ID] {
			o.mu.Unlock()
			continue
		}
		o.inflight[task.ID] = true
		o.mu.Unlock()

		taskID := task.ID
		go func() {
			defer func() {
				o.mu.Lock()
				delete(o.inflight, taskID)
				o.mu.Unlock()
			}()
			if err := o.pipeline.RunFullPipeline(o.baseCtx, taskID); err != nil {
				o.logger.Warn("group member run ended with error",
					zap.Int64("group_id", groupID),
					zap.Int64("task_id", taskID),
					zap.Error(err))
			}
		}()
	}
	return nil
}

// executionOrder topologically sorts the group's tasks over the
// dependency subgraph restricted to the group. Among ready tasks the
// order is priority desc, then creation time asc.
func (o *Orchestrator) executionOrder(ctx context.Context, tasks []*store.Task) ([]*store.Task, error) {
	member := make(map[int64]*store.Task, len(tasks))
	for _, t := range tasks {
		member[t.ID] = t
	}

	indegree := make(map[int64]int, len(tasks))
	dependents := make(map[int64][]int64)
	for _, t := range tasks {
		deps, err := o.store.GetDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if _, inGroup := member[dep]; !inGroup {
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	ready := make([]*store.Task, 0, len(tasks))
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t)
		}
	}

	ordered := make([]*store.Task, 0, len(tasks))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if readyBefore(ready[i], ready[best]) {
				best = i
			}
		}
		next := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		ordered = append(ordered, next)

		for _, id := range dependents[next.ID] {
			indegree[id]--
			if indegree[id] == 0 {
				ready = append(ready, member[id])
			}
		}
	}
	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("%w: dependency cycle within group", store.ErrValidation)
	}
	return ordered, nil
}

var priorityRank = map[string]int{
	store.PriorityCritical: 3,
	store.PriorityHigh:     2,
	store.PriorityMedium:   1,
	store.PriorityLow:      0,
}

func readyBefore(a, b *store.Task) bool {
	if priorityRank[a.Priority] != priorityRank[b.Priority] {
		return priorityRank[a.Priority] > priorityRank[b.Priority]
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// PauseGroup pauses every active member and marks the group paused.
// Pause requests are issued synchronously but members stop on their own
// time; the call does not wait for them. Idempotent.
func (o *Orchestrator) PauseGroup(ctx context.Context, groupID int64, reason string) error {
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status == store.GroupPaused {
		return nil
	}
	if reason == "" {
		reason = store.PauseManual
	}

	if err := o.store.UpdateGroupStatus(ctx, groupID, store.GroupPaused); err != nil {
		return err
	}

	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	paused := 0
	for _, t := range tasks {
		if !activeStatus(t.Status) {
			continue
		}
		if err := o.pipeline.PauseTask(ctx, t.ID, reason); err != nil {
			o.logger.Warn("group member pause failed",
				zap.Int64("group_id", groupID), zap.Int64("task_id", t.ID), zap.Error(err))
			continue
		}
		paused++
	}

	o.publish(events.KindGroupPaused, map[string]any{
		"groupId":     groupID,
		"reason":      reason,
		"pausedCount": paused,
	})
	return nil
}

// ResumeGroup resumes every paused member whose dependencies are met;
// the rest wait for their dependencies. Idempotent.
func (o *Orchestrator) ResumeGroup(ctx context.Context, groupID int64) error {
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Status == store.GroupRunning {
		return nil
	}
	if err := o.store.UpdateGroupStatus(ctx, groupID, store.GroupRunning); err != nil {
		return err
	}

	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != store.StatusPaused {
			continue
		}
		met, err := o.store.AreDependenciesMet(ctx, t.ID)
		if err != nil {
			return err
		}
		if !met {
			continue
		}
		taskID := t.ID
		go func() {
			if err := o.pipeline.ResumeTask(o.baseCtx, taskID); err != nil {
				o.logger.Warn("group member resume failed",
					zap.Int64("group_id", groupID), zap.Int64("task_id", taskID), zap.Error(err))
			}
		}()
	}
	// Backlog members whose dependencies completed while paused start now.
	return o.startReady(ctx, groupID)
}

// DeleteGroup pauses any running members, unlinks the tasks, and removes
// the group. The tasks themselves survive.
func (o *Orchestrator) DeleteGroup(ctx context.Context, groupID int64) error {
	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !activeStatus(t.Status) {
			continue
		}
		if err := o.pipeline.PauseTask(ctx, t.ID, store.PauseManual); err != nil {
			o.logger.Warn("pause before group delete failed",
				zap.Int64("task_id", t.ID), zap.Error(err))
		}
	}
	if err := o.store.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	o.publish(events.KindGroupDeleted, map[string]any{"groupId": groupID})
	return nil
}

// Status is the orchestrator's view of one group.
type Status struct {
	Group *store.TaskGroup `json:"group"`
	Tasks []*store.Task    `json:"tasks"`
	Done  int              `json:"done"`
	Total int              `json:"total"`
}

// GetStatus summarizes a group and its members.
func (o *Orchestrator) GetStatus(ctx context.Context, groupID int64) (*Status, error) {
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	st := &Status{Group: g, Tasks: tasks, Total: len(tasks)}
	for _, t := range tasks {
		if t.Status == store.StatusDone {
			st.Done++
		}
	}
	return st, nil
}

// MessageAgent injects a message into a running task's session; it is
// delivered as a user message on the session's next turn.
func (o *Orchestrator) MessageAgent(taskID int64, content string) error {
	if !o.registry.PostMessage(pipeline.SessionKey(taskID), content) {
		return fmt.Errorf("%w: task %d has no active session", store.ErrValidation, taskID)
	}
	return nil
}

// PeekAgent returns a snapshot of a running task's recent output.
func (o *Orchestrator) PeekAgent(taskID int64) (string, error) {
	out, ok := o.registry.PeekOutput(pipeline.SessionKey(taskID))
	if !ok {
		return "", fmt.Errorf("%w: task %d has no active session", store.ErrValidation, taskID)
	}
	return out, nil
}

func (o *Orchestrator) publish(kind events.Kind, payload map[string]any) {
	if o.bus != nil {
		o.bus.Publish(kind, payload)
	}
}

func activeStatus(status string) bool {
	switch status {
	case store.StatusBacklog, store.StatusDone, store.StatusBlocked, store.StatusPaused:
		return false
	}
	return true
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
