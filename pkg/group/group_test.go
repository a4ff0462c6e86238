// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package group

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/pipeline"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
)

// stubPipeline mimics the engine's externally visible behavior: runs mark
// tasks done (or blocked), pauses flip to paused, and the matching events
// land on the bus.
type stubPipeline struct {
	store *store.Store
	bus   *events.Bus

	mu      sync.Mutex
	runs    []int64
	pauses  []int64
	resumes []int64

	// failTask's run ends blocked with a stage:error.
	failTask int64
	// stallTask's run parks the task in implementing and never finishes.
	stallTask int64
}

func (p *stubPipeline) setStall(taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallTask = taskID
}

func (p *stubPipeline) setFail(taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTask = taskID
}

func (p *stubPipeline) RunFullPipeline(ctx context.Context, taskID int64) error {
	p.mu.Lock()
	p.runs = append(p.runs, taskID)
	fail, stall := p.failTask, p.stallTask
	p.mu.Unlock()

	switch taskID {
	case fail:
		if _, err := p.store.UpdateTask(ctx, taskID, map[string]any{
			"status": store.StatusBlocked,
		}); err != nil {
			return err
		}
		p.bus.Publish(events.KindStageError, map[string]any{
			"taskId": taskID, "stage": "implement", "error": "boom",
		})
		return nil
	case stall:
		_, err := p.store.UpdateTask(ctx, taskID, map[string]any{
			"status":       store.StatusImplementing,
			"currentAgent": "implement",
		})
		return err
	}
	return p.finish(ctx, taskID)
}

func (p *stubPipeline) finish(ctx context.Context, taskID int64) error {
	if _, err := p.store.UpdateTask(ctx, taskID, map[string]any{
		"status":       store.StatusDone,
		"currentAgent": nil,
		"completedAt":  time.Now(),
	}); err != nil {
		return err
	}
	p.bus.Publish(events.KindStageComplete, map[string]any{
		"taskId": taskID, "stage": "implement", "summary": "done",
	})
	p.bus.Publish(events.KindStageChange, map[string]any{
		"taskId": taskID, "action": "done",
	})
	return nil
}

func (p *stubPipeline) PauseTask(ctx context.Context, taskID int64, reason string) error {
	p.mu.Lock()
	p.pauses = append(p.pauses, taskID)
	p.mu.Unlock()

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = p.store.UpdateTask(ctx, taskID, map[string]any{
		"pausedFromStatus": task.Status,
		"pauseReason":      reason,
		"status":           store.StatusPaused,
	})
	return err
}

func (p *stubPipeline) ResumeTask(ctx context.Context, taskID int64) error {
	p.mu.Lock()
	p.resumes = append(p.resumes, taskID)
	p.mu.Unlock()
	return p.finish(ctx, taskID)
}

func (p *stubPipeline) ranTasks() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.runs...)
}

func (p *stubPipeline) pausedTasks() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.pauses...)
}

type groupEnv struct {
	store    *store.Store
	pipeline *stubPipeline
	orch     *Orchestrator
	registry *runner.Registry
	bus      *events.Bus
}

func newGroupEnv(t *testing.T) *groupEnv {
	t.Helper()
	st, err := store.OpenProject(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	sp := &stubPipeline{store: st, bus: bus}
	registry := runner.NewRegistry()
	orch := New(st, sp, registry, bus)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	orch.Start(ctx)

	return &groupEnv{store: st, pipeline: sp, orch: orch, registry: registry, bus: bus}
}

func threeTaskProposal() Proposal {
	return Proposal{
		Title: "Add billing export",
		Tasks: []TaskSpec{
			{Title: "Schema", Tier: store.TierL1, Priority: store.PriorityHigh},
			{Title: "API", Tier: store.TierL2, Priority: store.PriorityMedium, DependsOn: []int{0}},
			{Title: "Docs", Tier: store.TierL1, Priority: store.PriorityLow, DependsOn: []int{1}},
		},
	}
}

func TestCreateGroupWiresTasksAndDependencies(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()

	g, err := env.orch.CreateGroup(ctx, threeTaskProposal())
	require.NoError(t, err)
	assert.Equal(t, store.GroupPlanning, g.Status)

	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.NotNil(t, task.GroupID)
		assert.Equal(t, g.ID, *task.GroupID)
	}

	deps, err := env.store.GetDependencies(ctx, tasks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{tasks[0].ID}, deps)
}

func TestCreateGroupRejectsBadDependencyIndex(t *testing.T) {
	env := newGroupEnv(t)
	_, err := env.orch.CreateGroup(context.Background(), Proposal{
		Title: "broken",
		Tasks: []TaskSpec{
			{Title: "only", Tier: store.TierL1, DependsOn: []int{5}},
		},
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestExecutionOrderRespectsDepsAndPriority(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()

	g, err := env.orch.CreateGroup(ctx, Proposal{
		Title: "ordering",
		Tasks: []TaskSpec{
			{Title: "low-root", Tier: store.TierL1, Priority: store.PriorityLow},
			{Title: "critical-root", Tier: store.TierL1, Priority: store.PriorityCritical},
			{Title: "child-of-low", Tier: store.TierL1, Priority: store.PriorityCritical, DependsOn: []int{0}},
		},
	})
	require.NoError(t, err)

	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	ordered, err := env.orch.executionOrder(ctx, tasks)
	require.NoError(t, err)

	titles := make([]string, len(ordered))
	for i, task := range ordered {
		titles[i] = task.Title
	}
	// Roots first with priority breaking the tie; the child follows its dep.
	assert.Equal(t, []string{"critical-root", "low-root", "child-of-low"}, titles)
}

func TestLaunchRunsDependencyChainToCompletion(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()
	g, err := env.orch.CreateGroup(ctx, threeTaskProposal())
	require.NoError(t, err)

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := env.bus.Subscribe(busCtx)

	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))

	require.Eventually(t, func() bool {
		got, err := env.store.GetGroup(ctx, g.ID)
		return err == nil && got.Status == store.GroupCompleted
	}, 5*time.Second, 20*time.Millisecond)

	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	order := map[int64]int{}
	for i, id := range env.pipeline.ranTasks() {
		order[id] = i
	}
	assert.Less(t, order[tasks[0].ID], order[tasks[1].ID])
	assert.Less(t, order[tasks[1].ID], order[tasks[2].ID])

	var sawCompleted, sawStageDone bool
	timeout := time.After(2 * time.Second)
	for !(sawCompleted && sawStageDone) {
		select {
		case evt := <-sub:
			switch evt.Kind {
			case events.KindGroupCompleted:
				sawCompleted = true
			case events.KindGroupStageDone:
				sawStageDone = true
			}
		case <-timeout:
			t.Fatalf("missing group events: completed=%v stageDone=%v", sawCompleted, sawStageDone)
		}
	}
}

func TestLaunchGroupIdempotentWhileRunning(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()
	g, err := env.orch.CreateGroup(ctx, threeTaskProposal())
	require.NoError(t, err)

	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))
	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))
}

func TestMemberErrorPausesGroup(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()
	g, err := env.orch.CreateGroup(ctx, Proposal{
		Title: "parallel",
		Tasks: []TaskSpec{
			{Title: "stalls", Tier: store.TierL2},
			{Title: "fails", Tier: store.TierL2},
		},
	})
	require.NoError(t, err)

	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	env.pipeline.setStall(tasks[0].ID)
	env.pipeline.setFail(tasks[1].ID)

	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))

	require.Eventually(t, func() bool {
		got, err := env.store.GetGroup(ctx, g.ID)
		return err == nil && got.Status == store.GroupPaused
	}, 5*time.Second, 20*time.Millisecond)

	// The stalled active member was paused; the failed one was already
	// blocked and left alone.
	require.Eventually(t, func() bool {
		for _, id := range env.pipeline.pausedTasks() {
			if id == tasks[0].ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
	assert.NotContains(t, env.pipeline.pausedTasks(), tasks[1].ID)
}

func TestResumeGroupResumesMetMembers(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()
	g, err := env.orch.CreateGroup(ctx, Proposal{
		Title: "resume",
		Tasks: []TaskSpec{
			{Title: "stalls", Tier: store.TierL2},
		},
	})
	require.NoError(t, err)
	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	env.pipeline.setStall(tasks[0].ID)

	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))
	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, tasks[0].ID)
		return err == nil && got.Status == store.StatusImplementing
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, env.orch.PauseGroup(ctx, g.ID, store.PauseManual))
	require.NoError(t, env.orch.PauseGroup(ctx, g.ID, store.PauseManual)) // idempotent

	env.pipeline.setStall(0)
	require.NoError(t, env.orch.ResumeGroup(ctx, g.ID))

	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, tasks[0].ID)
		return err == nil && got.Status == store.StatusDone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDeleteGroupPausesAndUnlinks(t *testing.T) {
	env := newGroupEnv(t)
	ctx := context.Background()
	g, err := env.orch.CreateGroup(ctx, Proposal{
		Title: "delete me",
		Tasks: []TaskSpec{
			{Title: "stalls", Tier: store.TierL2},
		},
	})
	require.NoError(t, err)
	tasks, err := env.store.GetTasksByGroup(ctx, g.ID)
	require.NoError(t, err)
	env.pipeline.setStall(tasks[0].ID)

	require.NoError(t, env.orch.LaunchGroup(ctx, g.ID))
	require.Eventually(t, func() bool {
		got, err := env.store.GetTask(ctx, tasks[0].ID)
		return err == nil && got.Status == store.StatusImplementing
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, env.orch.DeleteGroup(ctx, g.ID))

	assert.Contains(t, env.pipeline.pausedTasks(), tasks[0].ID)
	_, err = env.store.GetGroup(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The task survives, unlinked.
	got, err := env.store.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Nil(t, got.GroupID)
}

func TestMessageAndPeekAgent(t *testing.T) {
	env := newGroupEnv(t)

	err := env.orch.MessageAgent(99, "status check")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = env.orch.PeekAgent(99)
	assert.ErrorIs(t, err, store.ErrValidation)

	key := pipeline.SessionKey(42)
	env.registry.Register(key, func() {})
	defer env.registry.Deregister(key)

	require.NoError(t, env.orch.MessageAgent(42, "how is it going?"))
	assert.Equal(t, []string{"how is it going?"}, env.registry.TakeMessages(key))

	env.registry.RecordOutput(key, "working on the parser")
	out, err := env.orch.PeekAgent(42)
	require.NoError(t, err)
	assert.Equal(t, "working on the parser", out)
}
