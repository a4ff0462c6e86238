// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/prompts"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
	"github.com/teradata-labs/clawflow/pkg/vcs"
)

// stubRunner scripts per-stage outputs and emulates the real runner's
// session registration so aborts work.
type stubRunner struct {
	registry *runner.Registry

	mu      sync.Mutex
	outputs map[string]string // stage -> output
	calls   []string
	block   bool
	err     error
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		registry: runner.NewRegistry(),
		outputs:  make(map[string]string),
	}
}

func (s *stubRunner) Registry() *runner.Registry { return s.registry }

func (s *stubRunner) Run(ctx context.Context, p runner.Params) (*runner.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p.Stage)
	output, ok := s.outputs[p.Stage]
	block := s.block
	err := s.err
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.SessionKey != "" {
		s.registry.Register(p.SessionKey, cancel)
		defer s.registry.Deregister(p.SessionKey)
	}

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		output = completedHandoff(p.Stage, "stage finished")
	}
	return &runner.Result{
		Output:        output,
		SessionID:     "sess-" + p.Stage,
		Turns:         1,
		ContextTokens: 1000,
		ContextMax:    200000,
	}, nil
}

func (s *stubRunner) stageCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func completedHandoff(stage, summary string) string {
	return fmt.Sprintf(`Work for %s.

## Handoff
Status: completed
Summary: %s
Key Decisions: none
Open Questions: none
Files Modified: none
Next Stage Needs: nothing
Warnings: none
`, stage, summary)
}

// stubWorkspace records VCS calls without shelling out.
type stubWorkspace struct {
	mu            sync.Mutex
	resetToStage  []string
	stashAndReset int
	commitHash    string
}

func (w *stubWorkspace) CreateWorktree(_ context.Context, taskID int64, _ string) (string, string, error) {
	return fmt.Sprintf("/tmp/wt/%d", taskID), fmt.Sprintf("task/%d-x", taskID), nil
}

func (w *stubWorkspace) StageCommit(_ context.Context, _ int64, _ string) (*vcs.Commit, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.commitHash == "" {
		return nil, nil
	}
	return &vcs.Commit{Hash: w.commitHash}, nil
}

func (w *stubWorkspace) StashAndReset(_ context.Context, _ int64) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stashAndReset++
	return true, nil
}

func (w *stubWorkspace) ResetToStageCommit(_ context.Context, _ int64, stage string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.resetToStage = append(w.resetToStage, stage)
	return nil
}

type testEnv struct {
	store  *store.Store
	engine *Engine
	runner *stubRunner
	vcs    *stubWorkspace
	bus    *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.OpenProject(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := newStubRunner()
	w := &stubWorkspace{}
	bus := events.NewBus()
	e := New(Options{
		Store:        st,
		VCS:          w,
		Runner:       r,
		Resolver:     &prompts.Resolver{},
		Bus:          bus,
		DefaultModel: "claude-sonnet-4-5",
	})
	return &testEnv{store: st, engine: e, runner: r, vcs: w, bus: bus}
}

func (env *testEnv) createTask(t *testing.T, tier string, autoMode bool) *store.Task {
	t.Helper()
	task, err := env.store.CreateTask(context.Background(), &store.Task{
		Title:       "Add feature",
		Description: "Do the thing.",
		Tier:        tier,
		AutoMode:    autoMode,
	})
	require.NoError(t, err)
	return task
}

func TestL2HappyPathFirstStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)

	require.NoError(t, env.engine.StartTask(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPlanning, got.Status)
	require.NotNil(t, got.CurrentAgent)
	assert.Equal(t, StagePlan, *got.CurrentAgent)
	require.NotNil(t, got.BrainstormOutput)
	assert.Contains(t, *got.BrainstormOutput, "brainstorm")
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.BranchName)
	assert.NotNil(t, got.WorktreePath)

	handoffs, err := env.store.ListHandoffs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 1)
	assert.Equal(t, StageBrainstorm, handoffs[0].Stage)
	assert.Equal(t, store.HandoffCompleted, handoffs[0].Status)

	assert.Equal(t, []string{StageBrainstorm}, env.runner.stageCalls())
}

func TestStartTaskRequiresBacklog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)

	require.NoError(t, env.engine.StartTask(ctx, task.ID))
	err := env.engine.StartTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestAutoModeRunsToDone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL1, true)
	env.vcs.commitHash = "4f9c2d1e8b7a"

	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, got.Status)
	assert.Nil(t, got.CurrentAgent)
	assert.NotNil(t, got.CompletedAt)
	// The hash lands with the tier's final stage.
	require.NotNil(t, got.CommitHash)
	assert.Equal(t, "4f9c2d1e8b7a", *got.CommitHash)
	assert.Equal(t, []string{StagePlan, StageImplement}, env.runner.stageCalls())
}

func TestFullPipelineStopsAtApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)

	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	// brainstorm does not pause; plan runs and then waits for approval.
	assert.Equal(t, store.StatusPlanning, got.Status)
	assert.Equal(t, []string{StageBrainstorm, StagePlan}, env.runner.stageCalls())
}

func TestApproveStageAdvances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	require.NoError(t, env.engine.ApproveStage(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	// plan approved; implement ran and advanced to verify.
	assert.Equal(t, store.StatusVerifying, got.Status)
	require.NotNil(t, got.ImplementationNotes)
}

func TestRejectionTripsCircuitBreaker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	busCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := env.bus.Subscribe(busCtx)

	require.NoError(t, env.engine.RejectStage(ctx, task.ID, "missing detail"))
	require.NoError(t, env.engine.RejectStage(ctx, task.ID, "still missing"))
	require.NoError(t, env.engine.RejectStage(ctx, task.ID, "nope"))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, got.Status)
	assert.Equal(t, 3, got.PlanReviewCount)

	var sawBreaker bool
	deadline := time.After(time.Second)
	for !sawBreaker {
		select {
		case evt := <-sub:
			if evt.Kind == events.KindCircuitBreaker {
				sawBreaker = true
			}
		case <-deadline:
			t.Fatal("circuit-breaker event not emitted")
		}
	}
}

func TestRejectReRunsWithFeedback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	require.NoError(t, env.engine.RejectStage(ctx, task.ID, "add more detail"))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlanReviewCount)
	assert.Equal(t, store.StatusPlanning, got.Status)
	// brainstorm, plan, then plan again after rejection.
	assert.Equal(t, []string{StageBrainstorm, StagePlan, StagePlan}, env.runner.stageCalls())
}

func TestStageAwareRestart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, true)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Plan)

	require.NoError(t, env.engine.RestartToStage(ctx, task.ID, StageImplement))

	got, err = env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusImplementing, got.Status)
	require.NotNil(t, got.CurrentAgent)
	assert.Equal(t, StageImplement, *got.CurrentAgent)

	// Outputs at or after implement are cleared, earlier ones survive.
	assert.Nil(t, got.ImplementationNotes)
	assert.Nil(t, got.VerifyResult)
	assert.Nil(t, got.TestResults)
	assert.Zero(t, got.ImplReviewCount)
	assert.NotNil(t, got.Plan)
	assert.NotNil(t, got.BrainstormOutput)
	assert.Nil(t, got.ActiveSessionID)
	assert.Nil(t, got.Todos)
	assert.Nil(t, got.CompletedAt)

	handoffs, err := env.store.ListHandoffs(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, handoffs)

	// Worktree reset to the commit of the stage before implement.
	assert.Equal(t, []string{StagePlan}, env.vcs.resetToStage)
}

func TestRestartToPlanResetsReviewState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	env.vcs.commitHash = "deadbeefcafe"

	// Run to the plan approval gate; mid-pipeline commits must not
	// land a hash on the task.
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))
	require.NoError(t, env.engine.RejectStage(ctx, task.ID, "tighten the plan"))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.PlanReviewCount)
	assert.Nil(t, got.CommitHash)

	// Simulate a session that reported context usage before the restart.
	_, err = env.store.UpdateTask(ctx, task.ID, map[string]any{
		"contextTokens": 1000,
		"contextMax":    200000,
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.RestartToStage(ctx, task.ID, StagePlan))

	got, err = env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPlanning, got.Status)
	assert.Zero(t, got.PlanReviewCount)
	assert.Zero(t, got.ImplReviewCount)
	assert.Nil(t, got.CommitHash)
	assert.Nil(t, got.Plan)
	assert.NotNil(t, got.BrainstormOutput)
	assert.Zero(t, got.ContextTokens)
	assert.Zero(t, got.ContextMax)

	// Worktree reset to the commit of the stage before plan.
	assert.Equal(t, []string{StageBrainstorm}, env.vcs.resetToStage)
}

func TestRestartToFirstStageStashes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, true)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	require.NoError(t, env.engine.RestartToStage(ctx, task.ID, StageBrainstorm))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBrainstorming, got.Status)
	assert.Nil(t, got.BrainstormOutput)
	assert.Zero(t, got.PlanReviewCount)
	assert.Equal(t, 1, env.vcs.stashAndReset)
}

func TestPauseWinsRaceWithError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	env.runner.block = true

	started := make(chan error, 1)
	go func() { started <- env.engine.StartTask(ctx, task.ID) }()

	require.Eventually(t, func() bool {
		return env.runner.Registry().Active(SessionKey(task.ID))
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.engine.PauseTask(ctx, task.ID, store.PauseManual))

	select {
	case err := <-started:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not terminate after pause")
	}

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, got.Status)
	require.NotNil(t, got.PausedFromStatus)
	assert.Equal(t, store.StatusBrainstorming, *got.PausedFromStatus)
	require.NotNil(t, got.PauseReason)
	assert.Equal(t, store.PauseManual, *got.PauseReason)
}

func TestPauseIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	require.NoError(t, env.engine.PauseTask(ctx, task.ID, store.PauseManual))
	require.NoError(t, env.engine.PauseTask(ctx, task.ID, store.PauseManual))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPaused, got.Status)
}

func TestResumeRestoresStatusAndSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))
	require.NoError(t, env.engine.PauseTask(ctx, task.ID, store.PauseManual))

	require.NoError(t, env.engine.ResumeTask(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPlanning, got.Status)
	assert.Nil(t, got.PausedFromStatus)
	assert.Nil(t, got.PauseReason)
}

func TestStepTaskRejectsPaused(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))
	require.NoError(t, env.engine.PauseTask(ctx, task.ID, store.PauseManual))

	err := env.engine.StepTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestBlockedHandoffBlocksTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	env.runner.outputs[StageBrainstorm] = `## Handoff
Status: blocked
Summary: Cannot continue without schema access.
`

	require.NoError(t, env.engine.StartTask(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, got.Status)
}

func TestOpenQuestionsHoldStage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, false)
	env.runner.outputs[StageBrainstorm] = `## Handoff
Status: completed
Summary: Explored.
Open Questions: Which database should this target?
`

	require.NoError(t, env.engine.StartTask(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	// Open questions hold the task at brainstorm instead of advancing.
	assert.Equal(t, store.StatusBrainstorming, got.Status)
	require.NotNil(t, got.CurrentAgent)
	assert.Equal(t, StageBrainstorm, *got.CurrentAgent)
}

func TestReviewScoreExtraction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL3, true)
	env.runner.outputs[StageCodeReview] = `The implementation is solid.
Score: 8.5

## Handoff
Status: completed
Summary: Reviewed.
`

	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReviewScore)
	assert.InDelta(t, 8.5, *got.ReviewScore, 0.001)
}

func TestVerifyTestResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, store.TierL2, true)
	env.runner.outputs[StageVerify] = `All 42 tests passed.

## Handoff
Status: completed
Summary: Verified.
`

	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TestResults)
	assert.Contains(t, *got.TestResults, `"passed":true`)
	assert.Equal(t, store.StatusDone, got.Status)
}

func TestRequiredHookFailureBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.engine.hooks = map[string][]Hook{
		StageImplement: {
			{Name: "lint", Command: "exit 1", Required: true},
		},
	}
	ctx := context.Background()
	task := env.createTask(t, store.TierL1, true)

	// The hook needs a real directory to run in.
	env.engine.vcs = &realDirWorkspace{dir: t.TempDir()}

	require.NoError(t, env.engine.RunFullPipeline(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, got.Status)

	logs, err := env.store.ListAgentLogs(ctx, task.ID)
	require.NoError(t, err)
	var sawBlocked bool
	for _, l := range logs {
		if l.Action == "blocked" {
			sawBlocked = true
			assert.Contains(t, l.Details, "**lint**")
		}
	}
	assert.True(t, sawBlocked)
}

// realDirWorkspace points the worktree at an existing directory so hooks
// can execute.
type realDirWorkspace struct {
	stubWorkspace
	dir string
}

func (w *realDirWorkspace) CreateWorktree(_ context.Context, taskID int64, _ string) (string, string, error) {
	return w.dir, fmt.Sprintf("task/%d-x", taskID), nil
}
