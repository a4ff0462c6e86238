// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/group"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
)

// stubEngine records pipeline commands.
type stubEngine struct {
	mu    sync.Mutex
	calls []string
}

func (e *stubEngine) record(format string, args ...any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
	return nil
}

func (e *stubEngine) called() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *stubEngine) StartTask(_ context.Context, id int64) error { return e.record("start:%d", id) }
func (e *stubEngine) StepTask(_ context.Context, id int64) error  { return e.record("step:%d", id) }
func (e *stubEngine) RunFullPipeline(_ context.Context, id int64) error {
	return e.record("run:%d", id)
}
func (e *stubEngine) ApproveStage(_ context.Context, id int64) error {
	return e.record("approve:%d", id)
}
func (e *stubEngine) RejectStage(_ context.Context, id int64, feedback string) error {
	return e.record("reject:%d:%s", id, feedback)
}
func (e *stubEngine) PauseTask(_ context.Context, id int64, reason string) error {
	return e.record("pause:%d:%s", id, reason)
}
func (e *stubEngine) ResumeTask(_ context.Context, id int64) error {
	return e.record("resume:%d", id)
}
func (e *stubEngine) RestartToStage(_ context.Context, id int64, stage string) error {
	return e.record("restart:%d:%s", id, stage)
}

type serverEnv struct {
	store  *store.Store
	engine *stubEngine
	reg    *runner.Registry
	srv    *httptest.Server
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	st, err := store.OpenProject(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := &stubEngine{}
	reg := runner.NewRegistry()
	s := New(Options{
		Addr:     "127.0.0.1:0",
		Store:    st,
		Engine:   engine,
		Registry: reg,
		Bus:      events.NewBus(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &serverEnv{store: st, engine: engine, reg: reg, srv: ts}
}

func (env *serverEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newServerEnv(t)

	resp := env.do(t, "POST", "/api/tasks", map[string]any{
		"title": "Wire the exporter", "tier": "L2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[store.Task](t, resp)
	assert.Equal(t, store.StatusBacklog, created.Status)

	resp = env.do(t, "GET", fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "PATCH", fmt.Sprintf("/api/tasks/%d", created.ID), map[string]any{
		"priority": store.PriorityHigh,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	patched := decodeBody[store.Task](t, resp)
	assert.Equal(t, store.PriorityHigh, patched.Priority)

	resp = env.do(t, "GET", "/api/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]store.Task](t, resp), 1)

	resp = env.do(t, "GET", "/api/tasks/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decodeBody[store.TaskStats](t, resp)
	assert.Equal(t, 1, stats.Backlog)

	resp = env.do(t, "DELETE", fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", fmt.Sprintf("/api/tasks/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidationErrorsMapTo400(t *testing.T) {
	env := newServerEnv(t)

	// Empty title is rejected by the store.
	resp := env.do(t, "POST", "/api/tasks", map[string]any{"tier": "L1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, "GET", "/api/tasks/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPipelineCommandsDispatch(t *testing.T) {
	env := newServerEnv(t)

	resp := env.do(t, "POST", "/api/pipeline/7/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return len(env.engine.called()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "run:7", env.engine.called()[0])

	resp = env.do(t, "POST", "/api/pipeline/7/reject", map[string]string{"feedback": "needs tests"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return len(env.engine.called()) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "reject:7:needs tests", env.engine.called()[1])

	// Pause is synchronous.
	resp = env.do(t, "POST", "/api/pipeline/7/pause", map[string]string{"reason": "manual"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.engine.called(), "pause:7:manual")
}

func TestPipelineUnavailableWithoutEngine(t *testing.T) {
	st, err := store.OpenProject(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	s := New(Options{
		Addr:     "127.0.0.1:0",
		Store:    st,
		Registry: runner.NewRegistry(),
		Bus:      events.NewBus(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Post(ts.URL+"/api/pipeline/1/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestApprovalResolution(t *testing.T) {
	env := newServerEnv(t)

	env.reg.Register("task-1", func() {})
	requestID, ch, ok := env.reg.AddApproval("task-1")
	require.True(t, ok)

	resp := env.do(t, "POST", "/api/approvals/"+requestID, map[string]any{
		"approved": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[map[string]bool](t, resp)["resolved"])

	approval := <-ch
	assert.True(t, approval.Approved)

	// Unknown request ids report unresolved rather than failing.
	resp = env.do(t, "POST", "/api/approvals/nope", map[string]any{"approved": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeBody[map[string]bool](t, resp)["resolved"])
}

func TestKnowledgePromotionFlow(t *testing.T) {
	env := newServerEnv(t)

	resp := env.do(t, "POST", "/api/knowledge", map[string]any{
		"key":      "retry-budget",
		"summary":  "Retries are capped at three attempts.",
		"content":  "The SDK layer retries transient errors at most three times.",
		"category": store.CategoryConvention,
		"source":   store.SourcePipeline,
		"status":   store.KnowledgeCandidate,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[store.KnowledgeEntry](t, resp)

	resp = env.do(t, "GET", "/api/knowledge/candidates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody[[]store.KnowledgeEntry](t, resp), 1)

	resp = env.do(t, "POST", "/api/knowledge/"+created.ID+"/promote", map[string]any{
		"global": false,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	promoted := decodeBody[store.KnowledgeEntry](t, resp)
	assert.Equal(t, store.KnowledgeActive, promoted.Status)

	resp = env.do(t, "GET", "/api/knowledge?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]store.KnowledgeEntry](t, resp), 1)
}

func TestVCSRoutesUnavailableWithoutRepo(t *testing.T) {
	env := newServerEnv(t)
	resp := env.do(t, "GET", "/api/vcs/branches", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// stubGroups satisfies GroupAPI for route coverage.
type stubGroups struct {
	mu    sync.Mutex
	calls []string
}

func (g *stubGroups) record(s string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, s)
}

func (g *stubGroups) CreateGroup(_ context.Context, p group.Proposal) (*store.TaskGroup, error) {
	g.record("create:" + p.Title)
	return &store.TaskGroup{ID: 1, Title: p.Title, Status: store.GroupPlanning}, nil
}
func (g *stubGroups) LaunchGroup(_ context.Context, id int64) error {
	g.record(fmt.Sprintf("launch:%d", id))
	return nil
}
func (g *stubGroups) PauseGroup(_ context.Context, id int64, reason string) error {
	g.record(fmt.Sprintf("pause:%d:%s", id, reason))
	return nil
}
func (g *stubGroups) ResumeGroup(_ context.Context, id int64) error {
	g.record(fmt.Sprintf("resume:%d", id))
	return nil
}
func (g *stubGroups) DeleteGroup(_ context.Context, id int64) error {
	g.record(fmt.Sprintf("delete:%d", id))
	return nil
}
func (g *stubGroups) GetStatus(_ context.Context, id int64) (*group.Status, error) {
	return &group.Status{Group: &store.TaskGroup{ID: id}}, nil
}
func (g *stubGroups) MessageAgent(id int64, content string) error {
	g.record(fmt.Sprintf("message:%d:%s", id, content))
	return nil
}
func (g *stubGroups) PeekAgent(int64) (string, error) { return "recent output", nil }

func TestGroupRoutes(t *testing.T) {
	st, err := store.OpenProject(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	groups := &stubGroups{}
	s := New(Options{
		Addr:     "127.0.0.1:0",
		Store:    st,
		Engine:   &stubEngine{},
		Groups:   groups,
		Registry: runner.NewRegistry(),
		Bus:      events.NewBus(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	env := &serverEnv{store: st, srv: ts}

	resp := env.do(t, "POST", "/api/groups", group.Proposal{
		Title: "feature",
		Tasks: []group.TaskSpec{{Title: "t1", Tier: store.TierL1}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, "POST", "/api/groups/1/launch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/groups/1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/api/agents/5/message", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "GET", "/api/agents/5/peek", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "recent output", decodeBody[map[string]string](t, resp)["output"])

	assert.Contains(t, groups.calls, "create:feature")
	assert.Contains(t, groups.calls, "launch:1")
	assert.Contains(t, groups.calls, "message:5:hi")
}
