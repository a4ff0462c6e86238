// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/group"
	"github.com/teradata-labs/clawflow/pkg/store"
)

func (s *Server) taskRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		includeArchived := r.URL.Query().Get("archived") == "1"
		tasks, err := s.store.ListTasks(r.Context(), includeArchived)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	})

	mux.HandleFunc("POST /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		task, err := decode[store.Task](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		created, err := s.store.CreateTask(r.Context(), &task)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("GET /api/tasks/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.store.Stats(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})

	mux.HandleFunc("POST /api/tasks/archive-done", func(w http.ResponseWriter, r *http.Request) {
		n, err := s.store.ArchiveAllDone(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"archived": n})
	})

	mux.HandleFunc("GET /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		task, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	})

	mux.HandleFunc("PATCH /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		patch, err := decode[map[string]any](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		task, err := s.store.UpdateTask(r.Context(), id, patch)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	})

	mux.HandleFunc("DELETE /api/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.taskAction(w, r, s.store.DeleteTask)
	})
	mux.HandleFunc("POST /api/tasks/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
		s.taskAction(w, r, s.store.ArchiveTask)
	})
	mux.HandleFunc("POST /api/tasks/{id}/unarchive", func(w http.ResponseWriter, r *http.Request) {
		s.taskAction(w, r, s.store.UnarchiveTask)
	})

	mux.HandleFunc("POST /api/tasks/{id}/dependencies", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		body, err := decode[struct {
			DependsOn []int64 `json:"dependsOn"`
		}](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.store.AddDependencies(r.Context(), id, body.DependsOn); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})

	mux.HandleFunc("GET /api/tasks/{id}/handoffs", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		handoffs, err := s.store.ListHandoffs(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, handoffs)
	})

	mux.HandleFunc("GET /api/tasks/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		logs, err := s.store.ListAgentLogs(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	})
}

// taskAction runs a simple id-keyed store mutation.
func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	ok(w)
}

func (s *Server) pipelineRoutes(mux *http.ServeMux) {
	// Stage runs block for the length of an agent session, so commands
	// that run stages are dispatched in the background and return 202;
	// progress arrives on the event stream.
	accept := func(w http.ResponseWriter, name string, taskID int64, fn func(ctx context.Context) error) {
		go func() {
			if err := fn(context.Background()); err != nil {
				s.logger.Warn("pipeline command failed",
					zap.String("command", name), zap.Int64("task_id", taskID), zap.Error(err))
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
	}

	pipelineCmd := func(name string, fn func(ctx context.Context, id int64, body map[string]string) error, async bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !s.requireEngine(w) {
				return
			}
			id, err := pathID(r, "id")
			if err != nil {
				s.writeErr(w, err)
				return
			}
			body, err := decode[map[string]string](r)
			if err != nil {
				s.writeErr(w, err)
				return
			}
			if async {
				accept(w, name, id, func(ctx context.Context) error {
					return fn(ctx, id, body)
				})
				return
			}
			if err := fn(r.Context(), id, body); err != nil {
				s.writeErr(w, err)
				return
			}
			ok(w)
		}
	}

	mux.HandleFunc("POST /api/pipeline/{id}/start",
		pipelineCmd("start", func(ctx context.Context, id int64, _ map[string]string) error {
			return s.engine.RunFullPipeline(ctx, id)
		}, true))
	mux.HandleFunc("POST /api/pipeline/{id}/step",
		pipelineCmd("step", func(ctx context.Context, id int64, _ map[string]string) error {
			return s.engine.StepTask(ctx, id)
		}, true))
	mux.HandleFunc("POST /api/pipeline/{id}/approve",
		pipelineCmd("approve", func(ctx context.Context, id int64, _ map[string]string) error {
			return s.engine.ApproveStage(ctx, id)
		}, true))
	mux.HandleFunc("POST /api/pipeline/{id}/reject",
		pipelineCmd("reject", func(ctx context.Context, id int64, body map[string]string) error {
			return s.engine.RejectStage(ctx, id, body["feedback"])
		}, true))
	mux.HandleFunc("POST /api/pipeline/{id}/resume",
		pipelineCmd("resume", func(ctx context.Context, id int64, _ map[string]string) error {
			return s.engine.ResumeTask(ctx, id)
		}, true))

	// Pause and restart complete promptly and report errors inline.
	mux.HandleFunc("POST /api/pipeline/{id}/pause",
		pipelineCmd("pause", func(ctx context.Context, id int64, body map[string]string) error {
			return s.engine.PauseTask(ctx, id, body["reason"])
		}, false))
	mux.HandleFunc("POST /api/pipeline/{id}/restart",
		pipelineCmd("restart", func(ctx context.Context, id int64, body map[string]string) error {
			return s.engine.RestartToStage(ctx, id, body["stage"])
		}, false))

	mux.HandleFunc("POST /api/approvals/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode[struct {
			Approved bool   `json:"approved"`
			Message  string `json:"message"`
		}](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		resolved := s.registry.ResolveApproval(r.PathValue("requestId"), body.Approved, body.Message)
		writeJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
	})
}

func (s *Server) groupRoutes(mux *http.ServeMux) {
	groupCmd := func(fn func(ctx context.Context, id int64) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !s.requireGroups(w) {
				return
			}
			id, err := pathID(r, "id")
			if err != nil {
				s.writeErr(w, err)
				return
			}
			if err := fn(r.Context(), id); err != nil {
				s.writeErr(w, err)
				return
			}
			ok(w)
		}
	}

	mux.HandleFunc("GET /api/groups", func(w http.ResponseWriter, r *http.Request) {
		groups, err := s.store.ListGroups(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, groups)
	})

	mux.HandleFunc("POST /api/groups", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireGroups(w) {
			return
		}
		proposal, err := decode[group.Proposal](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		g, err := s.groups.CreateGroup(r.Context(), proposal)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	})

	mux.HandleFunc("GET /api/groups/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireGroups(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		status, err := s.groups.GetStatus(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("POST /api/groups/{id}/launch", groupCmd(func(ctx context.Context, id int64) error {
		return s.groups.LaunchGroup(ctx, id)
	}))
	mux.HandleFunc("POST /api/groups/{id}/pause", groupCmd(func(ctx context.Context, id int64) error {
		return s.groups.PauseGroup(ctx, id, store.PauseManual)
	}))
	mux.HandleFunc("POST /api/groups/{id}/resume", groupCmd(func(ctx context.Context, id int64) error {
		return s.groups.ResumeGroup(ctx, id)
	}))
	mux.HandleFunc("DELETE /api/groups/{id}", groupCmd(func(ctx context.Context, id int64) error {
		return s.groups.DeleteGroup(ctx, id)
	}))

	mux.HandleFunc("POST /api/agents/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireGroups(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		body, err := decode[map[string]string](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.groups.MessageAgent(id, body["content"]); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})

	mux.HandleFunc("GET /api/agents/{id}/peek", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireGroups(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		out, err := s.groups.PeekAgent(id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"output": out})
	})
}

func (s *Server) projectRoutes(mux *http.ServeMux) {
	if s.global == nil {
		return
	}

	mux.HandleFunc("GET /api/projects", func(w http.ResponseWriter, r *http.Request) {
		projects, err := s.global.ListProjects(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, projects)
	})

	mux.HandleFunc("POST /api/projects", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode[struct {
			Name string `json:"name"`
			Path string `json:"path"`
		}](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		p, err := s.global.RegisterProject(r.Context(), body.Name, body.Path)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, p)
	})

	mux.HandleFunc("DELETE /api/projects/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := s.global.DeleteProject(r.Context(), r.PathValue("name")); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})
}
