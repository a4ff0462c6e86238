// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package server exposes the command surface and the streaming event
// protocol to renderers over HTTP. Commands are synchronous JSON
// request/response; events flow on a server-sent-events stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/group"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
	"github.com/teradata-labs/clawflow/pkg/vcs"
)

// eventStream is the SSE stream id renderers subscribe to.
const eventStream = "events"

// PipelineAPI is the engine surface the server exposes. Satisfied by
// *pipeline.Engine and by stubs in tests.
type PipelineAPI interface {
	StartTask(ctx context.Context, taskID int64) error
	StepTask(ctx context.Context, taskID int64) error
	RunFullPipeline(ctx context.Context, taskID int64) error
	ApproveStage(ctx context.Context, taskID int64) error
	RejectStage(ctx context.Context, taskID int64, feedback string) error
	PauseTask(ctx context.Context, taskID int64, reason string) error
	ResumeTask(ctx context.Context, taskID int64) error
	RestartToStage(ctx context.Context, taskID int64, stage string) error
}

// GroupAPI is the orchestrator surface the server exposes.
type GroupAPI interface {
	CreateGroup(ctx context.Context, p group.Proposal) (*store.TaskGroup, error)
	LaunchGroup(ctx context.Context, groupID int64) error
	PauseGroup(ctx context.Context, groupID int64, reason string) error
	ResumeGroup(ctx context.Context, groupID int64) error
	DeleteGroup(ctx context.Context, groupID int64) error
	GetStatus(ctx context.Context, groupID int64) (*group.Status, error)
	MessageAgent(taskID int64, content string) error
	PeekAgent(taskID int64) (string, error)
}

// Options wires a server.
type Options struct {
	Addr     string
	Store    *store.Store
	Global   *store.Store
	Engine   PipelineAPI
	Groups   GroupAPI
	VCS      *vcs.Adapter
	Registry *runner.Registry
	Bus      *events.Bus
}

// Server is the renderer-facing HTTP surface.
type Server struct {
	store    *store.Store
	global   *store.Store
	engine   PipelineAPI
	groups   GroupAPI
	vcs      *vcs.Adapter
	registry *runner.Registry
	bus      *events.Bus
	logger   *zap.Logger

	sse  *sse.Server
	http *http.Server
}

func New(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		global:   opts.Global,
		engine:   opts.Engine,
		groups:   opts.Groups,
		vcs:      opts.VCS,
		registry: opts.Registry,
		bus:      opts.Bus,
		logger:   log.With(zap.String("component", "server")),
		sse:      sse.New(),
	}
	s.sse.AutoReplay = false
	s.sse.CreateStream(eventStream)

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve bridges the event bus onto the SSE stream and blocks serving
// HTTP until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go s.forwardEvents(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.logger.Info("serving", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler exposes the routed handler, used by tests with httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// forwardEvents republishes every bus event as an SSE message.
func (s *Server) forwardEvents(ctx context.Context) {
	for evt := range s.bus.Subscribe(ctx) {
		data, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		s.sse.Publish(eventStream, &sse.Event{
			Event: []byte(evt.Kind),
			Data:  data,
		})
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		// The SSE library multiplexes on a stream query parameter; there
		// is exactly one stream.
		q := r.URL.Query()
		q.Set("stream", eventStream)
		r.URL.RawQuery = q.Encode()
		s.sse.ServeHTTP(w, r)
	})

	s.taskRoutes(mux)
	s.pipelineRoutes(mux)
	s.groupRoutes(mux)
	s.vcsRoutes(mux)
	s.knowledgeRoutes(mux)
	s.projectRoutes(mux)

	return mux
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps store sentinel errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// pathID parses the {id} segment of a route.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", store.ErrValidation, name)
	}
	return id, nil
}

// decode parses a JSON request body.
func decode[T any](r *http.Request) (T, error) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	return v, nil
}

// ok is the empty success response.
func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// requireEngine guards pipeline routes when no API key is configured.
func (s *Server) requireEngine(w http.ResponseWriter) bool {
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "pipeline unavailable: no API key configured"})
		return false
	}
	return true
}

// requireGroups guards orchestration routes the same way.
func (s *Server) requireGroups(w http.ResponseWriter) bool {
	if s.groups == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "pipeline unavailable: no API key configured"})
		return false
	}
	return true
}
