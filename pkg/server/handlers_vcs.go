// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"net/http"

	"github.com/teradata-labs/clawflow/pkg/store"
)

func (s *Server) requireVCS(w http.ResponseWriter) bool {
	if s.vcs == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "no repository open"})
		return false
	}
	return true
}

func (s *Server) vcsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/vcs/branches", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		tasks, err := s.store.ListTasks(r.Context(), false)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		statuses := make(map[int64]string, len(tasks))
		for _, t := range tasks {
			statuses[t.ID] = t.Status
		}
		branches, err := s.vcs.GetBranches(r.Context(), statuses)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, branches)
	})

	mux.HandleFunc("GET /api/vcs/local-branches", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		branches, err := s.vcs.GetLocalBranches(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, branches)
	})

	mux.HandleFunc("POST /api/vcs/base-branch", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		body, err := decode[map[string]string](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		s.vcs.SetBaseBranch(body["branch"])
		ok(w)
	})

	mux.HandleFunc("GET /api/vcs/{id}/branch", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
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
		detail, err := s.vcs.GetBranchDetail(r.Context(), id, task.Status)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})

	mux.HandleFunc("POST /api/vcs/{id}/push", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.vcs.Push(r.Context(), id); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})

	mux.HandleFunc("POST /api/vcs/{id}/merge", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
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
		result, err := s.vcs.Merge(r.Context(), id, body["target"])
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("DELETE /api/vcs/{id}/branch", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if err := s.vcs.DeleteBranch(r.Context(), id); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})

	mux.HandleFunc("POST /api/vcs/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
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
		commit, err := s.vcs.CommitAll(r.Context(), id, body["message"])
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commit)
	})

	mux.HandleFunc("GET /api/vcs/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		files, err := s.vcs.GetWorkingTreeStatus(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	})

	mux.HandleFunc("POST /api/vcs/{id}/stage-all", func(w http.ResponseWriter, r *http.Request) {
		if !s.requireVCS(w) {
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			s.writeErr(w, err)
			return
		}
		result, err := s.vcs.StageAll(r.Context(), id)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})
}

// knowledgeRoutes serves both knowledge scopes; ?scope=global targets the
// global store.
func (s *Server) knowledgeRoutes(mux *http.ServeMux) {
	scoped := func(r *http.Request) *store.Store {
		if r.URL.Query().Get("scope") == "global" && s.global != nil {
			return s.global
		}
		return s.store
	}

	mux.HandleFunc("GET /api/knowledge", func(w http.ResponseWriter, r *http.Request) {
		entries, err := scoped(r).ListKnowledge(r.Context(),
			r.URL.Query().Get("category"), r.URL.Query().Get("status"))
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("GET /api/knowledge/candidates", func(w http.ResponseWriter, r *http.Request) {
		entries, err := scoped(r).ListCandidates(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("POST /api/knowledge", func(w http.ResponseWriter, r *http.Request) {
		entry, err := decode[store.KnowledgeEntry](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		created, err := scoped(r).CreateOrUpdateKnowledge(r.Context(), &entry)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})

	mux.HandleFunc("PATCH /api/knowledge/{id}", func(w http.ResponseWriter, r *http.Request) {
		patch, err := decode[map[string]any](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		entry, err := scoped(r).UpdateKnowledge(r.Context(), r.PathValue("id"), patch)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	mux.HandleFunc("DELETE /api/knowledge/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := scoped(r).DeleteKnowledge(r.Context(), r.PathValue("id")); err != nil {
			s.writeErr(w, err)
			return
		}
		ok(w)
	})

	mux.HandleFunc("POST /api/knowledge/{id}/promote", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode[struct {
			Global bool `json:"global"`
		}](r)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		entry, err := s.store.PromoteCandidate(r.Context(), r.PathValue("id"), body.Global, s.global)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	mux.HandleFunc("POST /api/knowledge/{id}/discard", func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.store.DiscardCandidate(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})
}
