// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package vcs gives each task an isolated git worktree over the shared
// project repository, with stage-tagged commits and stage-aware rollback.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/config"
	"github.com/teradata-labs/clawflow/pkg/events"
)

const (
	// gitTimeout bounds every git subprocess.
	gitTimeout = 30 * time.Second
	// maxOutputBytes caps captured subprocess output.
	maxOutputBytes = 10 << 20
)

// Adapter runs git against a project repository and its per-task worktrees.
// Invocations are serialized per worktree directory; different worktrees
// proceed in parallel.
type Adapter struct {
	projectPath string
	bus         *events.Bus
	logger      *zap.Logger

	mu         sync.Mutex
	baseBranch string
	dirLocks   map[string]*sync.Mutex
	worktrees  map[int64]string // task id -> worktree path
	branches   map[int64]string // task id -> branch name
}

// New creates an adapter for the repository at projectPath, auto-detecting
// the base branch and recovering the task → worktree map from existing
// worktrees.
func New(projectPath string, bus *events.Bus) (*Adapter, error) {
	a := &Adapter{
		projectPath: projectPath,
		bus:         bus,
		logger:      log.With(zap.String("component", "vcs")),
		dirLocks:    make(map[string]*sync.Mutex),
		worktrees:   make(map[int64]string),
		branches:    make(map[int64]string),
	}

	base, err := a.detectBaseBranch(context.Background())
	if err != nil {
		return nil, err
	}
	a.baseBranch = base

	if err := a.recoverWorktrees(context.Background()); err != nil {
		a.logger.Warn("worktree recovery failed", zap.Error(err))
	}
	return a, nil
}

// BaseBranch returns the configured base branch.
func (a *Adapter) BaseBranch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseBranch
}

// SetBaseBranch overrides the detected base branch.
func (a *Adapter) SetBaseBranch(branch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baseBranch = branch
}

// detectBaseBranch prefers the conventional names, falling back to HEAD.
func (a *Adapter) detectBaseBranch(ctx context.Context) (string, error) {
	for _, name := range []string{"main", "master"} {
		if _, err := a.gitQuiet(ctx, a.projectPath, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
			return name, nil
		}
	}
	out, err := a.git(ctx, a.projectPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("detect base branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// recoverWorktrees rebuilds the task → worktree map by scanning existing
// worktrees under the project's worktree root.
func (a *Adapter) recoverWorktrees(ctx context.Context) error {
	out, err := a.git(ctx, a.projectPath, "worktree", "list", "--porcelain")
	if err != nil {
		return err
	}

	root := config.WorktreeRoot(a.projectPath)
	var path string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if !strings.HasPrefix(path, root) {
				continue
			}
			base := path[strings.LastIndex(path, "/")+1:]
			id, err := strconv.ParseInt(base, 10, 64)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.worktrees[id] = path
			a.branches[id] = branch
			a.mu.Unlock()
			a.logger.Debug("recovered worktree",
				zap.Int64("task_id", id), zap.String("path", path))
		}
	}
	return nil
}

// lockFor returns the serialization mutex for a directory.
func (a *Adapter) lockFor(dir string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.dirLocks[dir]
	if !ok {
		l = &sync.Mutex{}
		a.dirLocks[dir] = l
	}
	return l
}

// git runs one git command with explicit argument arrays (no shell
// expansion), the standard timeout and output cap. Failures emit a
// git:error event before propagating.
func (a *Adapter) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := a.gitQuiet(ctx, dir, args...)
	if err != nil {
		a.emit(events.KindGitError, map[string]any{
			"args":  args,
			"error": err.Error(),
		})
	}
	return out, err
}

// gitQuiet is git without the error event, for probes whose failure is an
// expected answer.
func (a *Adapter) gitQuiet(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var buf bytes.Buffer
	lw := &limitWriter{buf: &buf, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(output))
	}
	return output, nil
}

// emit publishes a VCS observability event if a bus is attached.
func (a *Adapter) emit(kind events.Kind, payload map[string]any) {
	if a.bus != nil {
		a.bus.Publish(kind, payload)
	}
}

// limitWriter drops bytes past the cap so a runaway subprocess cannot
// exhaust memory.
type limitWriter struct {
	buf       *bytes.Buffer
	remaining int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.remaining <= 0 {
		return n, nil
	}
	if n > w.remaining {
		p = p[:w.remaining]
	}
	w.buf.Write(p)
	w.remaining -= len(p)
	return n, nil
}
