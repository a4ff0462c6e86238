// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return string(out)
}

// initRepo creates a repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitCmd(t, dir, "init", "-b", "main")
	gitCmd(t, dir, "config", "user.email", "test@example.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	gitCmd(t, dir, "add", "-A")
	gitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-auth-bug", slugify("Fix Auth Bug"))
	assert.Equal(t, "hello-world", slugify("  Hello,  World!  "))
	assert.Equal(t, "caf-menu", slugify("Café Menu"))
	assert.LessOrEqual(t, len(slugify(strings.Repeat("abc ", 30))), 40)
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "task/7-fix-auth-bug", BranchName(7, "Fix Auth Bug"))
}

func TestStageCommitMessage(t *testing.T) {
	assert.Equal(t, "task/3: complete implement stage", StageCommitMessage(3, "implement"))
}

func TestCreateWorktreeIdempotent(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)
	assert.Equal(t, "main", a.BaseBranch())

	ctx := context.Background()
	path, branch, err := a.CreateWorktree(ctx, 1, "First Task")
	require.NoError(t, err)
	assert.Equal(t, "task/1-first-task", branch)
	assert.DirExists(t, path)

	again, branch2, err := a.CreateWorktree(ctx, 1, "First Task")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, branch, branch2)
}

func TestStageCommitAndCleanTree(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 2, "Commit Test")
	require.NoError(t, err)

	// Clean tree commits nothing.
	commit, err := a.StageCommit(ctx, 2, "plan")
	require.NoError(t, err)
	assert.Nil(t, commit)

	require.NoError(t, os.WriteFile(filepath.Join(path, "plan.md"), []byte("the plan\n"), 0o644))
	commit, err = a.StageCommit(ctx, 2, "plan")
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "task/2: complete plan stage", commit.Message)
	assert.Len(t, commit.Hash, 40)
}

func TestStashAndReset(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 3, "Reset Test")
	require.NoError(t, err)

	// Clean tree: nothing stashed.
	stashed, err := a.StashAndReset(ctx, 3)
	require.NoError(t, err)
	assert.False(t, stashed)

	require.NoError(t, os.WriteFile(filepath.Join(path, "wip.txt"), []byte("wip\n"), 0o644))
	stashed, err = a.StashAndReset(ctx, 3)
	require.NoError(t, err)
	assert.True(t, stashed)
	assert.NoFileExists(t, filepath.Join(path, "wip.txt"))
}

func TestResetToStageCommit(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 4, "Rollback Test")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "plan.md"), []byte("plan\n"), 0o644))
	planCommit, err := a.StageCommit(ctx, 4, "plan")
	require.NoError(t, err)
	require.NotNil(t, planCommit)

	require.NoError(t, os.WriteFile(filepath.Join(path, "impl.go"), []byte("package impl\n"), 0o644))
	implCommit, err := a.StageCommit(ctx, 4, "implement")
	require.NoError(t, err)
	require.NotNil(t, implCommit)

	require.NoError(t, a.ResetToStageCommit(ctx, 4, "plan"))
	assert.FileExists(t, filepath.Join(path, "plan.md"))
	assert.NoFileExists(t, filepath.Join(path, "impl.go"))

	head := strings.TrimSpace(gitCmd(t, path, "rev-parse", "HEAD"))
	assert.Equal(t, planCommit.Hash, head)
}

func TestMergeHappyPath(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 5, "Merge Test")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "feature.txt"), []byte("feature\n"), 0o644))
	_, err = a.CommitAll(ctx, 5, "add feature")
	require.NoError(t, err)

	result, err := a.Merge(ctx, 5, "")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Conflicts)
	assert.FileExists(t, filepath.Join(repo, "feature.txt"))
}

func TestMergeConflictAborts(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 6, "Conflict Test")
	require.NoError(t, err)

	// Diverge the same file on both branches.
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("branch side\n"), 0o644))
	_, err = a.CommitAll(ctx, 6, "branch change")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("main side\n"), 0o644))
	gitCmd(t, repo, "add", "README.md")
	gitCmd(t, repo, "commit", "-m", "main change")

	result, err := a.Merge(ctx, 6, "")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.Conflicts)

	// Merge was aborted: main keeps its own content.
	data, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "main side\n", string(data))
}

func TestPushNoRemote(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = a.CreateWorktree(ctx, 7, "Push Test")
	require.NoError(t, err)

	err = a.Push(ctx, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRemote)
}

func TestDeleteBranch(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, branch, err := a.CreateWorktree(ctx, 8, "Delete Test")
	require.NoError(t, err)

	require.NoError(t, a.DeleteBranch(ctx, 8))
	assert.NoDirExists(t, path)

	_, err = a.gitQuiet(ctx, repo, "rev-parse", "--verify", "refs/heads/"+branch)
	assert.Error(t, err)

	_, ok := a.WorktreePath(8)
	assert.False(t, ok)
}

func TestRecoverWorktrees(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, branch, err := a.CreateWorktree(ctx, 9, "Recovery Test")
	require.NoError(t, err)

	// A fresh adapter over the same repo rediscovers the mapping.
	b, err := New(repo, nil)
	require.NoError(t, err)
	got, ok := b.WorktreePath(9)
	assert.True(t, ok)
	assert.Equal(t, path, got)

	dir, gotBranch, err := b.worktreeFor(9)
	require.NoError(t, err)
	assert.Equal(t, path, dir)
	assert.Equal(t, branch, gotBranch)
}

func TestWorkingTreeStatusAndStageAll(t *testing.T) {
	repo := initRepo(t)
	a, err := New(repo, nil)
	require.NoError(t, err)

	ctx := context.Background()
	path, _, err := a.CreateWorktree(ctx, 10, "Status Test")
	require.NoError(t, err)

	files, err := a.GetWorkingTreeStatus(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("x\n"), 0o644))
	files, err = a.GetWorkingTreeStatus(ctx, 10)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "new.txt", files[0].Path)
	assert.Equal(t, "??", files[0].Status)

	result, err := a.StageAll(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Staged)
	assert.Empty(t, result.Errors)
}
