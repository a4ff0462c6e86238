// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config resolves the persisted state layout and user settings.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// GetDataDir returns the ClawFlow data directory.
//
// Priority:
//  1. CLAWFLOW_DATA_DIR environment variable (if set and non-empty)
//  2. ~/.clawflow (default)
//
// The returned path is always absolute. Tilde (~) is expanded to the user's
// home directory; relative paths are made absolute against the working
// directory. This is read directly from the environment rather than viper
// because it locates the settings file itself.
func GetDataDir() string {
	if dataDir := os.Getenv("CLAWFLOW_DATA_DIR"); dataDir != "" {
		return expandPath(dataDir)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".clawflow"
	}
	return filepath.Join(homeDir, ".clawflow")
}

// GlobalDBPath returns the path of the global database (projects registry,
// global settings, global knowledge).
func GlobalDBPath() string {
	return filepath.Join(GetDataDir(), "clawflow.db")
}

// ProjectDBPath returns the path of a project-scoped database.
func ProjectDBPath(projectName string) string {
	return filepath.Join(GetDataDir(), "dbs", projectName+".db")
}

// ProjectMarkerPath returns the path of the per-project file marker.
func ProjectMarkerPath(projectPath string) string {
	return filepath.Join(projectPath, ".clawflow", "project.json")
}

// WorktreeRoot returns the directory that holds per-task worktrees for a
// project.
func WorktreeRoot(projectPath string) string {
	return filepath.Join(projectPath, ".clawflow", "worktrees")
}

// WorktreePath returns the worktree directory for one task.
func WorktreePath(projectPath string, taskID int64) string {
	return filepath.Join(WorktreeRoot(projectPath), strconv.FormatInt(taskID, 10))
}

// ArtifactDir returns the directory for workshop artifacts.
func ArtifactDir(projectPath string) string {
	return filepath.Join(projectPath, "docs", "workshop")
}

// expandPath expands ~ and makes the path absolute.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
		}
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}
