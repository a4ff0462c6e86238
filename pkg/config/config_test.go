// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLAWFLOW_DATA_DIR", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", s.DefaultModel)
	assert.Equal(t, 15*time.Minute, s.StageTimeout)
	assert.Equal(t, 3, s.MaxRetries)
	assert.Equal(t, "127.0.0.1:7419", s.ServeAddr)
	assert.Empty(t, s.APIKey)
}

func TestLoadReadsSettingsFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWFLOW_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clawflow.yaml"),
		[]byte("default_model: claude-opus-4\nserve_addr: 127.0.0.1:9000\n"), 0o644))

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4", s.DefaultModel)
	assert.Equal(t, "127.0.0.1:9000", s.ServeAddr)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, s.MaxRetries)
}

func TestAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("CLAWFLOW_DATA_DIR", t.TempDir())
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", s.APIKey)
}

func TestProjectMarkerRoundtrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteProjectMarker(dir, "webapp"))

	marker, err := ReadProjectMarker(dir)
	require.NoError(t, err)
	assert.Equal(t, "webapp", marker.Name)
	assert.WithinDuration(t, time.Now(), marker.RegisteredAt, time.Minute)

	_, err = ReadProjectMarker(t.TempDir())
	require.Error(t, err)
}

func TestDataDirLayout(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWFLOW_DATA_DIR", dir)

	assert.Equal(t, dir, GetDataDir())
	assert.Equal(t, filepath.Join(dir, "clawflow.db"), GlobalDBPath())
	assert.Equal(t, filepath.Join(dir, "dbs", "webapp.db"), ProjectDBPath("webapp"))

	project := "/repo/webapp"
	assert.Equal(t, filepath.Join(project, ".clawflow", "project.json"), ProjectMarkerPath(project))
	assert.Equal(t, filepath.Join(project, ".clawflow", "worktrees", "7"), WorktreePath(project, 7))
}
