// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Settings holds user-tunable configuration loaded from
// {dataDir}/clawflow.yaml with CLAWFLOW_* environment overrides.
type Settings struct {
	// DefaultModel is used by stages without an explicit model.
	DefaultModel string `mapstructure:"default_model"`
	// APIKey for the LLM provider. Prefer the ANTHROPIC_API_KEY env var.
	APIKey string `mapstructure:"api_key"`
	// StageTimeout bounds a single stage run.
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// MaxRetries bounds SDK retry attempts.
	MaxRetries int `mapstructure:"max_retries"`
	// ServeAddr is the listen address for the renderer surface.
	ServeAddr string `mapstructure:"serve_addr"`
}

// Load reads settings from the data directory, applying defaults and
// environment overrides. A missing settings file is not an error.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetConfigName("clawflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(GetDataDir())
	v.SetEnvPrefix("CLAWFLOW")
	v.AutomaticEnv()

	v.SetDefault("default_model", "claude-sonnet-4-5")
	v.SetDefault("stage_timeout", 15*time.Minute)
	v.SetDefault("max_retries", 3)
	v.SetDefault("serve_addr", "127.0.0.1:7419")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if s.APIKey == "" {
		s.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return &s, nil
}

// ProjectMarker is the content of {projectPath}/.clawflow/project.json.
type ProjectMarker struct {
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// WriteProjectMarker writes the per-project file marker.
func WriteProjectMarker(projectPath, name string) error {
	marker := ProjectMarker{Name: name, RegisteredAt: time.Now()}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	path := ProjectMarkerPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadProjectMarker loads the per-project marker if present.
func ReadProjectMarker(projectPath string) (*ProjectMarker, error) {
	data, err := os.ReadFile(ProjectMarkerPath(projectPath))
	if err != nil {
		return nil, err
	}
	var marker ProjectMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse project marker: %w", err)
	}
	return &marker, nil
}
