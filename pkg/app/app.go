// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package app wires the core services for one open project: stores, the
// event bus, the VCS adapter, the SDK runner, the pipeline engine, and
// the group orchestrator.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/internal/log"
	"github.com/teradata-labs/clawflow/pkg/config"
	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/group"
	"github.com/teradata-labs/clawflow/pkg/pipeline"
	"github.com/teradata-labs/clawflow/pkg/prompts"
	"github.com/teradata-labs/clawflow/pkg/runner"
	"github.com/teradata-labs/clawflow/pkg/store"
	"github.com/teradata-labs/clawflow/pkg/vcs"
)

// agentLogRetention is how long audit rows are kept before pruning.
const agentLogRetention = 30 * 24 * time.Hour

// App is the assembled core for one open project.
type App struct {
	Settings    *config.Settings
	Global      *store.Store
	Project     *store.Store
	ProjectName string
	ProjectPath string

	Bus    *events.Bus
	VCS    *vcs.Adapter
	Runner *runner.Runner
	Engine *pipeline.Engine
	Groups *group.Orchestrator

	cron   *cron.Cron
	logger *zap.Logger
}

// Open assembles the app for a registered project. The agent side (runner,
// engine, orchestrator) needs an API key; without one only the store and
// VCS surfaces are usable and Engine stays nil.
func Open(ctx context.Context, projectName, projectPath string) (*App, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}

	global, err := store.OpenGlobal(config.GlobalDBPath())
	if err != nil {
		return nil, fmt.Errorf("open global store: %w", err)
	}
	project, err := store.OpenProject(config.ProjectDBPath(projectName))
	if err != nil {
		global.Close()
		return nil, fmt.Errorf("open project store: %w", err)
	}
	if _, err := global.OpenProjectEntry(ctx, projectName); err != nil {
		log.With().Warn("project registry touch failed",
			zap.String("project", projectName), zap.Error(err))
	}

	bus := events.NewBus()
	adapter, err := vcs.New(projectPath, bus)
	if err != nil {
		project.Close()
		global.Close()
		return nil, fmt.Errorf("open repository: %w", err)
	}

	a := &App{
		Settings:    settings,
		Global:      global,
		Project:     project,
		ProjectName: projectName,
		ProjectPath: projectPath,
		Bus:         bus,
		logger:      log.With(zap.String("component", "app")),
	}

	if settings.APIKey != "" {
		provider, err := runner.NewAnthropicProvider(settings.APIKey, settings.DefaultModel)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Runner = runner.New(provider, runner.NewRegistry(), bus)
		a.Engine = pipeline.New(pipeline.Options{
			Store:        project,
			VCS:          adapter,
			Runner:       a.Runner,
			Resolver:     a.skillResolver(),
			Bus:          bus,
			DefaultModel: settings.DefaultModel,
			StageTimeout: settings.StageTimeout,
		})
		a.Groups = group.New(project, a.Engine, a.Runner.Registry(), bus)
	} else {
		a.logger.Warn("no api key configured, pipeline operations disabled")
	}
	a.VCS = adapter

	return a, nil
}

// Start launches the background pieces: group event propagation and the
// maintenance schedule. Safe to skip for one-shot CLI commands.
func (a *App) Start(ctx context.Context) {
	if a.Groups != nil {
		a.Groups.Start(ctx)
	}
	a.startMaintenance(ctx)
}

// startMaintenance schedules periodic housekeeping: sweeping branch
// state hourly and pruning old audit rows daily.
func (a *App) startMaintenance(ctx context.Context) {
	a.cron = cron.New()

	if _, err := a.cron.AddFunc("@hourly", func() {
		a.sweepBranches(ctx)
	}); err != nil {
		a.logger.Warn("schedule branch sweep failed", zap.Error(err))
	}

	if _, err := a.cron.AddFunc("@daily", func() {
		pruned, err := a.Project.PruneAgentLogs(ctx, time.Now().Add(-agentLogRetention))
		if err != nil {
			a.logger.Warn("agent log prune failed", zap.Error(err))
			return
		}
		if pruned > 0 {
			a.logger.Info("pruned agent logs", zap.Int64("rows", pruned))
		}
	}); err != nil {
		a.logger.Warn("schedule log prune failed", zap.Error(err))
	}

	a.cron.Start()
}

// sweepBranches logs task branches whose work finished but whose branch
// still exists, so the user can merge or delete them.
func (a *App) sweepBranches(ctx context.Context) {
	tasks, err := a.Project.ListTasks(ctx, false)
	if err != nil {
		a.logger.Warn("branch sweep task list failed", zap.Error(err))
		return
	}
	statuses := make(map[int64]string, len(tasks))
	for _, t := range tasks {
		if t.BranchName != nil {
			statuses[t.ID] = t.Status
		}
	}
	branches, err := a.VCS.GetBranches(ctx, statuses)
	if err != nil {
		a.logger.Warn("branch sweep failed", zap.Error(err))
		return
	}
	for _, b := range branches {
		if b.Status == vcs.BranchStale || b.Status == vcs.BranchMerged {
			a.logger.Info("branch ready for cleanup",
				zap.Int64("task_id", b.TaskID),
				zap.String("branch", b.Branch),
				zap.String("state", b.Status))
		}
	}
}

func (a *App) skillResolver() *prompts.Resolver {
	return &prompts.Resolver{
		ProjectDir: filepath.Join(a.ProjectPath, ".clawflow", "skills"),
		GlobalDir:  filepath.Join(config.GetDataDir(), "skills"),
	}
}

// Close stops maintenance and releases both stores.
func (a *App) Close() error {
	if a.cron != nil {
		a.cron.Stop()
	}
	var firstErr error
	if a.Project != nil {
		if err := a.Project.Close(); err != nil {
			firstErr = err
		}
	}
	if a.Global != nil {
		if err := a.Global.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
