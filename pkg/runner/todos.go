// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/events"
)

// todoDebounce coalesces rapid-fire todo tool calls into one task patch.
const todoDebounce = 500 * time.Millisecond

// todoDebouncer batches todo updates from the stream and persists the
// latest snapshot after a quiet period. flush on session end writes any
// pending snapshot immediately.
type todoDebouncer struct {
	ctx    context.Context
	params Params
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending []any
	dirty   bool
}

func newTodoDebouncer(ctx context.Context, p Params, bus *events.Bus, logger *zap.Logger) *todoDebouncer {
	return &todoDebouncer{ctx: ctx, params: p, bus: bus, logger: logger}
}

// update records the latest todo list from a tool-use block and arms the
// debounce timer.
func (d *todoDebouncer) update(input map[string]any) {
	todos := extractTodos(input)
	if todos == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = todos
	d.dirty = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(todoDebounce, d.flush)
}

// flush persists the pending snapshot, if any. Safe to call repeatedly.
func (d *todoDebouncer) flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	todos := d.pending
	d.dirty = false
	d.mu.Unlock()

	data, err := json.Marshal(todos)
	if err != nil {
		d.logger.Warn("todos marshal failed", zap.Error(err))
		return
	}

	if d.params.Store != nil {
		if _, err := d.params.Store.UpdateTask(d.ctx, d.params.TaskID, map[string]any{
			"todos": string(data),
		}); err != nil {
			d.logger.Warn("todos persist failed",
				zap.Int64("task_id", d.params.TaskID), zap.Error(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(events.KindTodosUpdated, map[string]any{
			"taskId": d.params.TaskID,
			"todos":  todos,
		})
	}
}

// extractTodos pulls the todo list out of the known tool input shapes:
// TodoWrite carries {"todos": [...]}, TaskCreate/TaskUpdate carry a single
// item at the top level.
func extractTodos(input map[string]any) []any {
	if raw, ok := input["todos"].([]any); ok {
		return raw
	}
	if _, ok := input["content"]; ok {
		return []any{input}
	}
	if _, ok := input["subject"]; ok {
		return []any{input}
	}
	return nil
}
