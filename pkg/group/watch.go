// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package group

import (
	"context"

	"go.uber.org/zap"

	"github.com/teradata-labs/clawflow/pkg/events"
	"github.com/teradata-labs/clawflow/pkg/store"
)

// Start subscribes the orchestrator to pipeline events and relays member
// progress to the group level until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()

	sub := o.bus.Subscribe(ctx)
	go func() {
		for evt := range sub {
			o.handleEvent(ctx, evt)
		}
	}()
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.KindStageComplete, events.KindStageChange,
		events.KindStageError, events.KindStagePause:
	default:
		return
	}

	taskID, ok := payloadInt64(evt.Payload, "taskId")
	if !ok {
		return
	}
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil || task.GroupID == nil {
		return
	}
	groupID := *task.GroupID
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		return
	}

	switch evt.Kind {
	case events.KindStageComplete:
		if g.Status != store.GroupRunning {
			return
		}
		o.publish(events.KindGroupStageDone, map[string]any{
			"groupId": groupID,
			"taskId":  taskID,
			"stage":   evt.Payload["stage"],
			"summary": evt.Payload["summary"],
		})

	case events.KindStageChange:
		if action, _ := evt.Payload["action"].(string); action != "done" {
			return
		}
		if g.Status != store.GroupRunning {
			return
		}
		// A finished member may unblock dependents; completion of the last
		// member finishes the group.
		if err := o.startReady(ctx, groupID); err != nil {
			o.logger.Warn("start ready members failed",
				zap.Int64("group_id", groupID), zap.Error(err))
		}
		o.checkCompletion(ctx, groupID)

	case events.KindStageError, events.KindStagePause:
		if g.Status != store.GroupRunning {
			return
		}
		reason, _ := evt.Payload["reason"].(string)
		if reason == "" {
			reason = store.PauseManual
		}
		if err := o.PauseGroup(ctx, groupID, reason); err != nil {
			o.logger.Warn("group pause propagation failed",
				zap.Int64("group_id", groupID), zap.Error(err))
		}
	}
}

// checkCompletion finishes the group when every member is done.
func (o *Orchestrator) checkCompletion(ctx context.Context, groupID int64) {
	tasks, err := o.store.GetTasksByGroup(ctx, groupID)
	if err != nil {
		return
	}
	for _, t := range tasks {
		if t.Status != store.StatusDone {
			return
		}
	}
	if err := o.store.UpdateGroupStatus(ctx, groupID, store.GroupCompleted); err != nil {
		o.logger.Warn("group completion persist failed",
			zap.Int64("group_id", groupID), zap.Error(err))
		return
	}
	o.publish(events.KindGroupCompleted, map[string]any{
		"groupId": groupID,
		"tasks":   len(tasks),
	})
}

func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}
