// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package pipeline drives tasks through their tier's stage sequence:
// prompt composition, SDK runs, handoff dispatch, approval gates, the
// rejection circuit breaker, and stage-aware restart.
package pipeline

import (
	"github.com/teradata-labs/clawflow/pkg/store"
)

// Stage names, in the order they can occur.
const (
	StageBrainstorm   = "brainstorm"
	StageDesignReview = "design_review"
	StagePlan         = "plan"
	StageImplement    = "implement"
	StageCodeReview   = "code_review"
	StageVerify       = "verify"
)

// tierSequences maps a task tier to its stage sequence. "done" is the
// terminal state after the last stage, not a stage itself.
var tierSequences = map[string][]string{
	store.TierL1: {StagePlan, StageImplement},
	store.TierL2: {StageBrainstorm, StagePlan, StageImplement, StageVerify},
	store.TierL3: {StageBrainstorm, StageDesignReview, StagePlan, StageImplement, StageCodeReview, StageVerify},
}

// StageConfig is the static per-stage configuration.
type StageConfig struct {
	Model    string // empty uses the engine default
	MaxTurns int
	// Pauses marks stages that wait for human approval before the
	// pipeline advances past them (unless the task runs in auto mode).
	Pauses bool
	Skill  string
}

var stageConfigs = map[string]StageConfig{
	StageBrainstorm:   {MaxTurns: 15, Skill: "brainstorm"},
	StageDesignReview: {MaxTurns: 15, Pauses: true, Skill: "design-review"},
	StagePlan:         {MaxTurns: 20, Pauses: true, Skill: "plan"},
	StageImplement:    {MaxTurns: 50, Skill: "implement"},
	StageCodeReview:   {MaxTurns: 20, Pauses: true, Skill: "code-review"},
	StageVerify:       {MaxTurns: 30, Pauses: true, Skill: "verify"},
}

// stageStatus translates the stage a task is at into its external status.
var stageStatus = map[string]string{
	StageBrainstorm:   store.StatusBrainstorming,
	StageDesignReview: store.StatusDesignReview,
	StagePlan:         store.StatusPlanning,
	StageImplement:    store.StatusImplementing,
	StageCodeReview:   store.StatusCodeReview,
	StageVerify:       store.StatusVerifying,
}

// stageClearFields names the task fields each stage owns. Restart clears
// these for every stage at or after the target; counter fields reset to
// 0, everything else to null. planReviewCount sits under plan, the last
// stage that increments it, so restarting any plan-phase stage resets it.
var stageClearFields = map[string][]string{
	StageBrainstorm:   {"brainstormOutput"},
	StageDesignReview: {"designReview"},
	StagePlan:         {"plan", "planReviewCount"},
	StageImplement:    {"implementationNotes", "implReviewCount"},
	StageCodeReview:   {"reviewComments", "reviewScore"},
	StageVerify:       {"verifyResult", "testResults"},
}

// counterFields reset to 0 on restart instead of null.
var counterFields = map[string]bool{
	"planReviewCount": true,
	"implReviewCount": true,
}

// planStages increment planReviewCount on rejection; the rest increment
// implReviewCount.
var planStages = map[string]bool{
	StageBrainstorm:   true,
	StageDesignReview: true,
	StagePlan:         true,
}

// circuitBreakerLimit is the rejection count that blocks a task.
const circuitBreakerLimit = 3

// sequenceFor returns the tier's stage sequence, defaulting to L2.
func sequenceFor(tier string) []string {
	if seq, ok := tierSequences[tier]; ok {
		return seq
	}
	return tierSequences[store.TierL2]
}

// stageIndex locates a stage in the sequence, -1 if absent.
func stageIndex(seq []string, stage string) int {
	for i, s := range seq {
		if s == stage {
			return i
		}
	}
	return -1
}

// nextStage returns the stage after current, or "" at the end of the
// sequence.
func nextStage(tier, current string) string {
	seq := sequenceFor(tier)
	i := stageIndex(seq, current)
	if i < 0 || i+1 >= len(seq) {
		return ""
	}
	return seq[i+1]
}

// breakerTripped reports whether either rejection counter has reached the
// circuit breaker limit.
func breakerTripped(t *store.Task) bool {
	return t.PlanReviewCount >= circuitBreakerLimit || t.ImplReviewCount >= circuitBreakerLimit
}

// canTransition checks the circuit breaker and stage-local preconditions
// before a task advances to next.
func canTransition(t *store.Task, next string) bool {
	if breakerTripped(t) {
		return false
	}
	_, known := stageConfigs[next]
	return known
}
