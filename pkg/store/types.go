// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import "time"

// Task status values. Status and CurrentAgent are co-updated: CurrentAgent is
// null iff status is backlog or done.
const (
	StatusBacklog       = "backlog"
	StatusBrainstorming = "brainstorming"
	StatusDesignReview  = "design_review"
	StatusPlanning      = "planning"
	StatusImplementing  = "implementing"
	StatusCodeReview    = "code_review"
	StatusVerifying     = "verifying"
	StatusDone          = "done"
	StatusBlocked       = "blocked"
	StatusPaused        = "paused"
)

// Task tiers select the stage sequence.
const (
	TierL1 = "L1"
	TierL2 = "L2"
	TierL3 = "L3"
)

// Task priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Pause reasons.
const (
	PauseManual        = "manual"
	PauseUsageLimit    = "usage_limit"
	PauseMergeConflict = "merge_conflict"
)

// Group status values.
const (
	GroupPlanning  = "planning"
	GroupQueued    = "queued"
	GroupRunning   = "running"
	GroupPaused    = "paused"
	GroupCompleted = "completed"
)

// Handoff status values.
const (
	HandoffCompleted         = "completed"
	HandoffBlocked           = "blocked"
	HandoffNeedsIntervention = "needs_intervention"
)

// Knowledge lifecycle and classification values.
const (
	KnowledgeCandidate = "candidate"
	KnowledgeActive    = "active"
	KnowledgeArchived  = "archived"

	CategoryBusinessRule  = "business_rule"
	CategoryArchitecture  = "architecture"
	CategoryAPIQuirk      = "api_quirk"
	CategoryLessonLearned = "lesson_learned"
	CategoryConvention    = "convention"

	SourceWorkshop = "workshop"
	SourcePipeline = "pipeline"
	SourceManual   = "manual"
	SourceFDRL     = "fdrl"
)

// FileAssignment is one entry in a work order.
type FileAssignment struct {
	Path   string `json:"path"`
	Action string `json:"action"` // create | modify
	Notes  string `json:"notes,omitempty"`
}

// WorkOrder carries the per-task slice of a grouped feature.
type WorkOrder struct {
	Objective        string           `json:"objective"`
	Files            []FileAssignment `json:"files,omitempty"`
	Patterns         []string         `json:"patterns,omitempty"`
	IntegrationNotes string           `json:"integrationNotes,omitempty"`
	Constraints      []string         `json:"constraints,omitempty"`
	Tests            []string         `json:"tests,omitempty"`
}

// Task is one unit of work flowing through the pipeline.
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Tier        string `json:"tier"`
	Priority    string `json:"priority"`

	Status       string  `json:"status"`
	CurrentAgent *string `json:"currentAgent"`
	AutoMode     bool    `json:"autoMode"`
	AutoMerge    bool    `json:"autoMerge"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
	ArchivedAt  *time.Time `json:"archivedAt"`

	BrainstormOutput    *string  `json:"brainstormOutput"`
	DesignReview        *string  `json:"designReview"`
	Plan                *string  `json:"plan"`
	ImplementationNotes *string  `json:"implementationNotes"`
	ReviewComments      *string  `json:"reviewComments"`
	ReviewScore         *float64 `json:"reviewScore"`
	TestResults         *string  `json:"testResults"`
	VerifyResult        *string  `json:"verifyResult"`
	CommitHash          *string  `json:"commitHash"`

	PlanReviewCount int `json:"planReviewCount"`
	ImplReviewCount int `json:"implReviewCount"`

	PausedFromStatus *string `json:"pausedFromStatus"`
	PauseReason      *string `json:"pauseReason"`

	BranchName   *string `json:"branchName"`
	WorktreePath *string `json:"worktreePath"`

	GroupID       *int64     `json:"groupId"`
	WorkOrder     *WorkOrder `json:"workOrder,omitempty"`
	AssignedSkill *string    `json:"assignedSkill"`

	ActiveSessionID *string `json:"activeSessionId"`
	ContextTokens   int     `json:"contextTokens"`
	ContextMax      int     `json:"contextMax"`
	Todos           *string `json:"todos"` // JSON array patched by the runner
	RichHandoff     *string `json:"richHandoff"`
}

// TaskGroup is a set of tasks implementing one feature.
type TaskGroup struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	SessionID     *string    `json:"sessionId"`
	Status        string     `json:"status"`
	SharedContext *string    `json:"sharedContext"`
	DesignDocID   *string    `json:"designDocId"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt"`
}

// Handoff is one stage's structured output passed to the next.
type Handoff struct {
	ID             int64     `json:"id"`
	TaskID         int64     `json:"taskId"`
	Stage          string    `json:"stage"`
	Agent          string    `json:"agent"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	Summary        string    `json:"summary"`
	KeyDecisions   string    `json:"keyDecisions"`
	OpenQuestions  string    `json:"openQuestions"`
	FilesModified  string    `json:"filesModified"`
	NextStageNeeds string    `json:"nextStageNeeds"`
	Warnings       string    `json:"warnings"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AgentLogEntry is an immutable audit record.
type AgentLogEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"taskId"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// KnowledgeEntry is a fact produced by agents for reuse.
type KnowledgeEntry struct {
	ID            string    `json:"id"`
	Key           string    `json:"key"`
	Summary       string    `json:"summary"`
	Content       string    `json:"content"`
	Category      string    `json:"category"`
	Tags          []string  `json:"tags"`
	Source        string    `json:"source"`
	SourceID      *string   `json:"sourceId"`
	Status        string    `json:"status"`
	TokenEstimate int       `json:"tokenEstimate"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Project is a registered repository in the global store.
type Project struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	Path         string     `json:"path"`
	RegisteredAt time.Time  `json:"registeredAt"`
	LastOpenedAt *time.Time `json:"lastOpenedAt"`
}

// TaskStats is the aggregate returned by Stats.
type TaskStats struct {
	Backlog             int     `json:"backlog"`
	InProgress          int     `json:"inProgress"`
	Done                int     `json:"done"`
	Blocked             int     `json:"blocked"`
	CompletionRate      float64 `json:"completionRate"`
	AvgReviewScore      float64 `json:"avgReviewScore"`
	CircuitBreakerTrips int     `json:"circuitBreakerTrips"`
}
