// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/teradata-labs/clawflow/internal/csync"
)

// sessionEndedMessage is the denial attached to approvals left unresolved
// when their session terminates.
const sessionEndedMessage = "Session ended"

// Approval is the renderer's answer to one permission request.
type Approval struct {
	Approved bool
	Message  string
}

// activeSession tracks one run's cancel func and its unresolved approval
// requests.
type activeSession struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan Approval
	mailbox []string
	tail    []byte
}

// Registry maps session keys to in-flight runs so external callers can
// abort a session or resolve one of its approval requests.
type Registry struct {
	sessions *csync.Map[string, *activeSession]
	requests *csync.Map[string, string] // request id -> session key
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: csync.NewMap[string, *activeSession](),
		requests: csync.NewMap[string, string](),
	}
}

// Register records a run under its session key. A previous registration
// under the same key is aborted first; one run per session key.
func (r *Registry) Register(key string, cancel context.CancelFunc) {
	next := &activeSession{cancel: cancel, pending: make(map[string]chan Approval)}
	if prev, ok := r.sessions.Take(key); ok {
		r.endSession(key, prev)
	}
	r.sessions.Set(key, next)
}

// Deregister removes the run and denies any approvals still pending.
func (r *Registry) Deregister(key string) {
	if sess, ok := r.sessions.Take(key); ok {
		r.drainApprovals(key, sess)
	}
}

// AbortSession cancels an in-flight run (or its pending retry sleep) and
// denies its unresolved approvals. Returns false for an unknown key.
func (r *Registry) AbortSession(key string) bool {
	sess, ok := r.sessions.Take(key)
	if !ok {
		return false
	}
	r.endSession(key, sess)
	return true
}

// Active reports whether a run is registered under the key.
func (r *Registry) Active(key string) bool {
	_, ok := r.sessions.Get(key)
	return ok
}

// AddApproval mints a request id for a pending permission prompt and
// returns the channel its resolution arrives on. The channel is buffered;
// resolution never blocks the renderer.
func (r *Registry) AddApproval(sessionKey string) (string, <-chan Approval, bool) {
	sess, ok := r.sessions.Get(sessionKey)
	if !ok {
		return "", nil, false
	}
	requestID := uuid.NewString()
	ch := make(chan Approval, 1)

	sess.mu.Lock()
	sess.pending[requestID] = ch
	sess.mu.Unlock()
	r.requests.Set(requestID, sessionKey)
	return requestID, ch, true
}

// ResolveApproval delivers the renderer's verdict for a request id.
// Returns false when the request is unknown or already resolved.
func (r *Registry) ResolveApproval(requestID string, approved bool, message string) bool {
	sessionKey, ok := r.requests.Take(requestID)
	if !ok {
		return false
	}
	sess, ok := r.sessions.Get(sessionKey)
	if !ok {
		return false
	}

	sess.mu.Lock()
	ch, ok := sess.pending[requestID]
	delete(sess.pending, requestID)
	sess.mu.Unlock()
	if !ok {
		return false
	}
	ch <- Approval{Approved: approved, Message: message}
	return true
}

func (r *Registry) endSession(key string, sess *activeSession) {
	sess.cancel()
	r.drainApprovals(key, sess)
}

func (r *Registry) drainApprovals(key string, sess *activeSession) {
	sess.mu.Lock()
	pending := sess.pending
	sess.pending = make(map[string]chan Approval)
	sess.mu.Unlock()

	for requestID, ch := range pending {
		r.requests.Delete(requestID)
		ch <- Approval{Approved: false, Message: sessionEndedMessage}
	}
}
