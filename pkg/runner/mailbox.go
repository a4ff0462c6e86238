// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package runner

// tailCap bounds the per-session output snapshot kept for PeekOutput.
const tailCap = 8 * 1024

// PostMessage queues a message for injection into the session's next turn.
// Returns false when no run is registered under the key.
func (r *Registry) PostMessage(key, content string) bool {
	sess, ok := r.sessions.Get(key)
	if !ok {
		return false
	}
	sess.mu.Lock()
	sess.mailbox = append(sess.mailbox, content)
	sess.mu.Unlock()
	return true
}

// TakeMessages drains the session's queued messages. The provider calls
// this before each turn.
func (r *Registry) TakeMessages(key string) []string {
	sess, ok := r.sessions.Get(key)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	msgs := sess.mailbox
	sess.mailbox = nil
	sess.mu.Unlock()
	return msgs
}

// RecordOutput appends streamed text to the session's bounded tail buffer.
func (r *Registry) RecordOutput(key, text string) {
	sess, ok := r.sessions.Get(key)
	if !ok {
		return
	}
	sess.mu.Lock()
	sess.tail = append(sess.tail, text...)
	if over := len(sess.tail) - tailCap; over > 0 {
		sess.tail = append(sess.tail[:0], sess.tail[over:]...)
	}
	sess.mu.Unlock()
}

// PeekOutput returns a snapshot of the session's recent streamed output.
// Returns false when no run is registered under the key.
func (r *Registry) PeekOutput(key string) (string, bool) {
	sess, ok := r.sessions.Get(key)
	if !ok {
		return "", false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return string(sess.tail), true
}
