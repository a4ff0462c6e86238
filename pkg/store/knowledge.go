// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

var (
	tokenEncoder     *tiktoken.Tiktoken
	tokenEncoderOnce sync.Once
)

// estimateTokens counts tokens with the cl100k_base encoding, falling back
// to the len/4 heuristic when the encoding is unavailable (offline first
// run).
func estimateTokens(text string) int {
	tokenEncoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenEncoder = enc
		}
	})
	if tokenEncoder != nil {
		return len(tokenEncoder.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CreateKnowledge inserts a new knowledge entry, generating its id and token
// estimate.
func (s *Store) CreateKnowledge(ctx context.Context, e *KnowledgeEntry) (*KnowledgeEntry, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("%w: knowledge key is required", ErrValidation)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = KnowledgeCandidate
	}
	if e.Category == "" {
		e.Category = CategoryConvention
	}
	if e.Source == "" {
		e.Source = SourceManual
	}
	if e.TokenEstimate == 0 {
		e.TokenEstimate = estimateTokens(e.Summary + "\n" + e.Content)
	}
	tags, err := json.Marshal(emptyIfNil(e.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, key, summary, content, category, tags, source, source_id, status, token_estimate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.knowledgeTable),
		e.ID, e.Key, e.Summary, e.Content, e.Category, string(tags),
		e.Source, nullString(e.SourceID), e.Status, e.TokenEstimate)
	if err != nil {
		return nil, fmt.Errorf("create knowledge %s: %w", e.Key, err)
	}
	return s.getKnowledgeLocked(ctx, e.ID)
}

// CreateOrUpdateKnowledge upserts by (key, status). Calling it N times with
// the same key and status yields exactly one row; the id is stable across
// updates.
func (s *Store) CreateOrUpdateKnowledge(ctx context.Context, e *KnowledgeEntry) (*KnowledgeEntry, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("%w: knowledge key is required", ErrValidation)
	}
	if e.Status == "" {
		e.Status = KnowledgeCandidate
	}

	s.mu.Lock()
	existing, err := s.getKnowledgeByKeyStatusLocked(ctx, e.Key, e.Status)
	s.mu.Unlock()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing == nil {
		return s.CreateKnowledge(ctx, e)
	}

	patch := map[string]any{
		"summary":  e.Summary,
		"content":  e.Content,
		"category": e.Category,
	}
	if len(e.Tags) > 0 {
		patch["tags"] = e.Tags
	}
	if e.Source != "" {
		patch["source"] = e.Source
	}
	if e.SourceID != nil {
		patch["sourceId"] = *e.SourceID
	}
	return s.UpdateKnowledge(ctx, existing.ID, patch)
}

// GetKnowledge loads an entry by id.
func (s *Store) GetKnowledge(ctx context.Context, id string) (*KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getKnowledgeLocked(ctx, id)
}

// GetKnowledgeByKey returns the active entry with the given key.
func (s *Store) GetKnowledgeByKey(ctx context.Context, key string) (*KnowledgeEntry, error) {
	return s.GetKnowledgeByKeyStatus(ctx, key, KnowledgeActive)
}

// GetKnowledgeByKeyStatus returns the entry with the given key and status.
func (s *Store) GetKnowledgeByKeyStatus(ctx context.Context, key, status string) (*KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getKnowledgeByKeyStatusLocked(ctx, key, status)
}

// ListKnowledge lists entries, optionally filtered by category and/or
// status. Corrupt tags JSON reads as an empty list, never an error.
func (s *Store) ListKnowledge(ctx context.Context, category, status string) ([]*KnowledgeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if category != "" {
		where = append(where, "category = ?")
		args = append(args, category)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, key, summary, content, category, tags, source, source_id, status,
			token_estimate, created_at, updated_at
		FROM %s %s ORDER BY key ASC, status ASC`, s.knowledgeTable, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	var entries []*KnowledgeEntry
	for rows.Next() {
		e, err := scanKnowledge(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListCandidates returns entries awaiting promotion.
func (s *Store) ListCandidates(ctx context.Context) ([]*KnowledgeEntry, error) {
	return s.ListKnowledge(ctx, "", KnowledgeCandidate)
}

// updatableKnowledgeFields whitelists patchable knowledge fields.
var updatableKnowledgeFields = map[string]string{
	"key":      "key",
	"summary":  "summary",
	"content":  "content",
	"category": "category",
	"tags":     "tags",
	"source":   "source",
	"sourceId": "source_id",
	"status":   "status",
}

// UpdateKnowledge applies a partial patch and refreshes the token estimate
// when summary or content changed.
func (s *Store) UpdateKnowledge(ctx context.Context, id string, patch map[string]any) (*KnowledgeEntry, error) {
	if len(patch) == 0 {
		return s.GetKnowledge(ctx, id)
	}

	sets := make([]string, 0, len(patch)+2)
	args := make([]any, 0, len(patch)+2)
	recount := false
	for field, value := range patch {
		column, ok := updatableKnowledgeFields[field]
		if !ok {
			return nil, fmt.Errorf("%w: unknown knowledge field %q", ErrValidation, field)
		}
		if field == "summary" || field == "content" {
			recount = true
		}
		sets = append(sets, column+" = ?")
		args = append(args, normalizePatchValue(value))
	}
	sets = append(sets, "updated_at = unixepoch()")
	args = append(args, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = ?", s.knowledgeTable, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("update knowledge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}

	if recount {
		entry, err := s.getKnowledgeLocked(ctx, id)
		if err != nil {
			return nil, err
		}
		estimate := estimateTokens(entry.Summary + "\n" + entry.Content)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET token_estimate = ? WHERE id = ?", s.knowledgeTable), estimate, id); err != nil {
			return nil, fmt.Errorf("update token estimate %s: %w", id, err)
		}
	}
	return s.getKnowledgeLocked(ctx, id)
}

// DeleteKnowledge removes an entry.
func (s *Store) DeleteKnowledge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id = ?", s.knowledgeTable), id)
	if err != nil {
		return fmt.Errorf("delete knowledge %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	return nil
}

// PromoteCandidate flips a candidate to active. When global is true and a
// global store is supplied, the entry is mirrored there unless an entry
// with the same key is already active globally.
func (s *Store) PromoteCandidate(ctx context.Context, id string, global bool, globalStore *Store) (*KnowledgeEntry, error) {
	entry, err := s.GetKnowledge(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != KnowledgeCandidate {
		return nil, fmt.Errorf("%w: knowledge %s is %s, not a candidate", ErrValidation, id, entry.Status)
	}

	// An active row with the same key may already exist; merge into it so
	// the (key, status) discipline holds.
	if existing, err := s.GetKnowledgeByKeyStatus(ctx, entry.Key, KnowledgeActive); err == nil {
		if _, err := s.UpdateKnowledge(ctx, existing.ID, map[string]any{
			"summary": entry.Summary,
			"content": entry.Content,
		}); err != nil {
			return nil, err
		}
		if err := s.DeleteKnowledge(ctx, id); err != nil {
			return nil, err
		}
		entry = existing
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	} else {
		if entry, err = s.UpdateKnowledge(ctx, id, map[string]any{"status": KnowledgeActive}); err != nil {
			return nil, err
		}
	}

	if global && globalStore != nil {
		_, err := globalStore.GetKnowledgeByKeyStatus(ctx, entry.Key, KnowledgeActive)
		switch {
		case err == nil:
			s.logger.Debug("global knowledge already active, skipping mirror",
				zap.String("key", entry.Key))
		case errors.Is(err, ErrNotFound):
			mirror := *entry
			mirror.ID = uuid.NewString()
			mirror.Status = KnowledgeActive
			if _, err := globalStore.CreateKnowledge(ctx, &mirror); err != nil {
				return nil, fmt.Errorf("mirror knowledge %s globally: %w", entry.Key, err)
			}
		default:
			return nil, err
		}
	}
	return s.GetKnowledge(ctx, entry.ID)
}

// DiscardCandidate archives a candidate entry.
func (s *Store) DiscardCandidate(ctx context.Context, id string) (*KnowledgeEntry, error) {
	entry, err := s.GetKnowledge(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != KnowledgeCandidate {
		return nil, fmt.Errorf("%w: knowledge %s is %s, not a candidate", ErrValidation, id, entry.Status)
	}
	return s.UpdateKnowledge(ctx, id, map[string]any{"status": KnowledgeArchived})
}

func (s *Store) getKnowledgeLocked(ctx context.Context, id string) (*KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, key, summary, content, category, tags, source, source_id, status,
			token_estimate, created_at, updated_at
		FROM %s WHERE id = ?`, s.knowledgeTable), id)
	e, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) getKnowledgeByKeyStatusLocked(ctx context.Context, key, status string) (*KnowledgeEntry, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, key, summary, content, category, tags, source, source_id, status,
			token_estimate, created_at, updated_at
		FROM %s WHERE key = ? AND status = ?`, s.knowledgeTable), key, status)
	e, err := scanKnowledge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge %s/%s: %w", key, status, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get knowledge %s/%s: %w", key, status, err)
	}
	return e, nil
}

func scanKnowledge(row rowScanner) (*KnowledgeEntry, error) {
	var e KnowledgeEntry
	var tags string
	var sourceID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&e.ID, &e.Key, &e.Summary, &e.Content, &e.Category, &tags,
		&e.Source, &sourceID, &e.Status, &e.TokenEstimate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Tags = parseJSONSlice(tags)
	e.SourceID = strPtr(sourceID)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.UpdatedAt = time.Unix(updatedAt, 0)
	return &e, nil
}

func emptyIfNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
