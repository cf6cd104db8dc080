// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/google/uuid"
)

// MemoryStore is a map-backed Store for tests and local development. It
// honors the same append semantics as BadgerStore: idempotent dedupe and
// strictly monotonic per-session timestamps.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]datatypes.Session
	messages map[string][]datatypes.Message
	dedupe   map[string]map[string]string
	lastSeq  map[string]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]datatypes.Session),
		messages: make(map[string][]datatypes.Message),
		dedupe:   make(map[string]map[string]string),
		lastSeq:  make(map[string]int64),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateSession(_ context.Context, session *datatypes.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = *session
	return nil
}

func (s *MemoryStore) LoadSession(_ context.Context, sessionID string) (*datatypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &session, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, session *datatypes.Session) error {
	return s.CreateSession(ctx, session)
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.dedupe, sessionID)
	delete(s.lastSeq, sessionID)
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]datatypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]datatypes.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	return sessions, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg *datatypes.Message) (*datatypes.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.DedupeKey != "" {
		if keys, ok := s.dedupe[msg.SessionID]; ok {
			if originalID, seen := keys[msg.DedupeKey]; seen {
				for _, existing := range s.messages[msg.SessionID] {
					if existing.MessageID == originalID {
						committed := existing
						return &committed, true, nil
					}
				}
			}
		}
	}

	committed := *msg
	committed.MessageID = uuid.NewString()
	committed.CreatedAt = time.Now().UnixMilli()
	if last := s.lastSeq[msg.SessionID]; committed.CreatedAt <= last {
		committed.CreatedAt = last + 1
	}
	s.lastSeq[msg.SessionID] = committed.CreatedAt
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], committed)

	if committed.DedupeKey != "" {
		if s.dedupe[msg.SessionID] == nil {
			s.dedupe[msg.SessionID] = make(map[string]string)
		}
		s.dedupe[msg.SessionID][committed.DedupeKey] = committed.MessageID
	}
	return &committed, false, nil
}

func (s *MemoryStore) LookupDedupe(_ context.Context, sessionID, key string) (*datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if keys, ok := s.dedupe[sessionID]; ok {
		if originalID, seen := keys[key]; seen {
			for _, msg := range s.messages[sessionID] {
				if msg.MessageID == originalID {
					found := msg
					return &found, nil
				}
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MessagesAfter(_ context.Context, sessionID string, afterMs int64, limit int) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []datatypes.Message
	for _, msg := range s.messages[sessionID] {
		if msg.CreatedAt <= afterMs {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
