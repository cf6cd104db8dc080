// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists sessions and messages for the mediator service.
//
// Two implementations are provided: a BadgerDB-backed store for production
// (local embedded storage, low-latency access) and an in-memory store for
// tests. Both honor the same contract: appends are idempotent on the
// client's dedupe key, and message timestamps are strictly monotonic per
// session so message order and delivery order coincide.
package store

import (
	"context"
	"errors"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the persistence contract the orchestrator depends on.
//
// # Description
//
// All methods accept a context for cancellation. Implementations must be
// safe for concurrent use; the orchestrator serializes writes within a
// session but reads may arrive from any goroutine.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *datatypes.Session) error

	// LoadSession returns the session or ErrNotFound.
	LoadSession(ctx context.Context, sessionID string) (*datatypes.Session, error)

	// SaveSession overwrites the session's persisted state.
	SaveSession(ctx context.Context, session *datatypes.Session) error

	// DeleteSession removes the session and every message it owns.
	// Deleting an unknown session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]datatypes.Session, error)

	// AppendMessage commits a message, assigning its MessageID and a
	// CreatedAt strictly greater than every earlier message in the session.
	//
	// Idempotent on (SessionID, DedupeKey): a repeat append commits nothing
	// and returns the originally committed message with duplicate=true.
	AppendMessage(ctx context.Context, msg *datatypes.Message) (committed *datatypes.Message, duplicate bool, err error)

	// LookupDedupe returns the message originally committed under the
	// given (SessionID, DedupeKey), or ErrNotFound when the key is unseen.
	LookupDedupe(ctx context.Context, sessionID, dedupeKey string) (*datatypes.Message, error)

	// MessagesAfter returns committed messages with CreatedAt strictly
	// greater than afterMs, in commit order. limit <= 0 means no limit.
	MessagesAfter(ctx context.Context, sessionID string, afterMs int64, limit int) ([]datatypes.Message, error)

	// Close releases underlying resources.
	Close() error
}
