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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// =============================================================================
// Key Layout
// =============================================================================
//
//	sess/<sessionID>                      -> session JSON
//	msg/<sessionID>/<createdAt pad20>/<id> -> message JSON
//	dedupe/<sessionID>/<dedupeKey>        -> message key bytes
//	seq/<sessionID>                       -> last CreatedAt (decimal)
//
// The zero-padded CreatedAt in the message key makes a prefix iteration over
// msg/<sessionID>/ yield messages in commit order.

func sessionKey(sessionID string) []byte {
	return []byte("sess/" + sessionID)
}

func messageKey(sessionID string, createdAt int64, messageID string) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d/%s", sessionID, createdAt, messageID))
}

func messagePrefix(sessionID string) []byte {
	return []byte("msg/" + sessionID + "/")
}

func dedupeKey(sessionID, key string) []byte {
	return []byte("dedupe/" + sessionID + "/" + key)
}

func dedupePrefix(sessionID string) []byte {
	return []byte("dedupe/" + sessionID + "/")
}

func seqKey(sessionID string) []byte {
	return []byte("seq/" + sessionID)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for the BadgerDB-backed store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	// Default: true for production, false for testing.
	SyncWrites bool

	// Logger is the logger for BadgerDB operations.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: synchronous writes, disk
// persistence.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns configuration optimized for testing.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// BadgerStore
// =============================================================================

// BadgerStore is the production Store implementation on embedded BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use; badger transactions provide the append
// atomicity (dedupe check, sequence bump, and message write commit
// together).
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens a BadgerDB-backed store with the given configuration.
//
// # Outputs
//
//   - *BadgerStore: The opened store. Caller must Close when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func OpenBadger(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// CreateSession persists a new session record.
func (s *BadgerStore) CreateSession(_ context.Context, session *datatypes.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.SessionID), raw)
	})
}

// LoadSession returns the session or ErrNotFound.
func (s *BadgerStore) LoadSession(_ context.Context, sessionID string) (*datatypes.Session, error) {
	var session datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return &session, nil
}

// SaveSession overwrites the session's persisted state.
func (s *BadgerStore) SaveSession(ctx context.Context, session *datatypes.Session) error {
	return s.CreateSession(ctx, session)
}

// DeleteSession removes the session and every message and index entry it
// owns. Deleting an unknown session is not an error.
func (s *BadgerStore) DeleteSession(_ context.Context, sessionID string) error {
	prefixes := [][]byte{messagePrefix(sessionID), dedupePrefix(sessionID)}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			var keys [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		if err := txn.Delete(seqKey(sessionID)); err != nil {
			return err
		}
		return txn.Delete(sessionKey(sessionID))
	})
}

// ListSessions returns all sessions, newest first.
func (s *BadgerStore) ListSessions(_ context.Context) ([]datatypes.Session, error) {
	var sessions []datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("sess/")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var session datatypes.Session
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			})
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt > sessions[j].StartedAt
	})
	return sessions, nil
}

// AppendMessage commits a message with a per-session monotonic timestamp,
// idempotent on the dedupe key.
func (s *BadgerStore) AppendMessage(_ context.Context, msg *datatypes.Message) (*datatypes.Message, bool, error) {
	var committed datatypes.Message
	duplicate := false

	err := s.db.Update(func(txn *badger.Txn) error {
		// Dedupe check: the value of a dedupe entry is the original
		// message key.
		if msg.DedupeKey != "" {
			item, err := txn.Get(dedupeKey(msg.SessionID, msg.DedupeKey))
			if err == nil {
				duplicate = true
				var originalKey []byte
				if err := item.Value(func(val []byte) error {
					originalKey = append(originalKey, val...)
					return nil
				}); err != nil {
					return err
				}
				original, err := txn.Get(originalKey)
				if err != nil {
					return fmt.Errorf("dedupe entry points at missing message: %w", err)
				}
				return original.Value(func(val []byte) error {
					return json.Unmarshal(val, &committed)
				})
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}

		// Monotonic timestamp: never at or below the previous append.
		last := int64(0)
		if item, err := txn.Get(seqKey(msg.SessionID)); err == nil {
			err = item.Value(func(val []byte) error {
				parsed, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return perr
				}
				last = parsed
				return nil
			})
			if err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		committed = *msg
		committed.MessageID = uuid.NewString()
		committed.CreatedAt = time.Now().UnixMilli()
		if committed.CreatedAt <= last {
			committed.CreatedAt = last + 1
		}

		raw, err := json.Marshal(&committed)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		key := messageKey(committed.SessionID, committed.CreatedAt, committed.MessageID)
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		if committed.DedupeKey != "" {
			if err := txn.Set(dedupeKey(committed.SessionID, committed.DedupeKey), key); err != nil {
				return err
			}
		}
		return txn.Set(seqKey(committed.SessionID),
			[]byte(strconv.FormatInt(committed.CreatedAt, 10)))
	})
	if err != nil {
		return nil, false, fmt.Errorf("append message: %w", err)
	}
	return &committed, duplicate, nil
}

// LookupDedupe returns the message originally committed under the dedupe
// key, or ErrNotFound.
func (s *BadgerStore) LookupDedupe(_ context.Context, sessionID, key string) (*datatypes.Message, error) {
	var msg datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(dedupeKey(sessionID, key))
		if err != nil {
			return err
		}
		var originalKey []byte
		if err := item.Value(func(val []byte) error {
			originalKey = append(originalKey, val...)
			return nil
		}); err != nil {
			return err
		}
		original, err := txn.Get(originalKey)
		if err != nil {
			return err
		}
		return original.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup dedupe key: %w", err)
	}
	return &msg, nil
}

// MessagesAfter returns committed messages newer than afterMs in commit
// order.
func (s *BadgerStore) MessagesAfter(_ context.Context, sessionID string, afterMs int64, limit int) ([]datatypes.Message, error) {
	var messages []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: messagePrefix(sessionID)})
		defer it.Close()
		// Seek past everything at or before the watermark.
		seek := []byte(fmt.Sprintf("msg/%s/%020d/", sessionID, afterMs+1))
		for it.Seek(seek); it.Valid(); it.Next() {
			var msg datatypes.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			if msg.CreatedAt <= afterMs {
				continue
			}
			messages = append(messages, msg)
			if limit > 0 && len(messages) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", sessionID, err)
	}
	return messages, nil
}
