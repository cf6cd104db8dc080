// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package longpoll lets clients observe newly committed session messages
// without a dedicated push channel.
//
// # Description
//
// A poll request either resolves immediately from already-committed messages
// past the client's watermark, or parks a waiter until a delivery, its
// deadline, or client cancellation. Delivery fans a new message out to every
// waiter registered for the session. A periodic sweep retires waiters whose
// deadline passed even absent any activity, bounding memory under client
// disconnects that never signal cancellation.
//
// # Thread Safety
//
// Registration and delivery proceed concurrently; the waiter registry is
// locked independently of any session state. Waiters only ever observe
// already-committed messages.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// ErrWaiterOverflow is returned when a session already holds the maximum
// number of concurrent waiters. The client is expected to retry later, not
// to queue.
var ErrWaiterOverflow = errors.New("too many concurrent pollers for this session")

// =============================================================================
// Configuration
// =============================================================================

// Config holds the delivery manager settings.
//
// # Fields
//
//   - GlobalMaxWait: Upper clamp on any single poll's wait.
//   - MaxWaitersPerSession: Concurrent-waiter ceiling per session.
//   - SweepInterval: How often the background sweep retires expired waiters.
type Config struct {
	GlobalMaxWait        time.Duration
	MaxWaitersPerSession int
	SweepInterval        time.Duration
}

// DefaultConfig returns production defaults: 30s max wait, 32 waiters per
// session, 10s sweep interval.
func DefaultConfig() Config {
	return Config{
		GlobalMaxWait:        30 * time.Second,
		MaxWaitersPerSession: 32,
		SweepInterval:        10 * time.Second,
	}
}

// =============================================================================
// Results
// =============================================================================

// ResultKind discriminates the ways a poll can resolve.
type ResultKind int

const (
	// KindMessages carries one or more new messages.
	KindMessages ResultKind = iota
	// KindHeartbeat means the wait elapsed with nothing new.
	KindHeartbeat
	// KindBoundary means the session was halted while the client waited.
	KindBoundary
	// KindCancelled means the client abandoned the wait. No response is
	// owed.
	KindCancelled
)

// Result is the resolution of one poll call.
type Result struct {
	Kind      ResultKind
	Messages  []datatypes.Message
	Watermark int64
}

// FetchFunc loads committed messages with CreatedAt strictly greater than
// the watermark, in commit order. Supplied by the orchestrator's store.
type FetchFunc func(ctx context.Context, sessionID string, afterMs int64) ([]datatypes.Message, error)

// =============================================================================
// Waiters
// =============================================================================

// waitResult is what a parked waiter eventually receives.
type waitResult struct {
	msg      *datatypes.Message
	boundary bool
}

// waiter is the in-memory record of one pending poll.
//
// At most one waiter per (session, client) pair exists; a newer poll from
// the same client supersedes the older one, which resolves as a heartbeat.
type waiter struct {
	sessionID string
	clientID  string
	watermark int64
	deadline  time.Time
	ch        chan waitResult
}

// sessionWaiters is the per-session registry shard.
type sessionWaiters struct {
	mu       sync.Mutex
	byClient map[string]*waiter
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the long-poll delivery manager.
//
// # Description
//
// Construct one per process with NewManager and inject it where needed;
// internal state is keyed by session, so independent instances can coexist
// in tests. Start launches the background sweep; Stop halts it.
type Manager struct {
	fetch  FetchFunc
	config Config

	mu       sync.RWMutex
	sessions map[string]*sessionWaiters

	sweepMu      sync.Mutex
	sweepDone    chan struct{}
	sweepRunning bool
}

// NewManager creates a delivery manager.
//
// # Inputs
//
//   - fetch: Committed-message lookup, typically backed by the store.
//   - config: Manager settings. Zero values fall back to DefaultConfig
//     equivalents.
func NewManager(fetch FetchFunc, config Config) *Manager {
	defaults := DefaultConfig()
	if config.GlobalMaxWait <= 0 {
		config.GlobalMaxWait = defaults.GlobalMaxWait
	}
	if config.MaxWaitersPerSession <= 0 {
		config.MaxWaitersPerSession = defaults.MaxWaitersPerSession
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Manager{
		fetch:    fetch,
		config:   config,
		sessions: make(map[string]*sessionWaiters),
	}
}

// Poll resolves with messages newer than the watermark, or parks until
// delivery, deadline, or cancellation.
//
// # Description
//
// A poll that committed messages already satisfy is answered straight from
// the store and never consumes a waiter slot, so the per-session ceiling
// only limits genuinely parked clients. Registration is followed by a
// second fetch: a message committed between the first fetch and
// registration would be invisible to both, the re-check closes that
// window. On immediate resolution the waiter is retired before returning.
//
// # Inputs
//
//   - ctx: Client request context; cancellation abandons the wait.
//   - sessionID, clientID: Waiter identity. One active waiter per pair.
//   - watermark: CreatedAt of the last message the client has seen.
//   - maxWait: Requested hold time, clamped to GlobalMaxWait.
//
// # Outputs
//
//   - Result: Messages, heartbeat, boundary, or cancelled.
//   - error: ErrWaiterOverflow when the session's ceiling is reached.
func (m *Manager) Poll(ctx context.Context, sessionID, clientID string,
	watermark int64, maxWait time.Duration) (Result, error) {

	if maxWait <= 0 || maxWait > m.config.GlobalMaxWait {
		maxWait = m.config.GlobalMaxWait
	}

	existing, err := m.fetch(ctx, sessionID, watermark)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load committed messages: %w", err)
	}
	if len(existing) > 0 {
		return Result{
			Kind:      KindMessages,
			Messages:  existing,
			Watermark: existing[len(existing)-1].CreatedAt,
		}, nil
	}

	w, err := m.register(sessionID, clientID, watermark, maxWait)
	if err != nil {
		return Result{}, err
	}
	defer m.deregister(w)

	// Re-check now that Deliver can reach this waiter; a commit racing the
	// first fetch lands here.
	existing, err = m.fetch(ctx, sessionID, watermark)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load committed messages: %w", err)
	}
	if len(existing) > 0 {
		return Result{
			Kind:      KindMessages,
			Messages:  existing,
			Watermark: existing[len(existing)-1].CreatedAt,
		}, nil
	}

	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case res, ok := <-w.ch:
		if !ok || (res.msg == nil && !res.boundary) {
			// Superseded by a newer poll from the same client, or swept.
			return Result{Kind: KindHeartbeat, Watermark: watermark}, nil
		}
		if res.boundary {
			return Result{Kind: KindBoundary, Watermark: watermark}, nil
		}
		return Result{
			Kind:      KindMessages,
			Messages:  []datatypes.Message{*res.msg},
			Watermark: res.msg.CreatedAt,
		}, nil
	case <-timer.C:
		return Result{Kind: KindHeartbeat, Watermark: watermark}, nil
	case <-ctx.Done():
		return Result{Kind: KindCancelled, Watermark: watermark}, nil
	}
}

// Deliver fans a newly committed message out to every waiter registered for
// the session.
//
// # Description
//
// Every waiter whose watermark precedes the message resolves with that
// single message and is retired. Multiple clients polling the same session
// all observe the same message. Waiters with a watermark at or past the
// message's timestamp are left parked; they have already seen it.
func (m *Manager) Deliver(sessionID string, msg datatypes.Message) {
	shard := m.shard(sessionID, false)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for clientID, w := range shard.byClient {
		if msg.CreatedAt <= w.watermark {
			continue
		}
		select {
		case w.ch <- waitResult{msg: &msg}:
		default:
		}
		delete(shard.byClient, clientID)
	}
}

// NotifyBoundary resolves every waiter for the session with a boundary
// result. Called when the safety gate locks the session.
func (m *Manager) NotifyBoundary(sessionID string) {
	shard := m.shard(sessionID, false)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for clientID, w := range shard.byClient {
		select {
		case w.ch <- waitResult{boundary: true}:
		default:
		}
		delete(shard.byClient, clientID)
	}
}

// Release retires every waiter for the session with a heartbeat result.
// Called when a session ends or is deleted.
func (m *Manager) Release(sessionID string) {
	shard := m.shard(sessionID, false)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	for clientID, w := range shard.byClient {
		close(w.ch)
		delete(shard.byClient, clientID)
	}
}

// ActiveWaiters reports the current waiter count for a session.
func (m *Manager) ActiveWaiters(sessionID string) int {
	shard := m.shard(sessionID, false)
	if shard == nil {
		return 0
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return len(shard.byClient)
}

// =============================================================================
// Registration
// =============================================================================

func (m *Manager) register(sessionID, clientID string, watermark int64,
	maxWait time.Duration) (*waiter, error) {

	shard := m.shard(sessionID, true)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if prev, ok := shard.byClient[clientID]; ok {
		// Supersede the client's older poll; it resolves as a heartbeat.
		close(prev.ch)
		delete(shard.byClient, clientID)
	} else if len(shard.byClient) >= m.config.MaxWaitersPerSession {
		return nil, ErrWaiterOverflow
	}

	w := &waiter{
		sessionID: sessionID,
		clientID:  clientID,
		watermark: watermark,
		deadline:  time.Now().Add(maxWait),
		ch:        make(chan waitResult, 1),
	}
	shard.byClient[clientID] = w
	return w, nil
}

func (m *Manager) deregister(w *waiter) {
	shard := m.shard(w.sessionID, false)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if current, ok := shard.byClient[w.clientID]; ok && current == w {
		delete(shard.byClient, w.clientID)
	}
}

func (m *Manager) shard(sessionID string, create bool) *sessionWaiters {
	m.mu.RLock()
	shard, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok || !create {
		return shard
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if shard, ok = m.sessions[sessionID]; ok {
		return shard
	}
	shard = &sessionWaiters{byClient: make(map[string]*waiter)}
	m.sessions[sessionID] = shard
	return shard
}

// =============================================================================
// Background Sweep
// =============================================================================

// Start begins the background sweep goroutine.
//
// # Description
//
// Uses the ticker + done channel pattern: the sweep runs at SweepInterval
// until Stop is called or the context is cancelled. Returns an error if the
// sweep is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.sweepMu.Lock()
	if m.sweepRunning {
		m.sweepMu.Unlock()
		return fmt.Errorf("sweep is already running")
	}
	m.sweepRunning = true
	m.sweepDone = make(chan struct{})
	m.sweepMu.Unlock()

	slog.Info("Long-poll sweep starting", "interval", m.config.SweepInterval.String())
	go m.runSweepLoop(ctx)
	return nil
}

// Stop halts the background sweep. Safe to call multiple times.
func (m *Manager) Stop() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if !m.sweepRunning {
		return
	}
	slog.Info("Long-poll sweep stopping")
	close(m.sweepDone)
	m.sweepRunning = false
}

func (m *Manager) runSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Long-poll sweep stopped (context cancelled)")
			return
		case <-m.sweepDone:
			slog.Info("Long-poll sweep stopped (stop requested)")
			return
		case <-ticker.C:
			m.SweepExpired(time.Now())
		}
	}
}

// SweepExpired retires every waiter whose deadline has passed and drops
// empty session shards.
//
// # Outputs
//
//   - int: Number of waiters retired.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	retired := 0
	for sessionID, shard := range m.sessions {
		shard.mu.Lock()
		for clientID, w := range shard.byClient {
			if now.After(w.deadline) {
				close(w.ch)
				delete(shard.byClient, clientID)
				retired++
			}
		}
		empty := len(shard.byClient) == 0
		shard.mu.Unlock()
		if empty {
			delete(m.sessions, sessionID)
		}
	}
	if retired > 0 {
		slog.Debug("Long-poll sweep retired expired waiters", "count", retired)
	}
	return retired
}
