// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wires the mediator's components into one serialized flow.
//
// # Description
//
// The Orchestrator owns the submission path: safety gate, turn check,
// idempotent persistence, state advance, reflection generation, and
// long-poll delivery. Every mutation of a session runs under that session's
// exclusive lock, so interleaved submissions resolve by lock order and the
// loser observes the advanced state. Reflection generation runs outside the
// lock; the AwaitingGeneration state keeps humans out in the meantime.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/longpoll"
	"github.com/AleutianAI/Attune/services/mediator/observability"
	"github.com/AleutianAI/Attune/services/mediator/pipeline"
	"github.com/AleutianAI/Attune/services/mediator/safety"
	"github.com/AleutianAI/Attune/services/mediator/store"
	"github.com/AleutianAI/Attune/services/mediator/turn"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a session exceeds its submission rate.
var ErrRateLimited = errors.New("submission rate exceeded for this session")

// ReasonReview is the rejection reason for a medium-tier safety verdict.
// The turn state is untouched; the sender may rephrase and resubmit.
const ReasonReview = "message held for review — please rephrase"

// Config tunes the orchestrator.
//
// # Fields
//
//   - SubmitInterval: Minimum average spacing between accepted submissions
//     per session.
//   - SubmitBurst: Burst allowance on top of SubmitInterval.
//   - GenerationWindow: Messages of history handed to the pipeline.
type Config struct {
	SubmitInterval   time.Duration
	SubmitBurst      int
	GenerationWindow int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SubmitInterval:   500 * time.Millisecond,
		SubmitBurst:      5,
		GenerationWindow: pipeline.MaxContextMessages,
	}
}

// sessionState is the orchestrator's in-process bookkeeping for one session.
type sessionState struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Orchestrator coordinates one mediated conversation per session.
type Orchestrator struct {
	store    store.Store
	machine  *turn.Machine
	gate     *safety.Gate
	pipeline *pipeline.Pipeline
	poller   *longpoll.Manager
	metrics  *observability.MediatorMetrics
	logger   *slog.Logger
	config   Config

	mu     sync.Mutex
	states map[string]*sessionState
}

// NewOrchestrator assembles the orchestrator from its parts. Metrics may be
// nil in tests.
func NewOrchestrator(st store.Store, gate *safety.Gate, pl *pipeline.Pipeline,
	poller *longpoll.Manager, metrics *observability.MediatorMetrics,
	logger *slog.Logger, config Config) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	if config.GenerationWindow <= 0 {
		config.GenerationWindow = pipeline.MaxContextMessages
	}
	return &Orchestrator{
		store:    st,
		machine:  turn.NewMachine(),
		gate:     gate,
		pipeline: pl,
		poller:   poller,
		metrics:  metrics,
		logger:   logger,
		config:   config,
		states:   make(map[string]*sessionState),
	}
}

// state returns (creating if needed) the in-process state for a session.
func (o *Orchestrator) state(sessionID string) *sessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.states[sessionID]
	if !ok {
		s = &sessionState{
			limiter: rate.NewLimiter(rate.Every(o.config.SubmitInterval), o.config.SubmitBurst),
		}
		o.states[sessionID] = s
	}
	return s
}

func (o *Orchestrator) dropState(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.states, sessionID)
}

func (o *Orchestrator) recordSubmission(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordSubmission(outcome)
	}
}

// =============================================================================
// Session Lifecycle
// =============================================================================

// CreateSession provisions a new session in its initial turn state.
func (o *Orchestrator) CreateSession(ctx context.Context, req *datatypes.CreateSessionRequest) (*datatypes.Session, error) {
	if req.Mode == datatypes.ModePaired && req.PartnerB == "" {
		return nil, errors.New("paired mode requires partner_b")
	}
	session := datatypes.NewSession(uuid.NewString(), req.Mode, req.PartnerA, req.PartnerB)
	if err := o.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if o.metrics != nil {
		o.metrics.SessionStarted()
	}
	o.logger.Info("session created",
		"session_id", session.SessionID,
		"mode", string(session.Mode))
	return session, nil
}

// GetSession loads a session by ID.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	return o.store.LoadSession(ctx, sessionID)
}

// ListSessions returns all sessions, newest first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]datatypes.Session, error) {
	return o.store.ListSessions(ctx)
}

// History returns every committed message for the session in order.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	if _, err := o.store.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return o.store.MessagesAfter(ctx, sessionID, 0, 0)
}

// GetTurnState returns the read-only turn status of a session.
func (o *Orchestrator) GetTurnState(ctx context.Context, sessionID string) (*datatypes.TurnStateResponse, error) {
	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &datatypes.TurnStateResponse{
		SessionID:    session.SessionID,
		TurnState:    session.TurnState,
		BoundaryFlag: session.BoundaryFlag,
	}, nil
}

// EndSession closes a session and releases any parked pollers.
//
// # Description
//
// Ending is idempotent; boundary-locked sessions stay locked. Waiters are
// released so clients do not ride out a full poll window against a dead
// session.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) (*datatypes.Session, error) {
	st := o.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wasActive := !session.TurnState.Terminal()
	o.machine.End(session, time.Now().UnixMilli())
	if err := o.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	o.poller.Release(sessionID)
	// The rate limiter and lock are only needed while the session can still
	// accept submissions; an ended session rejects on its stored state alone.
	o.dropState(sessionID)
	if wasActive && o.metrics != nil {
		o.metrics.SessionEnded()
	}
	o.logger.Info("session ended", "session_id", sessionID)
	return session, nil
}

// DeleteSession removes a session and its messages. Unknown sessions are
// not an error.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	st := o.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if session, err := o.store.LoadSession(ctx, sessionID); err == nil {
		if !session.TurnState.Terminal() && o.metrics != nil {
			o.metrics.SessionEnded()
		}
	}
	o.poller.Release(sessionID)
	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	o.dropState(sessionID)
	return nil
}

// =============================================================================
// Submission
// =============================================================================

// SubmitMessage runs the full accept/reject flow for one human message.
//
// # Description
//
// Under the session's exclusive lock: rate limit, safety gate, turn check,
// idempotent append, state advance. A high-tier safety verdict locks the
// session and publishes the boundary notice before the turn check ever
// runs. A duplicate dedupe key reports the original accept and advances
// nothing. If the accepted message completes a round, reflection generation
// is kicked off asynchronously; the AwaitingGeneration state keeps further
// human submissions out until it commits.
//
// # Outputs
//
//   - *datatypes.SubmitMessageResponse: Accept/reject outcome with the turn
//     state after the call. Rejections carry a Reason and no error.
//   - error: Store failures, unknown session, or ErrRateLimited.
func (o *Orchestrator) SubmitMessage(ctx context.Context, sessionID string, req *datatypes.SubmitMessageRequest) (*datatypes.SubmitMessageResponse, error) {
	tracer := otel.Tracer("attune.mediator.session")
	ctx, span := tracer.Start(ctx, "session.submit")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	st := o.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !st.limiter.Allow() {
		o.recordSubmission("rate_limited")
		return nil, ErrRateLimited
	}

	// Terminal states absorb everything, the gate included; a halted
	// session must not be re-locked or grow a second notice.
	switch session.TurnState {
	case datatypes.StateEnded:
		o.recordSubmission("turn_violation")
		return &datatypes.SubmitMessageResponse{
			TurnState: session.TurnState,
			Reason:    turn.ReasonSessionEnded,
		}, nil
	case datatypes.StateBoundary:
		o.recordSubmission("boundary_locked")
		return &datatypes.SubmitMessageResponse{
			TurnState: session.TurnState,
			Reason:    turn.ReasonBoundary,
		}, nil
	}

	// Safety gate runs strictly before the turn check: a boundary lock wins
	// over a turn-order rejection when both would apply.
	verdict := o.gate.Evaluate(req.Content)
	if o.metrics != nil {
		o.metrics.RecordVerdict(string(verdict.Action))
	}
	switch verdict.Action {
	case safety.ActionLock:
		return o.lockSession(ctx, session, verdict)
	case safety.ActionReview:
		o.recordSubmission("review")
		o.logger.Info("submission held for review",
			"session_id", sessionID,
			"concerns", verdict.Assessment.Concerns)
		return &datatypes.SubmitMessageResponse{
			TurnState: session.TurnState,
			Reason:    ReasonReview,
		}, nil
	}

	// A retransmitted dedupe key reports the original accept even though
	// the state has moved on; retries must never read as turn violations.
	if req.DedupeKey != "" {
		original, err := o.store.LookupDedupe(ctx, sessionID, req.DedupeKey)
		if err == nil && original != nil {
			o.recordSubmission("duplicate")
			return &datatypes.SubmitMessageResponse{
				Accepted:  true,
				Duplicate: true,
				TurnState: session.TurnState,
			}, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	decision := o.machine.CanSubmit(session, req.SenderID)
	if !decision.Allowed {
		o.recordSubmission("turn_violation")
		return &datatypes.SubmitMessageResponse{
			TurnState: session.TurnState,
			Reason:    decision.Reason,
		}, nil
	}

	msg := &datatypes.Message{
		SessionID:  sessionID,
		Sender:     o.machine.SenderRole(session, req.SenderID),
		Content:    req.Content,
		SafetyTags: verdict.Assessment.Concerns,
		DedupeKey:  req.DedupeKey,
	}
	committed, duplicate, err := o.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if duplicate {
		// The original append already advanced the state; report its
		// success and change nothing.
		o.recordSubmission("duplicate")
		return &datatypes.SubmitMessageResponse{
			Accepted:  true,
			Duplicate: true,
			TurnState: session.TurnState,
		}, nil
	}

	o.machine.Advance(session, req.SenderID)
	if err := o.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session after advance: %w", err)
	}
	o.poller.Deliver(sessionID, *committed)
	o.recordSubmission("accepted")
	o.logger.Debug("submission accepted",
		"session_id", sessionID,
		"sender", string(committed.Sender),
		"turn_state", string(session.TurnState))

	if o.machine.RequiresGeneration(session) {
		go o.runGeneration(context.WithoutCancel(ctx), sessionID)
	}
	return &datatypes.SubmitMessageResponse{
		Accepted:  true,
		TurnState: session.TurnState,
	}, nil
}

// lockSession applies a high-tier verdict: boundary state, persisted notice,
// and poller notification. Called with the session lock held.
func (o *Orchestrator) lockSession(ctx context.Context, session *datatypes.Session, verdict safety.Verdict) (*datatypes.SubmitMessageResponse, error) {
	o.machine.Lock(session)
	if err := o.store.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save boundary state: %w", err)
	}

	// The notice rides the normal message channel so every poller sees it,
	// then waiters are told the session is halted.
	content, outcome := o.pipeline.Generate(ctx, pipeline.Request{
		SessionID: session.SessionID,
		Mode:      session.Mode,
		Boundary:  true,
	})
	notice := &datatypes.Message{
		SessionID:  session.SessionID,
		Sender:     datatypes.SenderMediator,
		Content:    content,
		SafetyTags: verdict.Assessment.Concerns,
	}
	committed, _, err := o.store.AppendMessage(ctx, notice)
	if err != nil {
		return nil, fmt.Errorf("persist boundary notice: %w", err)
	}
	o.poller.Deliver(session.SessionID, *committed)
	o.poller.NotifyBoundary(session.SessionID)

	if o.metrics != nil {
		o.metrics.RecordGeneration(outcome.Path, outcome.Attempts, float64(outcome.ElapsedMs)/1000)
	}
	o.recordSubmission("boundary_locked")
	o.logger.Warn("session boundary locked",
		"session_id", session.SessionID,
		"concerns", verdict.Assessment.Concerns)

	return &datatypes.SubmitMessageResponse{
		TurnState: session.TurnState,
		Reason:    turn.ReasonBoundary,
	}, nil
}

// =============================================================================
// Reflection Generation
// =============================================================================

// runGeneration produces and commits one mediator turn.
//
// # Description
//
// The history window is read under the session lock, the model runs without
// it, and the commit re-acquires it. A boundary or end raised while the
// model ran is respected: the reflection is discarded rather than appended
// after a halt.
func (o *Orchestrator) runGeneration(ctx context.Context, sessionID string) {
	st := o.state(sessionID)

	st.mu.Lock()
	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		st.mu.Unlock()
		o.logger.Error("generation aborted: session load failed",
			"session_id", sessionID, "error", err)
		return
	}
	if !o.machine.RequiresGeneration(session) {
		st.mu.Unlock()
		return
	}
	window, err := o.recentMessages(ctx, sessionID)
	st.mu.Unlock()
	if err != nil {
		o.logger.Error("generation aborted: window load failed",
			"session_id", sessionID, "error", err)
		return
	}

	content, outcome := o.pipeline.Generate(ctx, pipeline.Request{
		SessionID: sessionID,
		Mode:      session.Mode,
		Window:    window,
	})
	if o.metrics != nil {
		o.metrics.RecordGeneration(outcome.Path, outcome.Attempts, float64(outcome.ElapsedMs)/1000)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	session, err = o.store.LoadSession(ctx, sessionID)
	if err != nil {
		o.logger.Error("generation dropped: session reload failed",
			"session_id", sessionID, "error", err)
		return
	}
	if session.TurnState != datatypes.StateAwaitingGeneration {
		// Boundary or end raced the model. The halt wins.
		o.logger.Info("generation discarded: session no longer awaiting",
			"session_id", sessionID,
			"turn_state", string(session.TurnState))
		return
	}

	reflection := &datatypes.Message{
		SessionID: sessionID,
		Sender:    datatypes.SenderMediator,
		Content:   content,
	}
	committed, _, err := o.store.AppendMessage(ctx, reflection)
	if err != nil {
		o.logger.Error("generation dropped: append failed",
			"session_id", sessionID, "error", err)
		return
	}
	o.machine.AdvanceGeneration(session)
	if err := o.store.SaveSession(ctx, session); err != nil {
		o.logger.Error("save session after generation failed",
			"session_id", sessionID, "error", err)
		return
	}
	o.poller.Deliver(sessionID, *committed)
	o.logger.Debug("reflection committed",
		"session_id", sessionID,
		"path", outcome.Path,
		"attempts", outcome.Attempts,
		"elapsed_ms", outcome.ElapsedMs)
}

// recentMessages returns the trailing GenerationWindow messages.
func (o *Orchestrator) recentMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	all, err := o.store.MessagesAfter(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > o.config.GenerationWindow {
		all = all[len(all)-o.config.GenerationWindow:]
	}
	return all, nil
}

// =============================================================================
// Polling
// =============================================================================

// Poll resolves a long-poll request for one client.
//
// # Description
//
// A boundary-locked session still hands out the messages committed before
// the halt (the notice included); once the client has caught up it gets the
// boundary_locked shape immediately with no wait. Live sessions delegate to
// the long-poll manager. A cancelled wait surfaces the context error so the
// handler can skip writing a body.
//
// # Outputs
//
//   - *datatypes.PollResponse: Messages, heartbeat, or boundary_locked.
//   - error: Unknown session, longpoll.ErrWaiterOverflow, or ctx error.
func (o *Orchestrator) Poll(ctx context.Context, sessionID string, req *datatypes.PollRequest) (*datatypes.PollResponse, error) {
	session, err := o.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.BoundaryFlag || session.TurnState == datatypes.StateEnded {
		msgs, err := o.store.MessagesAfter(ctx, sessionID, req.Watermark, 0)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			o.recordPoll("messages")
			return &datatypes.PollResponse{
				Messages:       msgs,
				BoundaryLocked: session.BoundaryFlag,
				Watermark:      msgs[len(msgs)-1].CreatedAt,
			}, nil
		}
		o.recordPoll("boundary")
		return &datatypes.PollResponse{
			BoundaryLocked: session.BoundaryFlag,
			Heartbeat:      !session.BoundaryFlag,
			Watermark:      req.Watermark,
		}, nil
	}

	result, err := o.poller.Poll(ctx, sessionID, req.ClientID, req.Watermark,
		time.Duration(req.WaitMs)*time.Millisecond)
	if err != nil {
		if errors.Is(err, longpoll.ErrWaiterOverflow) {
			o.recordPoll("overflow")
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.SetActiveWaiters(o.poller.ActiveWaiters(sessionID))
	}

	switch result.Kind {
	case longpoll.KindMessages:
		o.recordPoll("messages")
		return &datatypes.PollResponse{
			Messages:  result.Messages,
			Watermark: result.Watermark,
		}, nil
	case longpoll.KindBoundary:
		o.recordPoll("boundary")
		return &datatypes.PollResponse{
			BoundaryLocked: true,
			Watermark:      result.Watermark,
		}, nil
	case longpoll.KindCancelled:
		o.recordPoll("cancelled")
		return nil, ctx.Err()
	default:
		o.recordPoll("heartbeat")
		return &datatypes.PollResponse{
			Heartbeat: true,
			Watermark: result.Watermark,
		}, nil
	}
}

func (o *Orchestrator) recordPoll(result string) {
	if o.metrics != nil {
		o.metrics.RecordPoll(result)
	}
}
