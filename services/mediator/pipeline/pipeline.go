// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/Attune/services/llm"
	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the retry and timeout discipline for one pipeline instance.
//
// # Fields
//
//   - MaxRetries: Retries after the first attempt; the loop runs
//     MaxRetries+1 attempts in total. Transport failures and validation
//     failures count identically against this budget.
//   - AttemptTimeout: Per-model-call timeout.
//   - PipelineTimeout: Overall bound across all attempts and backoffs.
//     Distinct from AttemptTimeout; when it expires the fallback is used.
//   - RetryBackoff: Base wait between attempts, doubled per attempt.
type Config struct {
	MaxRetries      int
	AttemptTimeout  time.Duration
	PipelineTimeout time.Duration
	RetryBackoff    time.Duration
}

// DefaultConfig returns production defaults: two retries, 30s per attempt,
// 90s overall, 500ms base backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      2,
		AttemptTimeout:  30 * time.Second,
		PipelineTimeout: 90 * time.Second,
		RetryBackoff:    500 * time.Millisecond,
	}
}

// =============================================================================
// Context and Outcome
// =============================================================================

// Request is the triggering context for one mediator turn.
//
// # Fields
//
//   - SessionID: For logging and telemetry only.
//   - Mode: Selects the structural schema and fallback payload.
//   - Boundary: True when the session reached the safety boundary; the
//     pipeline then emits the fixed boundary notice without calling the
//     model.
//   - Window: Bounded window of prior messages including the current round.
type Request struct {
	SessionID string
	Mode      datatypes.SessionMode
	Boundary  bool
	Window    []datatypes.Message
}

// Path values recorded on an Outcome.
const (
	PathGenerated = "generated"
	PathFallback  = "fallback"
	PathBoundary  = "boundary"
)

// Outcome is the structured record of how one pipeline run concluded.
//
// # Fields
//
//   - Path: generated, fallback, or boundary.
//   - Attempts: Model calls made. Zero on the boundary path.
//   - UsedFallback: True exactly when Path is fallback.
//   - ElapsedMs: Wall time of the whole run.
//   - Diagnostics: Validator diagnostics of the final failed attempt, empty
//     on success. For logs and telemetry, never surfaced to end users.
type Outcome struct {
	Path         string
	Attempts     int
	UsedFallback bool
	ElapsedMs    int64
	Diagnostics  []string
}

// attemptRecord is the pipeline-local trace of a single model call. It lives
// only for the duration of one run and feeds debug logging.
type attemptRecord struct {
	Index       int
	Transport   bool // transport failure, as opposed to validation failure
	Diagnostics []string
	ElapsedMs   int64
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline produces one mediator turn per invocation under the
// retry/validate/fallback discipline.
//
// # Description
//
// Generate never fails: every run returns a usable message content string,
// produced by the model, by the static fallback, or by the fixed boundary
// notice, together with an Outcome describing the path taken. Safe for
// concurrent use across sessions; the orchestrator serializes runs within a
// session.
type Pipeline struct {
	client    llm.LLMClient
	validator *Validator
	fallbacks *FallbackSet
	config    Config
}

// New creates a pipeline.
//
// # Inputs
//
//   - client: Opaque model backend. The pipeline owns all retry logic.
//   - validator: Reflection schema validator.
//   - fallbacks: Pre-validated static payloads.
//   - config: Retry/timeout discipline. Zero values fall back to
//     DefaultConfig equivalents.
func New(client llm.LLMClient, validator *Validator, fallbacks *FallbackSet, config Config) *Pipeline {
	defaults := DefaultConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.PipelineTimeout <= 0 {
		config.PipelineTimeout = defaults.PipelineTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	return &Pipeline{
		client:    client,
		validator: validator,
		fallbacks: fallbacks,
		config:    config,
	}
}

// Generate runs the pipeline for one mediator turn.
//
// # Description
//
// Algorithm:
//  1. Boundary short-circuit: a boundary context emits the fixed notice
//     immediately and makes no model call.
//  2. Up to MaxRetries+1 attempts: call the model, decode, validate. A
//     transport failure and an invalid payload consume the budget
//     identically. The first validating payload wins; no attempt is retried
//     after an independent pass.
//  3. On exhaustion or pipeline timeout, the static pre-validated fallback
//     for the session mode is substituted.
//
// # Inputs
//
//   - ctx: Caller context. Bounded further by PipelineTimeout.
//   - req: Triggering context.
//
// # Outputs
//
//   - string: Message content for the mediator turn. Never empty.
//   - Outcome: Which path was taken, attempt count, elapsed time.
func (p *Pipeline) Generate(ctx context.Context, req Request) (string, Outcome) {
	start := time.Now()

	if req.Boundary {
		return p.fallbacks.EncodedBoundary(), Outcome{
			Path:      PathBoundary,
			ElapsedMs: time.Since(start).Milliseconds(),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.PipelineTimeout)
	defer cancel()

	prompt := BuildPrompt(req.Mode, req.Window)
	params := p.generationParams()

	var records []attemptRecord
	attempts := 0
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			slog.Warn("Generation pipeline timed out before attempt",
				"session_id", req.SessionID, "attempt", attempt)
			break
		}

		attempts++
		record, content := p.runAttempt(ctx, attempt, prompt, params, req.Mode)
		records = append(records, record)
		if content != "" {
			outcome := Outcome{
				Path:      PathGenerated,
				Attempts:  attempts,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			slog.Info("Generation pipeline produced a reflection",
				"session_id", req.SessionID, "attempts", attempts,
				"elapsed_ms", outcome.ElapsedMs)
			return content, outcome
		}

		if attempt < p.config.MaxRetries {
			p.backoff(ctx, attempt)
		}
	}

	last := []string{}
	if len(records) > 0 {
		last = records[len(records)-1].Diagnostics
	}
	outcome := Outcome{
		Path:         PathFallback,
		Attempts:     attempts,
		UsedFallback: true,
		ElapsedMs:    time.Since(start).Milliseconds(),
		Diagnostics:  last,
	}
	slog.Warn("Generation pipeline exhausted, substituting fallback",
		"session_id", req.SessionID, "attempts", attempts,
		"diagnostics", last)
	return p.fallbacks.EncodedForMode(req.Mode), outcome
}

// runAttempt performs one model call plus validation. Returns the encoded
// payload on success, empty string on any failure.
func (p *Pipeline) runAttempt(ctx context.Context, index int, prompt string,
	params llm.GenerationParams, mode datatypes.SessionMode) (attemptRecord, string) {

	record := attemptRecord{Index: index}
	attemptStart := time.Now()
	defer func() { record.ElapsedMs = time.Since(attemptStart).Milliseconds() }()

	attemptCtx, cancel := context.WithTimeout(ctx, p.config.AttemptTimeout)
	defer cancel()

	raw, err := p.client.Generate(attemptCtx, prompt, params)
	if err != nil {
		record.Transport = true
		record.Diagnostics = []string{fmt.Sprintf("transport failure: %v", err)}
		slog.Warn("Model call failed", "attempt", index, "error", err)
		return record, ""
	}

	payload, err := datatypes.DecodeReflectionPayload(raw)
	if err != nil {
		record.Diagnostics = []string{fmt.Sprintf("payload is not valid JSON: %v", err)}
		slog.Debug("Model output failed to decode", "attempt", index, "error", err)
		return record, ""
	}

	result := p.validator.Validate(payload, mode)
	if !result.Valid {
		record.Diagnostics = result.Diagnostics
		slog.Debug("Model output failed validation",
			"attempt", index, "diagnostics", result.Diagnostics)
		return record, ""
	}

	payload.Source = datatypes.PayloadSourceGenerated
	content, err := payload.Encode()
	if err != nil {
		record.Diagnostics = []string{fmt.Sprintf("payload failed to re-encode: %v", err)}
		return record, ""
	}
	return record, content
}

// backoff waits between attempts, doubling per attempt, and returns early on
// context cancellation.
func (p *Pipeline) backoff(ctx context.Context, attempt int) {
	wait := p.config.RetryBackoff << uint(attempt)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pipeline) generationParams() llm.GenerationParams {
	temperature := float32(0.4)
	maxTokens := 1024
	return llm.GenerationParams{
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}
}
