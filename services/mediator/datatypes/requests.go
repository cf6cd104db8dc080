// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Request and response types for the mediator HTTP surface.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Byte length, not rune count: oversized payloads are rejected before any
	// further processing.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxPollWaitMs is the longest a single poll request may be held open.
	// Larger client values are clamped, not rejected.
	MaxPollWaitMs = 30_000

	// DefaultPollWaitMs applies when the client omits wait_ms.
	DefaultPollWaitMs = 25_000
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// mediatorValidate is the validator instance for mediator datatypes.
// Initialized in init() with custom validators.
var mediatorValidate *validator.Validate

func init() {
	mediatorValidate = validator.New()
	_ = mediatorValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length to bound memory use.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Submit
// =============================================================================

// SubmitMessageRequest is the body of POST /v1/sessions/:sessionId/messages.
//
// # Description
//
// Carries one human turn. Acceptance means the message will eventually be
// observable via poll; the response never echoes the committed message
// inline.
//
// # Fields
//
//   - SenderID: Required. Must be one of the session's registered partners.
//   - Content: Required. Opaque message body, at most 32KB.
//   - DedupeKey: Required. Client-generated idempotency token (UUID v4).
//     Resubmitting with the same key reports acceptance without committing a
//     second message.
//   - Timestamp: Optional. Client clock in Unix milliseconds, audit only.
//     Filled by EnsureDefaults when absent.
//
// # Validation
//
// Uses go-playground/validator:
//   - SenderID: required
//   - Content: required, max 32768 bytes via custom maxbytes validator
//   - DedupeKey: required, must be valid UUID v4
type SubmitMessageRequest struct {
	SenderID  string `json:"sender_id" validate:"required"`
	Content   string `json:"content" validate:"required,maxbytes"`
	DedupeKey string `json:"dedupe_key" validate:"required,uuid4"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"gte=0"`
}

// Validate validates the SubmitMessageRequest fields.
func (r *SubmitMessageRequest) Validate() error {
	return mediatorValidate.Struct(r)
}

// EnsureDefaults populates the optional timestamp when the client omits it.
func (r *SubmitMessageRequest) EnsureDefaults() {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}

// SubmitMessageResponse reports the synchronous accept/reject outcome.
//
// # Fields
//
//   - Accepted: True when the message was committed (or deduplicated).
//   - Duplicate: True when the dedupe key had been seen before. Duplicates
//     are reported as accepted.
//   - TurnState: The session's turn state after this call.
//   - Reason: Present only on rejection; human-readable.
type SubmitMessageResponse struct {
	Accepted  bool      `json:"accepted"`
	Duplicate bool      `json:"duplicate,omitempty"`
	TurnState TurnState `json:"turn_state"`
	Reason    string    `json:"reason,omitempty"`
}

// =============================================================================
// Poll
// =============================================================================

// PollRequest is the query surface of GET /v1/sessions/:sessionId/poll.
//
// # Fields
//
//   - ClientID: Required. At most one in-flight poll per (session, client)
//     pair; a newer poll from the same client supersedes the older one.
//   - Watermark: Unix milliseconds of the last message this client has seen.
//     Zero means "from the beginning".
//   - WaitMs: How long to hold the request open when no message is ready.
//     Clamped to MaxPollWaitMs.
type PollRequest struct {
	ClientID  string `form:"client_id" validate:"required"`
	Watermark int64  `form:"watermark" validate:"gte=0"`
	WaitMs    int64  `form:"wait_ms" validate:"gte=0"`
}

// Validate validates the PollRequest fields.
func (r *PollRequest) Validate() error {
	return mediatorValidate.Struct(r)
}

// EnsureDefaults applies the default wait when the client omits wait_ms.
func (r *PollRequest) EnsureDefaults() {
	if r.WaitMs == 0 {
		r.WaitMs = DefaultPollWaitMs
	}
}

// PollResponse is the long-poll result.
//
// # Description
//
// Exactly one of three shapes:
//   - messages: one or more new messages, ordered by CreatedAt.
//   - heartbeat: the wait elapsed with nothing new; watermark unchanged.
//   - boundary_locked: the session is halted; polling will not yield turns.
type PollResponse struct {
	Messages       []Message `json:"messages,omitempty"`
	Heartbeat      bool      `json:"heartbeat,omitempty"`
	BoundaryLocked bool      `json:"boundary_locked,omitempty"`
	Watermark      int64     `json:"watermark"`
}

// =============================================================================
// Session CRUD
// =============================================================================

// CreateSessionRequest is the body of POST /v1/sessions.
//
// # Validation
//
//   - Mode: required, "paired" or "solo"
//   - PartnerA: required
//   - PartnerB: required in paired mode
type CreateSessionRequest struct {
	Mode     SessionMode `json:"mode" validate:"required,oneof=paired solo"`
	PartnerA string      `json:"partner_a" validate:"required"`
	PartnerB string      `json:"partner_b,omitempty" validate:"required_if=Mode paired"`
}

// Validate validates the CreateSessionRequest fields.
func (r *CreateSessionRequest) Validate() error {
	return mediatorValidate.Struct(r)
}

// TurnStateResponse is the read-only status of GET /v1/sessions/:sessionId/turn.
type TurnStateResponse struct {
	SessionID    string    `json:"session_id"`
	TurnState    TurnState `json:"turn_state"`
	BoundaryFlag bool      `json:"boundary_flag"`
}
