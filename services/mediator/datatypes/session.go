// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the mediator service.
//
// This file contains the session model and its turn-state vocabulary. For
// message types see message.go; for the structured reflection payload see
// payload.go.
package datatypes

import "time"

// =============================================================================
// Session Modes
// =============================================================================

// SessionMode selects how turns alternate within a session.
type SessionMode string

const (
	// ModePaired is a two-partner session: partner A and partner B alternate,
	// and the mediator speaks after each full round.
	ModePaired SessionMode = "paired"

	// ModeSolo is a single-partner session: the mediator responds after every
	// human turn.
	ModeSolo SessionMode = "solo"
)

// Valid reports whether the mode is one of the known session modes.
func (m SessionMode) Valid() bool {
	return m == ModePaired || m == ModeSolo
}

// =============================================================================
// Turn States
// =============================================================================

// TurnState is the session's indicator of who is permitted to act next.
//
// # Description
//
// In paired mode the machine cycles AwaitingFirst -> AwaitingSecond ->
// AwaitingGeneration -> AwaitingFirst. Solo mode stays in AwaitingGeneration:
// every human turn is followed by a mediator turn. Boundary and Ended are
// absorbing; no submission is ever accepted from either.
type TurnState string

const (
	// StateAwaitingFirst means partner A holds the turn.
	StateAwaitingFirst TurnState = "AwaitingFirst"

	// StateAwaitingSecond means partner B holds the turn.
	StateAwaitingSecond TurnState = "AwaitingSecond"

	// StateAwaitingGeneration means the round is complete and the mediator
	// owes a reflection. In solo mode this state also accepts the owner's
	// next message.
	StateAwaitingGeneration TurnState = "AwaitingGeneration"

	// StateBoundary means the safety layer has halted the session. Absorbing.
	StateBoundary TurnState = "Boundary"

	// StateEnded means the session was closed explicitly. Absorbing.
	StateEnded TurnState = "Ended"
)

// Terminal reports whether the state accepts no further submissions.
func (s TurnState) Terminal() bool {
	return s == StateBoundary || s == StateEnded
}

// =============================================================================
// Session
// =============================================================================

// Session is the unit of mediation: one conversation between one or two
// partners and the mediator.
//
// # Description
//
// A session is owned by the orchestrator and mutated only through turn-state
// transitions under the session's exclusive lock. The invariant
// BoundaryFlag == (TurnState == StateBoundary) holds at every commit point.
//
// # Fields
//
//   - SessionID: UUID v4, assigned at creation.
//   - Mode: paired or solo.
//   - PartnerA / PartnerB: registered party identifiers. PartnerB is empty
//     in solo mode.
//   - TurnState: current turn indicator.
//   - BoundaryFlag: true exactly when TurnState is Boundary.
//   - StartedAt / EndedAt: Unix milliseconds (UTC). EndedAt is zero until
//     the session ends.
type Session struct {
	SessionID    string      `json:"session_id"`
	Mode         SessionMode `json:"mode"`
	PartnerA     string      `json:"partner_a"`
	PartnerB     string      `json:"partner_b,omitempty"`
	TurnState    TurnState   `json:"turn_state"`
	BoundaryFlag bool        `json:"boundary_flag"`
	StartedAt    int64       `json:"started_at"`
	EndedAt      int64       `json:"ended_at,omitempty"`
}

// NewSession creates a session in its initial turn state.
//
// # Description
//
// Paired sessions start in AwaitingFirst (partner A opens). Solo sessions
// start in AwaitingGeneration, which in solo mode accepts the owner's
// messages directly.
//
// # Inputs
//
//   - id: Session identifier (UUID v4).
//   - mode: paired or solo.
//   - partnerA: Identifier of the first (or only) partner.
//   - partnerB: Identifier of the second partner. Ignored in solo mode.
//
// # Outputs
//
//   - *Session: Session ready for its first submission.
func NewSession(id string, mode SessionMode, partnerA, partnerB string) *Session {
	s := &Session{
		SessionID: id,
		Mode:      mode,
		PartnerA:  partnerA,
		StartedAt: time.Now().UnixMilli(),
	}
	switch mode {
	case ModeSolo:
		s.TurnState = StateAwaitingGeneration
	default:
		s.PartnerB = partnerB
		s.TurnState = StateAwaitingFirst
	}
	return s
}

// IsParty reports whether senderID is one of the session's registered partners.
func (s *Session) IsParty(senderID string) bool {
	if senderID == "" {
		return false
	}
	if senderID == s.PartnerA {
		return true
	}
	return s.Mode == ModePaired && senderID == s.PartnerB
}
