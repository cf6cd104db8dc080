// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turn implements the turn-taking state machine for mediator
// sessions.
//
// # Description
//
// The machine decides whether a given partner may submit a message right now
// and how the session state advances after an accepted submission or a
// completed mediator turn. CanSubmit is deterministic and side-effect free;
// Advance applies no transition unless CanSubmit would have allowed it. Both
// must run under the session's exclusive lock: the result of CanSubmit is
// only trustworthy within the same atomic step that acts on it. Two partners
// racing for the same turn are resolved by order of lock acquisition; the
// loser observes the advanced state and is rejected.
package turn

import (
	"fmt"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// Rejection reasons surfaced to clients. These are part of the API contract;
// tests and client handling key off them.
const (
	ReasonSessionEnded  = "session has ended"
	ReasonBoundary      = "session has reached boundary"
	ReasonNotPartner    = "not part of this session"
	reasonWrongTurnTmpl = "not your turn — currently %s"
)

// WrongTurnReason renders the rejection reason for a submission that arrived
// out of turn.
func WrongTurnReason(state datatypes.TurnState) string {
	return fmt.Sprintf(reasonWrongTurnTmpl, state)
}

// Decision is the outcome of a CanSubmit check.
//
// # Fields
//
//   - Allowed: True when the sender may submit now.
//   - ExpectedTurn: The state the check evaluated against. On rejection this
//     tells the client whose turn it actually is.
//   - Reason: Human-readable rejection reason. Empty when Allowed.
type Decision struct {
	Allowed      bool
	ExpectedTurn datatypes.TurnState
	Reason       string
}

// Machine evaluates and applies turn transitions. It is stateless; all state
// lives on the session. A single Machine instance serves every session.
type Machine struct{}

// NewMachine returns a turn machine.
func NewMachine() *Machine {
	return &Machine{}
}

// CanSubmit reports whether senderID may submit a message to the session in
// its current state.
//
// # Description
//
// Rejection cases, in evaluation order:
//   - session Ended: "session has ended"
//   - session at Boundary: "session has reached boundary"
//   - sender not a registered partner: "not part of this session"
//   - sender does not hold the current turn: "not your turn — currently <state>"
//
// # Inputs
//
//   - session: The session under its exclusive lock.
//   - senderID: Candidate sender.
//
// # Outputs
//
//   - Decision: Allowed flag, the state checked against, and a reason on
//     rejection.
func (m *Machine) CanSubmit(session *datatypes.Session, senderID string) Decision {
	d := Decision{ExpectedTurn: session.TurnState}

	switch session.TurnState {
	case datatypes.StateEnded:
		d.Reason = ReasonSessionEnded
		return d
	case datatypes.StateBoundary:
		d.Reason = ReasonBoundary
		return d
	}

	if !session.IsParty(senderID) {
		d.Reason = ReasonNotPartner
		return d
	}

	if m.holdsTurn(session, senderID) {
		d.Allowed = true
		return d
	}
	d.Reason = WrongTurnReason(session.TurnState)
	return d
}

// holdsTurn reports whether senderID owns the current turn. Callers have
// already established that senderID is a registered partner.
func (m *Machine) holdsTurn(session *datatypes.Session, senderID string) bool {
	if session.Mode == datatypes.ModeSolo {
		// Solo sessions sit in AwaitingGeneration and accept the owner's
		// next message from there.
		return session.TurnState == datatypes.StateAwaitingGeneration
	}
	switch session.TurnState {
	case datatypes.StateAwaitingFirst:
		return senderID == session.PartnerA
	case datatypes.StateAwaitingSecond:
		return senderID == session.PartnerB
	default:
		// AwaitingGeneration: the mediator owes a turn, no human may speak.
		return false
	}
}

// SenderRole maps a partner identifier to its message sender role.
func (m *Machine) SenderRole(session *datatypes.Session, senderID string) datatypes.Sender {
	if session.Mode == datatypes.ModePaired && senderID == session.PartnerB {
		return datatypes.SenderPartnerB
	}
	return datatypes.SenderPartnerA
}

// Advance applies the transition for an accepted human submission.
//
// # Description
//
// No-op if CanSubmit would reject: transitions are never applied
// speculatively. Paired mode moves AwaitingFirst -> AwaitingSecond ->
// AwaitingGeneration; solo mode stays in AwaitingGeneration.
//
// # Outputs
//
//   - datatypes.TurnState: The (possibly unchanged) state after the call.
func (m *Machine) Advance(session *datatypes.Session, senderID string) datatypes.TurnState {
	if !m.CanSubmit(session, senderID).Allowed {
		return session.TurnState
	}
	if session.Mode == datatypes.ModeSolo {
		return session.TurnState // stays AwaitingGeneration
	}
	switch session.TurnState {
	case datatypes.StateAwaitingFirst:
		session.TurnState = datatypes.StateAwaitingSecond
	case datatypes.StateAwaitingSecond:
		session.TurnState = datatypes.StateAwaitingGeneration
	}
	return session.TurnState
}

// RequiresGeneration reports whether the session now owes a mediator turn.
//
// # Description
//
// Paired mode owes a reflection once both partners have spoken
// (AwaitingGeneration). Solo mode owes one after every accepted human turn,
// which is also the AwaitingGeneration state.
func (m *Machine) RequiresGeneration(session *datatypes.Session) bool {
	return session.TurnState == datatypes.StateAwaitingGeneration
}

// AdvanceGeneration applies the transition for a committed mediator turn.
//
// # Description
//
// Paired mode returns to AwaitingFirst for the next round. Solo mode remains
// in AwaitingGeneration. No-op in terminal states: a boundary raised while
// the pipeline was running must not be overwritten.
func (m *Machine) AdvanceGeneration(session *datatypes.Session) datatypes.TurnState {
	if session.TurnState != datatypes.StateAwaitingGeneration {
		return session.TurnState
	}
	if session.Mode == datatypes.ModePaired {
		session.TurnState = datatypes.StateAwaitingFirst
	}
	return session.TurnState
}

// Lock force-transitions the session into the Boundary state.
//
// # Description
//
// Used by the safety gate when a high-tier message is detected. Irreversible
// inside this service; Ended sessions stay Ended.
func (m *Machine) Lock(session *datatypes.Session) {
	if session.TurnState == datatypes.StateEnded {
		return
	}
	session.TurnState = datatypes.StateBoundary
	session.BoundaryFlag = true
}

// End closes the session explicitly. Boundary is absorbing too, so a locked
// session stays locked; the boundary flag and state always move together.
func (m *Machine) End(session *datatypes.Session, endedAt int64) {
	if session.TurnState.Terminal() {
		return
	}
	session.TurnState = datatypes.StateEnded
	session.EndedAt = endedAt
}
