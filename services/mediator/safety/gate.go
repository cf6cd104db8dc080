// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

// Action is the gate's instruction to the orchestrator for one submission.
type Action string

const (
	// ActionAdmit lets the message through to the turn machine.
	ActionAdmit Action = "admit"

	// ActionReview rejects this specific message but leaves the turn state
	// untouched; the sender may rephrase and resubmit.
	ActionReview Action = "review"

	// ActionLock rejects the message and force-transitions the session into
	// the Boundary state. Irreversible inside this service.
	ActionLock Action = "lock"
)

// Verdict is the gate's full outcome: the action to take plus the underlying
// classifier assessment, so admitted messages can carry their concern tags
// and locked sessions can surface support resources.
type Verdict struct {
	Action     Action
	Assessment Assessment
}

// Gate wraps message submission with the tier policy.
//
// # Description
//
// The gate runs strictly before the turn machine, so a boundary transition
// always wins over a turn-order violation when both would apply. It holds no
// session state; the orchestrator applies ActionLock under the session's
// exclusive lock.
type Gate struct {
	classifier Classifier
}

// NewGate returns a gate over the given classifier.
func NewGate(classifier Classifier) *Gate {
	return &Gate{classifier: classifier}
}

// Evaluate classifies content and maps the tier to a gate action.
//
// # Description
//
// Policy: high tier locks the session, medium tier asks for review of this
// message only, low tier admits. Concern tags ride along on every verdict.
func (g *Gate) Evaluate(content string) Verdict {
	assessment := g.classifier.Classify(content)
	verdict := Verdict{Assessment: assessment}
	switch assessment.Tier {
	case TierHigh:
		verdict.Action = ActionLock
	case TierMedium:
		verdict.Action = ActionReview
	default:
		verdict.Action = ActionAdmit
	}
	return verdict
}
