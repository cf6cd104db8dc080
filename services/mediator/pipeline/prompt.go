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
	"strings"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// MaxContextMessages bounds the conversation window handed to the model.
// Older turns are dropped from the front; the round that triggered
// generation is always at the tail.
const MaxContextMessages = 20

const pairedInstructions = `Two partners are having a structured conversation.
Write one reflection as their neutral facilitator. Answer with a single JSON
object and nothing else, with exactly these keys:
  "mirror": 2-4 sentences reflecting back what each partner expressed.
  "exploration": one open question (1-2 sentences) ending with a question mark.
  "invitations": up to 3 gentle suggestions; each must begin with "You might",
    "Perhaps", "You could", "If it feels right", or "One option might be".
  "check_in": exactly one closing question ending with a question mark that
    addresses both partners (for example "both of you" or "each of you").
  "sentence_total": the integer count of sentences across all sections.
Never tell anyone what they should, must, need, or have to do, and never use
clinical or diagnostic language.`

const soloInstructions = `One person is working through their thoughts in a
structured journal conversation. Write one reflection as their neutral
facilitator. Answer with a single JSON object and nothing else, with exactly
these keys:
  "mirror": 2-4 sentences reflecting back what they expressed.
  "exploration": one open question (1-2 sentences) ending with a question mark.
  "invitations": up to 3 gentle suggestions; each must begin with "You might",
    "Perhaps", "You could", "If it feels right", or "One option might be".
  "check_in": exactly one closing question ending with a question mark.
  "sentence_total": the integer count of sentences across all sections.
Never tell anyone what they should, must, need, or have to do, and never use
clinical or diagnostic language.`

// BuildPrompt renders the conversation window plus the structural
// instructions for the given mode.
//
// # Description
//
// The transcript labels each turn by role. Mediator turns are included so
// the model sees its own prior reflections and does not repeat itself. The
// window is truncated to MaxContextMessages from the tail.
func BuildPrompt(mode datatypes.SessionMode, window []datatypes.Message) string {
	if len(window) > MaxContextMessages {
		window = window[len(window)-MaxContextMessages:]
	}

	var b strings.Builder
	if mode == datatypes.ModeSolo {
		b.WriteString(soloInstructions)
	} else {
		b.WriteString(pairedInstructions)
	}
	b.WriteString("\n\nConversation so far:\n")
	for _, msg := range window {
		b.WriteString(speakerLabel(msg.Sender))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("\nYour reflection as a single JSON object:")
	return b.String()
}

func speakerLabel(sender datatypes.Sender) string {
	switch sender {
	case datatypes.SenderPartnerA:
		return "Partner A"
	case datatypes.SenderPartnerB:
		return "Partner B"
	default:
		return "Mediator"
	}
}
