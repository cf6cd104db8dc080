// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "encoding/json"

// =============================================================================
// Reflection Payload
// =============================================================================

// ReflectionPayload is the structured response the mediator produces after
// each conversation round.
//
// # Description
//
// The payload carries four sections in one fixed canonical order: mirror,
// exploration, invitations, check-in. The generation pipeline's schema
// validator enforces per-section sentence bounds, question-mark terminals on
// exploration and check-in, soft phrasing on invitation items, a banned-term
// list, and agreement between SentenceTotal and the recomputed sentence
// count. Payloads that reach a Message have passed that validation (or are
// the pre-validated static fallback).
//
// # Fields
//
//   - Mirror: Reflects back what each partner expressed. 2-4 sentences.
//   - Exploration: A single open question inviting a deeper look. Must end
//     with a question mark.
//   - Invitations: Optional gentle suggestions, at most three. Each item must
//     begin with one of the configured soft openers ("You might", "Perhaps",
//     ...).
//   - CheckIn: Closing question. Must end with a question mark and, in paired
//     mode, must reference both partners.
//   - SentenceTotal: Self-reported sentence count across all sections. Must
//     equal the independently recomputed count.
//   - Source: How the payload was produced: generated, fallback, or boundary.
//     Set by the pipeline, never by the model.
type ReflectionPayload struct {
	Mirror        string   `json:"mirror" yaml:"mirror"`
	Exploration   string   `json:"exploration" yaml:"exploration"`
	Invitations   []string `json:"invitations,omitempty" yaml:"invitations,omitempty"`
	CheckIn       string   `json:"check_in" yaml:"check_in"`
	SentenceTotal int      `json:"sentence_total" yaml:"sentence_total"`
	Source        string   `json:"source,omitempty" yaml:"source,omitempty"`
}

// Payload source values recorded by the generation pipeline.
const (
	PayloadSourceGenerated = "generated"
	PayloadSourceFallback  = "fallback"
	PayloadSourceBoundary  = "boundary"
)

// Encode serializes the payload to its message-content form.
func (p *ReflectionPayload) Encode() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeReflectionPayload parses raw model output into a payload.
//
// # Description
//
// The model is instructed to answer with a single JSON object. Anything that
// is not valid JSON for this shape is a validation failure and counts against
// the retry budget.
//
// # Inputs
//
//   - raw: Raw model output.
//
// # Outputs
//
//   - *ReflectionPayload: Parsed payload.
//   - error: Non-nil if raw is not a valid payload document.
func DecodeReflectionPayload(raw string) (*ReflectionPayload, error) {
	var p ReflectionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
