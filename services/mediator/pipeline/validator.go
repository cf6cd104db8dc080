// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline produces the mediator's turn: it orchestrates model
// calls under a retry/validate/fallback discipline and guarantees a usable
// payload on every invocation.
//
// This file implements the reflection schema validator. The validator is a
// pure function over the loaded rule set: pass/fail plus diagnostics, no
// state, safe for concurrent use.
package pipeline

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/pipeline/schema"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Schema Rule Types
// =============================================================================

// SectionRule bounds one payload section.
type SectionRule struct {
	MinSentences     int  `yaml:"min_sentences"`
	MaxSentences     int  `yaml:"max_sentences"`
	EndsWithQuestion bool `yaml:"ends_with_question"`
}

// InvitationRule bounds the invitation list.
type InvitationRule struct {
	MaxItems         int `yaml:"max_items"`
	SentencesPerItem int `yaml:"sentences_per_item"`
}

// SchemaRules is the shape of the embedded reflection_schema.yaml document.
type SchemaRules struct {
	Sections struct {
		Mirror      SectionRule    `yaml:"mirror"`
		Exploration SectionRule    `yaml:"exploration"`
		Invitations InvitationRule `yaml:"invitations"`
		CheckIn     SectionRule    `yaml:"check_in"`
	} `yaml:"sections"`
	PairedReferenceMarkers []string `yaml:"paired_reference_markers"`
	BannedTerms            []string `yaml:"banned_terms"`
	SoftOpeners            []string `yaml:"soft_openers"`
}

// ValidationResult is the validator's verdict on one candidate payload.
//
// # Fields
//
//   - Valid: True when every rule passed.
//   - Diagnostics: One entry per violated rule, human-readable. Empty when
//     Valid. Diagnostics are for logs and telemetry, never for end users.
type ValidationResult struct {
	Valid       bool
	Diagnostics []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// =============================================================================
// Validator
// =============================================================================

// Validator checks candidate reflection payloads against the embedded
// structural contract.
type Validator struct {
	rules SchemaRules
}

// NewValidator loads the embedded schema rules.
//
// # Outputs
//
//   - *Validator: Ready for concurrent use.
//   - error: Non-nil if the embedded YAML is malformed.
func NewValidator() (*Validator, error) {
	var rules SchemaRules
	if err := yaml.Unmarshal(schema.ReflectionSchema, &rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded reflection schema: %w", err)
	}
	return &Validator{rules: rules}, nil
}

// Validate checks a candidate payload against every schema rule.
//
// # Description
//
// Rules, in order of evaluation:
//   - required sections present (mirror, exploration, check-in; the struct
//     fixes the canonical section order)
//   - per-section sentence bounds
//   - exploration and check-in end with a question mark
//   - paired mode: the check-in references both partners
//   - banned directive/clinical terms appear nowhere in the payload
//   - every invitation item begins with a configured soft opener
//   - the self-reported sentence total equals the recomputed count
//
// All rules are evaluated even after the first failure so diagnostics are
// complete for one attempt.
//
// # Inputs
//
//   - payload: Candidate payload (decoded model output or static fallback).
//   - mode: Session mode; selects the paired-specific rules.
//
// # Outputs
//
//   - ValidationResult: Pass/fail plus per-rule diagnostics.
func (v *Validator) Validate(payload *datatypes.ReflectionPayload, mode datatypes.SessionMode) ValidationResult {
	result := ValidationResult{}

	v.checkSection(&result, "mirror", payload.Mirror, v.rules.Sections.Mirror)
	v.checkSection(&result, "exploration", payload.Exploration, v.rules.Sections.Exploration)
	v.checkSection(&result, "check_in", payload.CheckIn, v.rules.Sections.CheckIn)
	v.checkInvitations(&result, payload.Invitations)

	if mode == datatypes.ModePaired && payload.CheckIn != "" {
		if !v.referencesBothPartners(payload.CheckIn) {
			result.fail("check_in must reference both partners in paired mode")
		}
	}

	v.checkBannedTerms(&result, payload)

	if recomputed := v.CountSentences(payload); payload.SentenceTotal != recomputed {
		result.fail("sentence_total %d does not match recomputed count %d",
			payload.SentenceTotal, recomputed)
	}

	result.Valid = len(result.Diagnostics) == 0
	return result
}

// CountSentences recomputes the payload's total sentence count across all
// sections, independently of the model's self-report.
func (v *Validator) CountSentences(payload *datatypes.ReflectionPayload) int {
	total := len(splitSentences(payload.Mirror)) +
		len(splitSentences(payload.Exploration)) +
		len(splitSentences(payload.CheckIn))
	for _, item := range payload.Invitations {
		total += len(splitSentences(item))
	}
	return total
}

func (v *Validator) checkSection(result *ValidationResult, name, text string, rule SectionRule) {
	if strings.TrimSpace(text) == "" {
		result.fail("section %s is required", name)
		return
	}
	count := len(splitSentences(text))
	if count < rule.MinSentences || count > rule.MaxSentences {
		result.fail("section %s has %d sentences, want %d-%d",
			name, count, rule.MinSentences, rule.MaxSentences)
	}
	if rule.EndsWithQuestion && !endsWithQuestionMark(text) {
		result.fail("section %s must end with a question mark", name)
	}
}

func (v *Validator) checkInvitations(result *ValidationResult, items []string) {
	rule := v.rules.Sections.Invitations
	if len(items) > rule.MaxItems {
		result.fail("invitations has %d items, max %d", len(items), rule.MaxItems)
	}
	for i, item := range items {
		if !v.hasSoftOpener(item) {
			result.fail("invitation %d must begin with a soft opener", i)
		}
		if count := len(splitSentences(item)); count != rule.SentencesPerItem {
			result.fail("invitation %d has %d sentences, want %d", i, count, rule.SentencesPerItem)
		}
	}
}

func (v *Validator) checkBannedTerms(result *ValidationResult, payload *datatypes.ReflectionPayload) {
	sections := []string{payload.Mirror, payload.Exploration, payload.CheckIn}
	sections = append(sections, payload.Invitations...)
	for _, text := range sections {
		lowered := strings.ToLower(text)
		for _, term := range v.rules.BannedTerms {
			if strings.Contains(lowered, strings.ToLower(term)) {
				result.fail("banned term %q present", term)
			}
		}
	}
}

func (v *Validator) hasSoftOpener(item string) bool {
	trimmed := strings.TrimSpace(item)
	for _, opener := range v.rules.SoftOpeners {
		if strings.HasPrefix(trimmed, opener) {
			return true
		}
	}
	return false
}

func (v *Validator) referencesBothPartners(checkIn string) bool {
	lowered := strings.ToLower(checkIn)
	for _, marker := range v.rules.PairedReferenceMarkers {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Sentence Splitting
// =============================================================================

// splitSentences breaks text into sentences on terminal punctuation (., !, ?)
// followed by whitespace or end of text. Runs of terminals ("?!", "...")
// close a single sentence. Deliberately simple: the payload register makes
// abbreviation-heavy prose unlikely, and both the validator and the model's
// self-report are measured with the same ruler.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(strings.TrimSpace(text))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)
		if !isTerminal(r) {
			continue
		}
		// absorb the rest of a terminal run
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
			current.WriteRune(runes[i])
		}
		if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// endsWithQuestionMark reports whether the last non-space rune is '?'.
func endsWithQuestionMark(text string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(text), "\"')")
	return strings.HasSuffix(trimmed, "?")
}
