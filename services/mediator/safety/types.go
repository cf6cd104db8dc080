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

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// RiskTier is the classification outcome for a text span.
type RiskTier string

const (
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
)

// Exceeds reports whether t is a stricter tier than other.
func (t RiskTier) Exceeds(other RiskTier) bool {
	return tierRank(t) > tierRank(other)
}

func tierRank(t RiskTier) int {
	switch t {
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// UnmarshalYAML restricts tier values to the known vocabulary.
func (t *RiskTier) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incoming := RiskTier(s)
	switch incoming {
	case TierLow, TierMedium, TierHigh:
		*t = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for tier: %q", incoming)
	}
}

// SafetyRulesFile is the shape of the embedded safety_patterns.yaml document.
type SafetyRulesFile struct {
	Categories []Category `yaml:"categories"`
}

// Category groups related patterns under one concern name and tier.
type Category struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Tier        RiskTier  `yaml:"tier"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is a single regex rule within a category.
type Pattern struct {
	Id          string `yaml:"id"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`

	compiled *regexp.Regexp `yaml:"-"`
}

// CompileRegexes compiles every pattern in the file. Must succeed before the
// classifier is used; an invalid embedded regex is a build defect.
func (f *SafetyRulesFile) CompileRegexes() error {
	for i := range f.Categories {
		for j := range f.Categories[i].Patterns {
			p := &f.Categories[i].Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", p.Regex, err)
			}
			p.compiled = re
		}
	}
	return nil
}

// SortByPriority orders categories from highest to lowest priority so the
// most severe concerns are recorded first.
func (f *SafetyRulesFile) SortByPriority() {
	sort.Slice(f.Categories, func(i, j int) bool {
		return f.Categories[i].Priority > f.Categories[j].Priority
	})
}

// Assessment is the classifier's verdict on one text span.
//
// # Fields
//
//   - Tier: The highest tier among all matched categories; low when nothing
//     matched.
//   - Concerns: Names of every matched category, in priority order, without
//     duplicates.
type Assessment struct {
	Tier     RiskTier `json:"tier"`
	Concerns []string `json:"concerns,omitempty"`
}
