// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety classifies conversation content into risk tiers and applies
// the boundary policy for the mediator service.
package safety

import (
	"fmt"

	"github.com/AleutianAI/Attune/services/mediator/safety/rules"
	"gopkg.in/yaml.v3"
)

// Classifier classifies a text span into a risk tier with associated
// concerns.
//
// # Description
//
// Classify is a pure function over the loaded rule set: it never mutates
// state and is safe for concurrent use. The gate consumes assessments; it
// never calls the classifier twice for the same submission.
type Classifier interface {
	Classify(text string) Assessment
}

// regexClassifier is the embedded-rules implementation of Classifier.
type regexClassifier struct {
	categories []Category
}

// NewClassifier loads the embedded safety rules and returns a ready
// classifier.
//
// # Description
//
// Unmarshals the rules baked into the binary, compiles every regex, and
// sorts categories by priority. Returns an error if the embedded YAML is
// malformed or contains an invalid regex.
//
// # Outputs
//
//   - Classifier: Ready for concurrent use.
//   - error: Non-nil on a malformed embedded rule set.
func NewClassifier() (Classifier, error) {
	var file SafetyRulesFile
	if err := yaml.Unmarshal(rules.SafetyPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded safety rules: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a safety pattern: %w", err)
	}
	file.SortByPriority()
	return &regexClassifier{categories: file.Categories}, nil
}

// Classify evaluates every category against the text.
//
// # Description
//
// The returned tier is the highest tier among matched categories; the
// concern list carries each matched category name once, in priority order.
// Text matching nothing is low tier with no concerns.
func (c *regexClassifier) Classify(text string) Assessment {
	assessment := Assessment{Tier: TierLow}
	for _, category := range c.categories {
		for _, pattern := range category.Patterns {
			if pattern.compiled.MatchString(text) {
				assessment.Concerns = append(assessment.Concerns, category.Name)
				if category.Tier.Exceeds(assessment.Tier) {
					assessment.Tier = category.Tier
				}
				break // one concern per category is enough
			}
		}
	}
	return assessment
}
