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
	"fmt"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/pipeline/schema"
	"gopkg.in/yaml.v3"
)

// fallbackFile is the shape of the embedded fallback_payloads.yaml document.
type fallbackFile struct {
	Paired   datatypes.ReflectionPayload `yaml:"paired"`
	Solo     datatypes.ReflectionPayload `yaml:"solo"`
	Boundary datatypes.BoundaryNotice    `yaml:"boundary"`
}

// FallbackSet holds the pre-validated static payloads the pipeline
// substitutes when generation fails, plus the fixed boundary notice.
//
// # Description
//
// LoadFallbacks validates the paired and solo fallbacks against the schema
// validator at construction time, so a pipeline that starts can always honor
// its never-fails contract. The boundary notice is not a reflection and is
// not schema-validated.
type FallbackSet struct {
	paired   datatypes.ReflectionPayload
	solo     datatypes.ReflectionPayload
	boundary datatypes.BoundaryNotice

	// message-content encodings, prepared once at load so the pipeline's
	// fallback and boundary paths have no failure mode left
	encodedPaired   string
	encodedSolo     string
	encodedBoundary string
}

// LoadFallbacks parses and pre-validates the embedded fallback payloads.
//
// # Inputs
//
//   - validator: Schema validator used for pre-validation.
//
// # Outputs
//
//   - *FallbackSet: Ready fallback payloads.
//   - error: Non-nil if the embedded YAML is malformed or a fallback does
//     not satisfy the reflection schema. Either is a build defect and must
//     fail startup.
func LoadFallbacks(validator *Validator) (*FallbackSet, error) {
	var file fallbackFile
	if err := yaml.Unmarshal(schema.FallbackPayloads, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded fallback payloads: %w", err)
	}

	file.Paired.Source = datatypes.PayloadSourceFallback
	file.Solo.Source = datatypes.PayloadSourceFallback

	if result := validator.Validate(&file.Paired, datatypes.ModePaired); !result.Valid {
		return nil, fmt.Errorf("embedded paired fallback fails validation: %v", result.Diagnostics)
	}
	if result := validator.Validate(&file.Solo, datatypes.ModeSolo); !result.Valid {
		return nil, fmt.Errorf("embedded solo fallback fails validation: %v", result.Diagnostics)
	}
	if file.Boundary.Notice == "" {
		return nil, fmt.Errorf("embedded boundary notice is empty")
	}

	set := &FallbackSet{
		paired:   file.Paired,
		solo:     file.Solo,
		boundary: file.Boundary,
	}
	var err error
	if set.encodedPaired, err = set.paired.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode the paired fallback: %w", err)
	}
	if set.encodedSolo, err = set.solo.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode the solo fallback: %w", err)
	}
	if set.encodedBoundary, err = set.boundary.Encode(); err != nil {
		return nil, fmt.Errorf("failed to encode the boundary notice: %w", err)
	}
	return set, nil
}

// ForMode returns a copy of the fallback reflection for the given mode.
func (f *FallbackSet) ForMode(mode datatypes.SessionMode) datatypes.ReflectionPayload {
	if mode == datatypes.ModeSolo {
		return f.solo
	}
	return f.paired
}

// EncodedForMode returns the message-content encoding of the fallback
// reflection for the given mode.
func (f *FallbackSet) EncodedForMode(mode datatypes.SessionMode) string {
	if mode == datatypes.ModeSolo {
		return f.encodedSolo
	}
	return f.encodedPaired
}

// BoundaryNotice returns a copy of the fixed boundary notice.
func (f *FallbackSet) BoundaryNotice() datatypes.BoundaryNotice {
	return f.boundary
}

// EncodedBoundary returns the message-content encoding of the boundary
// notice.
func (f *FallbackSet) EncodedBoundary() string {
	return f.encodedBoundary
}
