// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
This file bridges the build system and the runtime safety classifier. It uses
the Go embed package to bake safety_patterns.yaml directly into the compiled
binary, so the safety rules are immutable at runtime and travel with the
executable.
*/

package rules

import (
	_ "embed"
)

// SafetyPatterns holds the raw byte content of the 'safety_patterns.yaml' file.
//
// Populated at compile time via the embed directive. Baking the YAML into the
// binary ensures the safety rules cannot be tampered with on the host
// filesystem without recompiling the service.
//
// Usage:
//
//	err := yaml.Unmarshal(rules.SafetyPatterns, &targetStruct)
//
//go:embed safety_patterns.yaml
var SafetyPatterns []byte
