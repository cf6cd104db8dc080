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
This file bakes the reflection schema rules and the static fallback payloads
into the compiled binary via the Go embed package. The structural contract
and the fallback texts are immutable at runtime and travel with the
executable.
*/

package schema

import (
	_ "embed"
)

// ReflectionSchema holds the raw bytes of 'reflection_schema.yaml'.
//
//go:embed reflection_schema.yaml
var ReflectionSchema []byte

// FallbackPayloads holds the raw bytes of 'fallback_payloads.yaml'.
//
//go:embed fallback_payloads.yaml
var FallbackPayloads []byte
