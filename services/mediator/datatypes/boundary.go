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

// BoundaryNotice is the fixed payload emitted when a session reaches the
// safety boundary. It replaces the reflection for that turn and is the last
// mediator message the session will ever carry.
//
// # Fields
//
//   - Notice: Supportive explanation that the conversation is paused.
//   - Resources: Support resources surfaced alongside the notice.
type BoundaryNotice struct {
	Notice    string   `json:"notice" yaml:"notice"`
	Resources []string `json:"resources" yaml:"resources"`
}

// Encode serializes the notice to its message-content form.
func (b *BoundaryNotice) Encode() (string, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeBoundaryNotice parses a message body produced by Encode.
func DecodeBoundaryNotice(raw string) (*BoundaryNotice, error) {
	var b BoundaryNotice
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	return &b, nil
}
