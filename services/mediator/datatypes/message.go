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

// Sender identifies who authored a message within a session.
type Sender string

const (
	SenderPartnerA Sender = "partner_a"
	SenderPartnerB Sender = "partner_b"
	SenderMediator Sender = "mediator"
)

// Message is a single committed conversation turn.
//
// # Description
//
// Messages are created once and immutable thereafter. Within a session they
// are totally ordered by CreatedAt, and that order is the delivery order seen
// by long-poll clients. Content is opaque to this service; any field-level
// encryption happens before the content reaches us.
//
// # Fields
//
//   - MessageID: UUID v4, assigned at append time.
//   - SessionID: Owning session.
//   - Sender: partner_a, partner_b, or mediator.
//   - Content: Opaque message body. For mediator turns this is the JSON
//     encoding of a ReflectionPayload.
//   - CreatedAt: Unix milliseconds (UTC), strictly monotonic per session.
//   - SafetyTags: Concerns recorded by the safety classifier at admit time.
//   - DedupeKey: Client-supplied idempotency token. A second append with the
//     same (session_id, dedupe_key) commits nothing and reports the original.
type Message struct {
	MessageID  string   `json:"message_id"`
	SessionID  string   `json:"session_id"`
	Sender     Sender   `json:"sender"`
	Content    string   `json:"content"`
	CreatedAt  int64    `json:"created_at"`
	SafetyTags []string `json:"safety_tags,omitempty"`
	DedupeKey  string   `json:"dedupe_key,omitempty"`
}
