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
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/Attune/services/llm"
	"github.com/AleutianAI/Attune/services/mediator/datatypes"
)

// scriptedClient plays back a fixed sequence of model responses.
type scriptedClient struct {
	calls     atomic.Int32
	responses []string
	errs      []error
}

func (c *scriptedClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	i := int(c.calls.Add(1)) - 1
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	if err != nil {
		return "", err
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return "", errors.New("script exhausted")
}

func testPipeline(t *testing.T, client llm.LLMClient) (*Pipeline, *FallbackSet) {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("Failed to load the embedded schema: %v", err)
	}
	fallbacks, err := LoadFallbacks(v)
	if err != nil {
		t.Fatalf("Failed to load fallbacks: %v", err)
	}
	cfg := Config{
		MaxRetries:      2,
		AttemptTimeout:  time.Second,
		PipelineTimeout: 5 * time.Second,
		RetryBackoff:    time.Millisecond,
	}
	return New(client, v, fallbacks, cfg), fallbacks
}

func encodedValidPayload(t *testing.T) string {
	t.Helper()
	payload := validPairedPayload()
	raw, err := payload.Encode()
	if err != nil {
		t.Fatalf("Failed to encode test payload: %v", err)
	}
	return raw
}

func TestGenerate_FirstAttemptSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []string{encodedValidPayload(t)}}
	p, _ := testPipeline(t, client)

	content, outcome := p.Generate(context.Background(), Request{
		SessionID: "sess-1",
		Mode:      datatypes.ModePaired,
	})

	if outcome.Path != PathGenerated {
		t.Errorf("path: got %s, want %s", outcome.Path, PathGenerated)
	}
	if outcome.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", outcome.Attempts)
	}
	if outcome.UsedFallback {
		t.Error("UsedFallback must be false on the generated path")
	}
	payload, err := datatypes.DecodeReflectionPayload(content)
	if err != nil {
		t.Fatalf("content is not a valid payload: %v", err)
	}
	if payload.Source != datatypes.PayloadSourceGenerated {
		t.Errorf("source: got %q, want %q", payload.Source, datatypes.PayloadSourceGenerated)
	}
}

func TestGenerate_RecoversAfterInvalidAttempt(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"mirror": "Too short."}`,
		encodedValidPayload(t),
	}}
	p, _ := testPipeline(t, client)

	_, outcome := p.Generate(context.Background(), Request{Mode: datatypes.ModePaired})
	if outcome.Path != PathGenerated {
		t.Errorf("path: got %s, want %s", outcome.Path, PathGenerated)
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", outcome.Attempts)
	}
}

func TestGenerate_AlwaysInvalidExhaustsBudget(t *testing.T) {
	// Every response decodes but fails validation.
	invalid := `{"mirror": "One sentence only.", "sentence_total": 99}`
	client := &scriptedClient{responses: []string{invalid, invalid, invalid, invalid}}
	p, fallbacks := testPipeline(t, client)

	content, outcome := p.Generate(context.Background(), Request{Mode: datatypes.ModePaired})

	if got, want := int(client.calls.Load()), 3; got != want {
		t.Errorf("model calls: got %d, want maxRetries+1 = %d", got, want)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", outcome.Attempts)
	}
	if !outcome.UsedFallback || outcome.Path != PathFallback {
		t.Errorf("got (%s, fallback=%v), want fallback path", outcome.Path, outcome.UsedFallback)
	}
	if content != fallbacks.EncodedForMode(datatypes.ModePaired) {
		t.Error("exhausted pipeline must return the paired fallback encoding")
	}
	if len(outcome.Diagnostics) == 0 {
		t.Error("fallback outcome should carry the last attempt's diagnostics")
	}
}

func TestGenerate_TransportFailuresShareTheBudget(t *testing.T) {
	boom := errors.New("connection refused")
	client := &scriptedClient{errs: []error{boom, boom, boom, boom}}
	p, fallbacks := testPipeline(t, client)

	content, outcome := p.Generate(context.Background(), Request{Mode: datatypes.ModeSolo})

	if got, want := int(client.calls.Load()), 3; got != want {
		t.Errorf("model calls: got %d, want %d", got, want)
	}
	if !outcome.UsedFallback {
		t.Error("transport exhaustion must substitute the fallback")
	}
	if content != fallbacks.EncodedForMode(datatypes.ModeSolo) {
		t.Error("solo session must receive the solo fallback encoding")
	}
}

func TestGenerate_MixedFailuresShareOneCounter(t *testing.T) {
	client := &scriptedClient{
		responses: []string{"", "not json at all", `{"mirror": "Short."}`},
		errs:      []error{errors.New("timeout"), nil, nil},
	}
	p, _ := testPipeline(t, client)

	_, outcome := p.Generate(context.Background(), Request{Mode: datatypes.ModePaired})
	if got, want := int(client.calls.Load()), 3; got != want {
		t.Errorf("model calls: got %d, want %d", got, want)
	}
	if outcome.Attempts != 3 || !outcome.UsedFallback {
		t.Errorf("got attempts=%d fallback=%v, want 3 and true", outcome.Attempts, outcome.UsedFallback)
	}
}

func TestGenerate_BoundaryShortCircuits(t *testing.T) {
	client := &scriptedClient{}
	p, fallbacks := testPipeline(t, client)

	content, outcome := p.Generate(context.Background(), Request{
		Mode:     datatypes.ModePaired,
		Boundary: true,
	})

	if outcome.Path != PathBoundary {
		t.Errorf("path: got %s, want %s", outcome.Path, PathBoundary)
	}
	if outcome.Attempts != 0 {
		t.Errorf("boundary path made %d model calls, want 0", outcome.Attempts)
	}
	if got := int(client.calls.Load()); got != 0 {
		t.Errorf("model was called %d times on the boundary path", got)
	}
	if content != fallbacks.EncodedBoundary() {
		t.Error("boundary path must return the fixed notice encoding")
	}
}

func TestGenerate_CancelledContextFallsBack(t *testing.T) {
	client := &scriptedClient{errs: []error{
		errors.New("slow"), errors.New("slow"), errors.New("slow"),
	}}
	p, fallbacks := testPipeline(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	content, outcome := p.Generate(ctx, Request{Mode: datatypes.ModePaired})

	if content != fallbacks.EncodedForMode(datatypes.ModePaired) {
		t.Error("cancelled pipeline must still return usable content")
	}
	if outcome.Path != PathFallback {
		t.Errorf("path: got %s, want %s", outcome.Path, PathFallback)
	}
}
