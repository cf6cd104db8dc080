// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/Attune/services/llm"
	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/longpoll"
	"github.com/AleutianAI/Attune/services/mediator/pipeline"
	"github.com/AleutianAI/Attune/services/mediator/safety"
	"github.com/AleutianAI/Attune/services/mediator/session"
	"github.com/AleutianAI/Attune/services/mediator/store"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// mockLLMClient returns the paired fallback payload, which satisfies the
// reflection schema.
type mockLLMClient struct {
	output string
}

func (m *mockLLMClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return m.output, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	st := store.NewMemoryStore()
	classifier, err := safety.NewClassifier()
	if err != nil {
		t.Fatalf("Failed to load the classifier: %v", err)
	}
	v, err := pipeline.NewValidator()
	if err != nil {
		t.Fatalf("Failed to load the validator: %v", err)
	}
	fallbacks, err := pipeline.LoadFallbacks(v)
	if err != nil {
		t.Fatalf("Failed to load fallbacks: %v", err)
	}
	pl := pipeline.New(&mockLLMClient{output: fallbacks.EncodedForMode(datatypes.ModePaired)},
		v, fallbacks, pipeline.Config{
			MaxRetries:      2,
			AttemptTimeout:  time.Second,
			PipelineTimeout: 5 * time.Second,
			RetryBackoff:    time.Millisecond,
		})
	poller := longpoll.NewManager(
		func(ctx context.Context, sessionID string, afterMs int64) ([]datatypes.Message, error) {
			return st.MessagesAfter(ctx, sessionID, afterMs, 0)
		}, longpoll.DefaultConfig())
	orch := session.NewOrchestrator(st, safety.NewGate(classifier), pl, poller, nil,
		slog.New(slog.DiscardHandler), session.Config{
			SubmitInterval: time.Millisecond,
			SubmitBurst:    100,
		})

	router := gin.New()
	SetupRoutes(router, orch)
	return router
}

func TestSetupRoutes_RegistersCoreRoutes(t *testing.T) {
	router := newTestRouter(t)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/sessions"},
		{"GET", "/v1/sessions"},
		{"GET", "/v1/sessions/:sessionId"},
		{"GET", "/v1/sessions/:sessionId/turn"},
		{"GET", "/v1/sessions/:sessionId/history"},
		{"GET", "/v1/sessions/:sessionId/poll"},
		{"POST", "/v1/sessions/:sessionId/messages"},
		{"POST", "/v1/sessions/:sessionId/end"},
		{"DELETE", "/v1/sessions/:sessionId"},
	}

	routes := router.Routes()
	for _, want := range expected {
		found := false
		for _, r := range routes {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", want.method, want.path)
		}
	}
}

func TestSetupRoutes_HealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Health endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Metrics endpoint returned %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Metrics endpoint should return Content-Type header")
	}
}

func createSessionHTTP(t *testing.T, router *gin.Engine) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"mode":      "paired",
		"partner_a": "alice",
		"partner_b": "bob",
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Create session returned %d: %s", w.Code, w.Body.String())
	}
	var created datatypes.Session
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Create session body does not decode: %v", err)
	}
	if created.SessionID == "" {
		t.Fatal("Create session returned an empty session_id")
	}
	return created.SessionID
}

func submitHTTP(t *testing.T, router *gin.Engine, sessionID, sender, content string) (*httptest.ResponseRecorder, *datatypes.SubmitMessageResponse) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"sender_id":  sender,
		"content":    content,
		"dedupe_key": uuid.NewString(),
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions/"+sessionID+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	var resp datatypes.SubmitMessageResponse
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Submit body does not decode: %v", err)
		}
	}
	return w, &resp
}

func TestSubmitMessage_HTTPFlow(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)

	w, resp := submitHTTP(t, router, sessionID, "alice", "I felt alone this week.")
	if w.Code != http.StatusOK || !resp.Accepted {
		t.Fatalf("A's submit: got (%d, accepted=%v), want 200 accepted", w.Code, resp.Accepted)
	}

	// Turn violations are a protocol outcome: 200 with accepted=false.
	w, resp = submitHTTP(t, router, sessionID, "alice", "again")
	if w.Code != http.StatusOK {
		t.Fatalf("out-of-turn submit returned %d, want 200", w.Code)
	}
	if resp.Accepted {
		t.Error("out-of-turn submit must not be accepted")
	}
	if want := "not your turn — currently AwaitingSecond"; resp.Reason != want {
		t.Errorf("reason: got %q, want %q", resp.Reason, want)
	}
}

func TestSubmitMessage_BadRequests(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)

	// Malformed JSON body.
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions/"+sessionID+"/messages",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body returned %d, want 400", w.Code)
	}

	// Missing sender.
	body, _ := json.Marshal(map[string]string{"content": "hi"})
	w = httptest.NewRecorder()
	req, _ = http.NewRequest("POST", "/v1/sessions/"+sessionID+"/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing sender returned %d, want 400", w.Code)
	}
}

func TestSubmitMessage_UnknownSession(t *testing.T) {
	router := newTestRouter(t)

	w, _ := submitHTTP(t, router, "no-such-session", "alice", "hello")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown session returned %d, want 404", w.Code)
	}
}

func TestCreateSession_PairedRequiresPartnerB(t *testing.T) {
	router := newTestRouter(t)

	body, _ := json.Marshal(map[string]string{
		"mode":      "paired",
		"partner_a": "alice",
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("paired create without partner_b returned %d, want 400", w.Code)
	}
}

func TestPollMessages_ReturnsCommitted(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)
	submitHTTP(t, router, sessionID, "alice", "First.")

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET",
		"/v1/sessions/"+sessionID+"/poll?client_id=client-b&watermark=0&wait_ms=500", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("poll returned %d: %s", w.Code, w.Body.String())
	}
	var resp datatypes.PollResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("poll body does not decode: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Errorf("poll: got %d messages, want 1", len(resp.Messages))
	}
	if resp.Watermark == 0 {
		t.Error("poll watermark must advance past zero")
	}
}

func TestPollMessages_RequiresClientID(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/v1/sessions/"+sessionID+"/poll?wait_ms=10", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("poll without client_id returned %d, want 400", w.Code)
	}
}

func TestEndSession_HTTPFlow(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/sessions/"+sessionID+"/end", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("end returned %d: %s", w.Code, w.Body.String())
	}

	w2, resp := submitHTTP(t, router, sessionID, "alice", "anyone?")
	if w2.Code != http.StatusOK || resp.Accepted {
		t.Errorf("submit after end: got (%d, accepted=%v), want 200 rejected", w2.Code, resp.Accepted)
	}
	if resp.Reason != "session has ended" {
		t.Errorf("reason: got %q, want %q", resp.Reason, "session has ended")
	}
}

func TestDeleteSession_HTTPFlow(t *testing.T) {
	router := newTestRouter(t)
	sessionID := createSessionHTTP(t, router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("DELETE", "/v1/sessions/"+sessionID, nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/v1/sessions/"+sessionID, nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete returned %d, want 404", w.Code)
	}
}
