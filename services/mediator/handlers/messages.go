// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/longpoll"
	"github.com/AleutianAI/Attune/services/mediator/session"
	"github.com/AleutianAI/Attune/services/mediator/store"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
)

// SubmitMessage handles POST /v1/sessions/:sessionId/messages.
//
// # Description
//
// Synchronous accept/reject. Acceptance implies eventual delivery via poll,
// not an inline echo of the mediator's turn. Rejections come back 200 with
// accepted=false and a reason; turn violations are a protocol outcome, not
// a transport error. Duplicate dedupe keys read as accepted.
func SubmitMessage(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := mediatorTracer.Start(c.Request.Context(), "SubmitMessage")
		defer span.End()

		sessionID := c.Param("sessionId")
		var req datatypes.SubmitMessageRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the submit request", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := orch.SubmitMessage(ctx, sessionID, &req)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, session.ErrRateLimited):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			default:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				slog.Error("Submit failed", "sessionId", sessionID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit message"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// PollMessages handles GET /v1/sessions/:sessionId/poll.
//
// # Description
//
// Long-poll: holds the request open up to wait_ms until a message newer
// than the watermark commits. A timeout is a heartbeat, not an error. A
// client that disconnects mid-wait gets no body; its waiter is released
// promptly.
func PollMessages(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		var req datatypes.PollRequest
		if err := c.ShouldBindQuery(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.WaitMs > datatypes.MaxPollWaitMs {
			req.WaitMs = datatypes.MaxPollWaitMs
		}

		resp, err := orch.Poll(c.Request.Context(), sessionID, &req)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			case errors.Is(err, longpoll.ErrWaiterOverflow):
				c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			case errors.Is(err, context.Canceled):
				// Client went away; nothing to write.
			default:
				slog.Error("Poll failed", "sessionId", sessionID, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to poll session"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetHistory handles GET /v1/sessions/:sessionId/history.
//
// Returns committed messages after the given watermark without waiting.
func GetHistory(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		msgs, err := orch.History(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to load history", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": msgs})
	}
}
