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
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/Attune/services/mediator/datatypes"
	"github.com/AleutianAI/Attune/services/mediator/session"
	"github.com/AleutianAI/Attune/services/mediator/store"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var mediatorTracer = otel.Tracer("attune.mediator.handlers")

// CreateSession handles POST /v1/sessions.
func CreateSession(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := mediatorTracer.Start(c.Request.Context(), "CreateSession")
		defer span.End()

		var req datatypes.CreateSessionRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the create session request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := orch.CreateSession(ctx, &req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to create session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// ListSessions handles GET /v1/sessions.
func ListSessions(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := orch.ListSessions(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// GetSession handles GET /v1/sessions/:sessionId.
func GetSession(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		s, err := orch.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to load session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}

// GetTurnState handles GET /v1/sessions/:sessionId/turn.
//
// Read-only status query; no side effects.
func GetTurnState(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		state, err := orch.GetTurnState(c.Request.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			slog.Error("Failed to read turn state", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read turn state"})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}

// EndSession handles POST /v1/sessions/:sessionId/end.
func EndSession(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := mediatorTracer.Start(c.Request.Context(), "EndSession")
		defer span.End()

		sessionID := c.Param("sessionId")
		ended, err := orch.EndSession(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to end session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end session"})
			return
		}
		c.JSON(http.StatusOK, ended)
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId.
func DeleteSession(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		slog.Info("Received a request to delete a session", "sessionId", sessionID)
		if err := orch.DeleteSession(c.Request.Context(), sessionID); err != nil {
			slog.Error("Failed to delete session", "sessionId", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fully delete session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}
