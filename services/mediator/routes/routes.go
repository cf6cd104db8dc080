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
	"github.com/AleutianAI/Attune/services/mediator/handlers"
	"github.com/AleutianAI/Attune/services/mediator/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *gin.Engine, orch *session.Orchestrator) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", handlers.CreateSession(orch))
			sessions.GET("", handlers.ListSessions(orch))
			sessions.GET("/:sessionId", handlers.GetSession(orch))
			sessions.GET("/:sessionId/turn", handlers.GetTurnState(orch))
			sessions.GET("/:sessionId/history", handlers.GetHistory(orch))
			sessions.GET("/:sessionId/poll", handlers.PollMessages(orch))
			sessions.POST("/:sessionId/messages", handlers.SubmitMessage(orch))
			sessions.POST("/:sessionId/end", handlers.EndSession(orch))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(orch))
		}
	}
}
