package api

import (
	"github.com/gin-gonic/gin"

	"github.com/netherbrain/netherbrain/internal/common/config"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/control"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/service"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

// NewRouter builds the runtime HTTP router. Every route except /health
// sits behind the shared bearer token.
func NewRouter(
	svc *service.Service,
	ctrl *control.Controller,
	reg *registry.Registry,
	repo repository.Repository,
	stateStore store.StateStore,
	hub *transport.Hub,
	bridge *transport.Bridge,
	auth config.AuthConfig,
	log *logger.Logger,
) *gin.Engine {
	handler := NewHandler(svc, ctrl, reg, repo, stateStore, hub, bridge, log)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(log))

	router.GET("/health", handler.Health)

	router.GET("/ws", BearerAuth(auth.BearerToken), handler.StreamWS)

	v1 := router.Group("/api/v1")
	v1.Use(BearerAuth(auth.BearerToken))

	conversations := v1.Group("/conversations")
	{
		conversations.POST("/run", handler.Run)
		conversations.GET("/list", handler.ListConversations)

		conversations.POST("/:conversationId/fork", handler.Fork)
		conversations.POST("/:conversationId/fire", handler.Fire)
		conversations.POST("/:conversationId/interrupt", handler.InterruptConversation)
		conversations.POST("/:conversationId/steer", handler.SteerConversation)
		conversations.GET("/:conversationId/events", handler.StreamConversationEvents)
		conversations.GET("/:conversationId/get", handler.GetConversation)
		conversations.PATCH("/:conversationId/update", handler.UpdateConversation)
		conversations.GET("/:conversationId/sessions", handler.ListConversationSessions)
		conversations.GET("/:conversationId/turns", handler.GetConversationTurns)
	}

	sessions := v1.Group("/sessions")
	{
		sessions.POST("/:sessionId/interrupt", handler.InterruptSession)
		sessions.POST("/:sessionId/steer", handler.SteerSession)
		sessions.GET("/:sessionId/events", handler.StreamSessionEvents)
		sessions.GET("/:sessionId/status", handler.GetSessionStatus)
		sessions.GET("/:sessionId/get", handler.GetSession)
	}

	presets := v1.Group("/presets")
	{
		presets.POST("", handler.CreatePreset)
		presets.GET("", handler.ListPresets)
		presets.GET("/:presetId", handler.GetPreset)
		presets.PUT("/:presetId", handler.UpdatePreset)
		presets.DELETE("/:presetId", handler.DeletePreset)
	}

	workspaces := v1.Group("/workspaces")
	{
		workspaces.POST("", handler.CreateWorkspace)
		workspaces.GET("", handler.ListWorkspaces)
		workspaces.GET("/:workspaceId", handler.GetWorkspace)
		workspaces.PUT("/:workspaceId", handler.UpdateWorkspace)
		workspaces.DELETE("/:workspaceId", handler.DeleteWorkspace)
	}

	return router
}
