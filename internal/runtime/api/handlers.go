package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/control"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/service"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

// Handler handles runtime API requests.
type Handler struct {
	service  *service.Service
	control  *control.Controller
	registry *registry.Registry
	repo     repository.Repository
	store    store.StateStore
	hub      *transport.Hub
	bridge   *transport.Bridge
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	svc *service.Service,
	ctrl *control.Controller,
	reg *registry.Registry,
	repo repository.Repository,
	stateStore store.StateStore,
	hub *transport.Hub,
	bridge *transport.Bridge,
	log *logger.Logger,
) *Handler {
	return &Handler{
		service:  svc,
		control:  ctrl,
		registry: reg,
		repo:     repo,
		store:    stateStore,
		hub:      hub,
		bridge:   bridge,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps any error to its HTTP shape. AppErrors carry their
// own status and details; everything else becomes a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	h.logger.Error("Internal server error",
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, errors.InternalError("an internal error occurred", nil))
}

// Run starts a root or continuation agent session
// POST /api/v1/conversations/run
func (h *Handler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := models.ValidateInput(req.Input); err != nil {
		appErr := errors.ValidationError("input", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.service.Run(c.Request.Context(), &service.RunOptions{
		ConversationID: req.ConversationID,
		Input:          req.Input,
		PresetID:       req.PresetID,
		Overrides:      req.Overrides,
		WorkspaceID:    req.WorkspaceID,
		ProjectIDs:     req.ProjectIDs,
		Transport:      models.TransportKind(req.Transport),
		Interactions:   req.Interactions,
		ToolResults:    req.ToolResults,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newSessionResponse(session))
}

// Fork branches a new conversation from a committed session
// POST /api/v1/conversations/:conversationId/fork
func (h *Handler) Fork(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req ForkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if err := models.ValidateInput(req.Input); err != nil {
		appErr := errors.ValidationError("input", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	parentID := req.ParentSessionID
	if parentID == "" {
		parent, err := h.repo.LatestCommittedAgentSession(c.Request.Context(), conversationID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		parentID = parent.SessionID
	}

	session, err := h.service.Fork(c.Request.Context(), parentID, &service.RunOptions{
		Input:       req.Input,
		PresetID:    req.PresetID,
		Overrides:   req.Overrides,
		WorkspaceID: req.WorkspaceID,
		ProjectIDs:  req.ProjectIDs,
		Transport:   models.TransportKind(req.Transport),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newSessionResponse(session))
}

// Fire drains the conversation mailbox into a continuation run
// POST /api/v1/conversations/:conversationId/fire
func (h *Handler) Fire(c *gin.Context) {
	conversationID := c.Param("conversationId")

	var req FireRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session, err := h.service.Fire(c.Request.Context(), conversationID, req.ExtraInput)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newSessionResponse(session))
}

// InterruptSession requests early finalization of one running session
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.control.Interrupt(sessionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, InterruptResponse{Interrupted: 1})
}

// InterruptConversation interrupts every running session in a conversation
// POST /api/v1/conversations/:conversationId/interrupt
func (h *Handler) InterruptConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")
	count, err := h.control.InterruptConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, InterruptResponse{Interrupted: count})
}

// SteerSession injects guidance into a running session
// POST /api/v1/sessions/:sessionId/steer
func (h *Handler) SteerSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	msg, ok := h.bindSteer(c)
	if !ok {
		return
	}
	if err := h.control.Steer(sessionID, msg); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SteerResponse{SessionID: sessionID, MessageID: msg.MessageID})
}

// SteerConversation steers the conversation's active agent session
// POST /api/v1/conversations/:conversationId/steer
func (h *Handler) SteerConversation(c *gin.Context) {
	conversationID := c.Param("conversationId")

	msg, ok := h.bindSteer(c)
	if !ok {
		return
	}
	sessionID, err := h.control.SteerConversation(conversationID, msg)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SteerResponse{SessionID: sessionID, MessageID: msg.MessageID})
}

func (h *Handler) bindSteer(c *gin.Context) (models.SteeringMessage, bool) {
	var req SteerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return models.SteeringMessage{}, false
	}
	if req.MessageID == "" {
		req.MessageID = uuid.New().String()
	}
	return models.SteeringMessage{MessageID: req.MessageID, Text: req.Text}, true
}

// GetSessionStatus reads a session's status, registry first
// GET /api/v1/sessions/:sessionId/status
func (h *Handler) GetSessionStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetSession reads a session row, optionally hydrated with its blobs
// GET /api/v1/sessions/:sessionId/get
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	ctx := c.Request.Context()

	session, err := h.repo.GetSession(ctx, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := SessionDetailResponse{Session: session}
	if c.Query("include_state") == "true" {
		state, err := h.store.ReadState(ctx, sessionID)
		if err != nil && !errors.IsNotFound(err) {
			h.respondError(c, err)
			return
		}
		resp.State = state
	}
	if c.Query("include_display") == "true" {
		display, err := h.store.ReadDisplay(ctx, sessionID)
		if err != nil && !errors.IsNotFound(err) {
			h.respondError(c, err)
			return
		}
		resp.Display = display
	}
	c.JSON(http.StatusOK, resp)
}

// ListConversations lists conversations with optional filters
// GET /api/v1/conversations/list
func (h *Handler) ListConversations(c *gin.Context) {
	filter := repository.ConversationFilter{
		Limit:  parseIntQuery(c, "limit", 100),
		Offset: parseIntQuery(c, "offset", 0),
	}
	if status := c.Query("status"); status != "" {
		s := models.ConversationStatus(status)
		filter.Status = &s
	}
	if raw := c.Query("metadata"); raw != "" {
		var metadata map[string]any
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			appErr := errors.ValidationError("metadata", "must be a JSON object")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.MetadataContains = metadata
	}

	conversations, err := h.repo.ListConversations(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConversationsListResponse{
		Conversations: conversations,
		Total:         len(conversations),
	})
}

// GetConversation reads one conversation
// GET /api/v1/conversations/:conversationId/get
func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.repo.GetConversation(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// UpdateConversation updates conversation fields
// PATCH /api/v1/conversations/:conversationId/update
func (h *Handler) UpdateConversation(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	update := repository.ConversationUpdate{
		Title:           req.Title,
		DefaultPresetID: req.DefaultPresetID,
		Metadata:        req.Metadata,
	}
	if req.Status != nil {
		s := models.ConversationStatus(*req.Status)
		update.Status = &s
	}

	conv, err := h.repo.UpdateConversation(c.Request.Context(), c.Param("conversationId"), update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListConversationSessions lists a conversation's sessions in creation order
// GET /api/v1/conversations/:conversationId/sessions
func (h *Handler) ListConversationSessions(c *gin.Context) {
	conversationID := c.Param("conversationId")
	ctx := c.Request.Context()

	if _, err := h.repo.GetConversation(ctx, conversationID); err != nil {
		h.respondError(c, err)
		return
	}
	sessions, err := h.repo.ListSessions(ctx, conversationID,
		parseIntQuery(c, "limit", 100), parseIntQuery(c, "offset", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionsListResponse{Sessions: sessions, Total: len(sessions)})
}

// GetConversationTurns returns the concatenated display transcript
// GET /api/v1/conversations/:conversationId/turns
func (h *Handler) GetConversationTurns(c *gin.Context) {
	messages, err := h.service.Turns(c.Request.Context(), c.Param("conversationId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TurnsResponse{Messages: messages})
}

// CreatePreset creates a new preset
// POST /api/v1/presets
func (h *Handler) CreatePreset(c *gin.Context) {
	var preset models.Preset
	if err := c.ShouldBindJSON(&preset); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if preset.Name == "" {
		appErr := errors.ValidationError("name", "preset name is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if preset.PresetID == "" {
		preset.PresetID = uuid.New().String()
	}
	now := time.Now().UTC()
	preset.CreatedAt = now
	preset.UpdatedAt = now

	if err := h.repo.CreatePreset(c.Request.Context(), &preset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preset)
}

// GetPreset reads one preset
// GET /api/v1/presets/:presetId
func (h *Handler) GetPreset(c *gin.Context) {
	preset, err := h.repo.GetPreset(c.Request.Context(), c.Param("presetId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

// ListPresets lists all presets
// GET /api/v1/presets
func (h *Handler) ListPresets(c *gin.Context) {
	presets, err := h.repo.ListPresets(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, PresetsListResponse{Presets: presets, Total: len(presets)})
}

// UpdatePreset replaces a preset
// PUT /api/v1/presets/:presetId
func (h *Handler) UpdatePreset(c *gin.Context) {
	var preset models.Preset
	if err := c.ShouldBindJSON(&preset); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	preset.PresetID = c.Param("presetId")
	preset.UpdatedAt = time.Now().UTC()

	if err := h.repo.UpdatePreset(c.Request.Context(), &preset); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preset)
}

// DeletePreset deletes a preset
// DELETE /api/v1/presets/:presetId
func (h *Handler) DeletePreset(c *gin.Context) {
	if err := h.repo.DeletePreset(c.Request.Context(), c.Param("presetId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateWorkspace creates a new workspace
// POST /api/v1/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var ws models.Workspace
	if err := c.ShouldBindJSON(&ws); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if len(ws.Projects) == 0 {
		appErr := errors.ValidationError("projects", "at least one project is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if ws.WorkspaceID == "" {
		ws.WorkspaceID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	if err := h.repo.CreateWorkspace(c.Request.Context(), &ws); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ws)
}

// GetWorkspace reads one workspace
// GET /api/v1/workspaces/:workspaceId
func (h *Handler) GetWorkspace(c *gin.Context) {
	ws, err := h.repo.GetWorkspace(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// ListWorkspaces lists all workspaces
// GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.repo.ListWorkspaces(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, WorkspacesListResponse{Workspaces: workspaces, Total: len(workspaces)})
}

// UpdateWorkspace replaces a workspace
// PUT /api/v1/workspaces/:workspaceId
func (h *Handler) UpdateWorkspace(c *gin.Context) {
	var ws models.Workspace
	if err := c.ShouldBindJSON(&ws); err != nil {
		appErr := errors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	ws.WorkspaceID = c.Param("workspaceId")
	ws.UpdatedAt = time.Now().UTC()

	if err := h.repo.UpdateWorkspace(c.Request.Context(), &ws); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// DeleteWorkspace deletes a workspace
// DELETE /api/v1/workspaces/:workspaceId
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	if err := h.repo.DeleteWorkspace(c.Request.Context(), c.Param("workspaceId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": h.registry.ActiveCount(),
	})
}

func parseIntQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
