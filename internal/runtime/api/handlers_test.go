package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netherbrain/netherbrain/internal/common/config"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
	"github.com/netherbrain/netherbrain/internal/runtime/control"
	"github.com/netherbrain/netherbrain/internal/runtime/coordinator"
	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/mailbox"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/service"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

const testToken = "test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	repo   repository.Repository
	reg    *registry.Registry
	hub    *transport.Hub
}

func newFixture(t *testing.T, scripts ...engine.Script) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	stateStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	require.NoError(t, repo.CreatePreset(context.Background(), &models.Preset{
		Name:         "default",
		Model:        models.ModelSpec{Name: "test-model"},
		SystemPrompt: "test",
		IsDefault:    true,
	}))

	reg := registry.NewRegistry(log)
	if len(scripts) == 0 {
		scripts = []engine.Script{{Result: &engine.Result{FinalMessage: "done"}}}
	}
	eng := engine.NewScriptedEngine(scripts...)
	hub := transport.NewHub(0, log)

	coord := coordinator.NewCoordinator(repo, stateStore, reg,
		resolver.NewResolver(repo, "NETHERBRAIN_", log),
		input.NewMapper(),
		environment.NewManager(t.TempDir(), nil, log),
		eng, hub, transport.NewPublisher(memBus, log), log)
	mb := mailbox.NewService(repo, coord, log)
	svc := service.NewService(repo, stateStore, reg, coord, mb, log)
	ctrl := control.NewController(reg, log)

	bridge := transport.NewBridge(memBus, hub, log)
	router := NewRouter(svc, ctrl, reg, repo, stateStore, hub, bridge,
		config.AuthConfig{BearerToken: testToken}, log)

	return &fixture{router: router, repo: repo, reg: reg, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) waitStatus(t *testing.T, sessionID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := f.do(t, http.MethodGet, "/api/v1/sessions/"+sessionID+"/status", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var status service.SessionStatus
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		return status.Status == want
	}, 5*time.Second, 10*time.Millisecond)
}

func runBody(conversationID string) map[string]any {
	body := map[string]any{
		"input": []map[string]any{{"type": "text", "text": "hello"}},
	}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	return body
}

func TestHealthRequiresNoToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestBearerAuthRejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/presets", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBearerAuthAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/presets?token="+testToken, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunAcceptedAndCommits(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, resp.SessionID, resp.ConversationID)
	assert.Equal(t, resp.SessionID, resp.StreamKey)

	f.waitStatus(t, resp.SessionID, "committed")
}

func TestRunRejectsEmptyInput(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunConflictCarriesActiveSession(t *testing.T) {
	f := newFixture(t,
		engine.Script{BlockAfterEvents: true},
		engine.Script{Result: &engine.Result{FinalMessage: "done"}},
	)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var first SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	require.Eventually(t, func() bool {
		_, running := f.reg.ActiveAgentSession(first.ConversationID)
		return running
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(first.ConversationID))
	require.Equal(t, http.StatusConflict, w.Code)

	var conflict struct {
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conflict))
	assert.Equal(t, "CONFLICT", conflict.Code)
	assert.Equal(t, first.SessionID, conflict.Details["active_session_id"])

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+first.SessionID+"/interrupt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.waitStatus(t, first.SessionID, "committed")
}

func TestInterruptUnknownSessionNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/sessions/no-such/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFireEmptyMailbox(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitStatus(t, resp.SessionID, "committed")

	w = f.do(t, http.MethodPost, "/api/v1/conversations/"+resp.ConversationID+"/fire", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "MAILBOX_EMPTY")
}

func TestSteerRunningSession(t *testing.T) {
	f := newFixture(t, engine.Script{BlockAfterEvents: true})

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Eventually(t, func() bool {
		_, running := f.reg.ActiveAgentSession(resp.ConversationID)
		return running
	}, 5*time.Second, 10*time.Millisecond)

	w = f.do(t, http.MethodPost, "/api/v1/conversations/"+resp.ConversationID+"/steer",
		map[string]any{"text": "focus on the tests"})
	require.Equal(t, http.StatusOK, w.Code)

	var steered SteerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &steered))
	assert.Equal(t, resp.SessionID, steered.SessionID)
	assert.NotEmpty(t, steered.MessageID)

	w = f.do(t, http.MethodPost, "/api/v1/sessions/"+resp.SessionID+"/interrupt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	f.waitStatus(t, resp.SessionID, "committed")
}

func TestSessionEventsSSE(t *testing.T) {
	f := newFixture(t, engine.Script{
		Events: []engine.Event{
			{Type: models.EventMessageStart, Payload: map[string]any{"message_id": "m1"}},
			{Type: models.EventContentDelta, Payload: map[string]any{"message_id": "m1", "text": "hi"}},
			{Type: models.EventMessageEnd, Payload: map[string]any{"message_id": "m1"}},
		},
		Result: &engine.Result{FinalMessage: "hi"},
	})

	server := httptest.NewServer(f.router)
	defer server.Close()

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	req, err := http.NewRequest(http.MethodGet,
		server.URL+"/api/v1/sessions/"+resp.SessionID+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
		if line == "event: run_completed" {
			break
		}
	}

	assert.Equal(t, "run_started", types[0])
	assert.Contains(t, types, "content_delta")
	assert.Equal(t, "run_completed", types[len(types)-1])
}

func TestStreamUnknownSessionNotFound(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/sessions/no-such/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPresetCRUD(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/presets", map[string]any{
		"name":          "research",
		"model":         map[string]any{"name": "big-model"},
		"system_prompt": "be thorough",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var preset models.Preset
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preset))
	require.NotEmpty(t, preset.PresetID)

	w = f.do(t, http.MethodGet, "/api/v1/presets/"+preset.PresetID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/presets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list PresetsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Total) // default preset plus the new one

	w = f.do(t, http.MethodDelete, "/api/v1/presets/"+preset.PresetID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/presets/"+preset.PresetID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkspaceValidation(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/workspaces", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConversationLifecycleEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitStatus(t, resp.SessionID, "committed")

	w = f.do(t, http.MethodPatch, "/api/v1/conversations/"+resp.ConversationID+"/update",
		map[string]any{"title": "after-action review"})
	require.Equal(t, http.StatusOK, w.Code)
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	require.NotNil(t, conv.Title)
	assert.Equal(t, "after-action review", *conv.Title)

	w = f.do(t, http.MethodGet, "/api/v1/conversations/"+resp.ConversationID+"/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions SessionsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Equal(t, 1, sessions.Total)

	w = f.do(t, http.MethodGet, "/api/v1/conversations/list", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var convs ConversationsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &convs))
	assert.Equal(t, 1, convs.Total)

	w = f.do(t, http.MethodGet, "/api/v1/conversations/"+resp.ConversationID+"/turns", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetSessionWithBlobs(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/conversations/run", runBody(""))
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	f.waitStatus(t, resp.SessionID, "committed")

	w = f.do(t, http.MethodGet,
		"/api/v1/sessions/"+resp.SessionID+"/get?include_state=true&include_display=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var detail SessionDetailResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.NotNil(t, detail.Session)
	assert.Equal(t, resp.SessionID, detail.Session.SessionID)
}
