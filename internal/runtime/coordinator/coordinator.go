// Package coordinator drives the execution of one session: setup,
// engine run, and finalize. Finalize always runs, including on
// interrupt, so every started session ends in a terminal durable state.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/processor"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

// RunParams carries one session into execution.
type RunParams struct {
	Session *models.Session
	Resolve *resolver.Request

	// Interactions and ToolResults answer the parent session's deferred
	// tool calls on continuations.
	Interactions []models.UserInteraction
	ToolResults  []models.ToolResult
}

// Coordinator owns the per-run execution state machine.
type Coordinator struct {
	repo      repository.Repository
	store     store.StateStore
	registry  *registry.Registry
	resolver  *resolver.Resolver
	mapper    *input.Mapper
	envs      *environment.Manager
	engine    engine.Engine
	hub       *transport.Hub
	publisher *transport.Publisher
	logger    *logger.Logger
}

// NewCoordinator wires the execution dependencies.
func NewCoordinator(
	repo repository.Repository,
	stateStore store.StateStore,
	reg *registry.Registry,
	res *resolver.Resolver,
	mapper *input.Mapper,
	envs *environment.Manager,
	eng engine.Engine,
	hub *transport.Hub,
	publisher *transport.Publisher,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		store:     stateStore,
		registry:  reg,
		resolver:  res,
		mapper:    mapper,
		envs:      envs,
		engine:    eng,
		hub:       hub,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "coordinator")),
	}
}

// Start registers the session and launches its run goroutine. A
// Conflict error means the conversation already has a running agent
// session; nothing was started.
func (c *Coordinator) Start(params *RunParams) error {
	session := params.Session
	ctx, cancel := context.WithCancel(context.Background())

	sink := newSteeringSink()
	runtime := &registry.RuntimeSession{
		SessionID:      session.SessionID,
		ConversationID: session.ConversationID,
		SessionType:    session.SessionType,
		StreamKey:      session.SessionID,
		Cancel:         cancel,
		Steering:       sink,
	}
	if err := c.registry.Register(runtime); err != nil {
		cancel()
		return err
	}

	c.hub.Open(session.SessionID)
	go c.run(ctx, params, runtime, sink)
	return nil
}

// run executes one session to its terminal state.
func (c *Coordinator) run(ctx context.Context, params *RunParams, runtime *registry.RuntimeSession, sink *steeringSink) {
	session := params.Session
	log := c.logger.WithSessionID(session.SessionID).
		WithConversationID(session.ConversationID)
	started := time.Now()
	proc := processor.NewProcessor(session.SessionID)

	defer c.registry.Unregister(session.SessionID)

	emit := func(ev *models.ProtocolEvent) {
		c.hub.Append(*ev)
		c.publisher.Publish(context.Background(), ev)
	}

	fail := func(cause error) {
		log.Error("run failed", zap.Error(cause))
		if err := c.repo.FailSession(context.Background(), session.SessionID); err != nil {
			log.Error("failed to mark session failed", zap.Error(err))
		}
		sink.close()
		if ev, err := proc.Emit(models.EventRunFailed, map[string]any{
			"error": cause.Error(),
		}); err == nil {
			emit(ev)
		} else {
			c.hub.CloseStream(session.SessionID)
		}
		if session.SessionType == models.SessionTypeAsyncSubagent {
			c.appendMailboxResult(session, models.MailboxSourceSubagentFailed)
		}
	}

	if ev, err := proc.Emit(models.EventRunStarted, map[string]any{
		"session_type": string(session.SessionType),
	}); err == nil {
		emit(ev)
	}

	// Setup phase.
	cfg, err := c.resolver.Resolve(ctx, params.Resolve)
	if err != nil {
		fail(err)
		return
	}

	var parentState *models.SessionState
	if session.ParentSessionID != nil {
		parentState, err = c.store.ReadState(ctx, *session.ParentSessionID)
		if err != nil && !apperrors.IsNotFound(err) {
			fail(apperrors.StorageFailure("failed to load parent state", err))
			return
		}
	}

	var previousEnv []byte
	if parentState != nil {
		previousEnv = parentState.EnvironmentState
	}
	env, err := c.envs.Open(ctx, cfg, session.SessionID, previousEnv)
	if err != nil {
		fail(err)
		return
	}
	defer env.Close()

	blocks, err := c.mapper.Map(ctx, session.Input, cfg.Model, env)
	if err != nil {
		fail(err)
		return
	}

	req := &engine.RunRequest{
		SessionID:    session.SessionID,
		Config:       cfg,
		Prompt:       blocks,
		ProjectPaths: env.ProjectPaths(),
		Interactions: params.Interactions,
		ToolResults:  params.ToolResults,
	}
	if parentState != nil {
		req.ContextState = parentState.ContextState
		req.MessageHistory = parentState.MessageHistory
		req.Interactions = answerDeferred(parentState.DeferredToolCalls, params.Interactions)
		req.ToolResults = params.ToolResults
	}

	// Executing phase.
	handle, err := c.engine.Run(ctx, req)
	if err != nil {
		fail(apperrors.ExecutionFailure("engine rejected run", err))
		return
	}
	sink.attach(handle, proc, emit)

	for ev := range handle.Events() {
		if dispatch, ok := engine.DispatchFromEvent(ev); ok {
			c.dispatchSubagent(session, cfg, runtime, dispatch)
		}
		protoEv, perr := proc.Process(ev)
		if perr != nil {
			log.Warn("dropped event after terminal", zap.String("event_type", string(ev.Type)))
			continue
		}
		emit(protoEv)
	}

	// Finalizing phase. Runs for completed, interrupted, and parked
	// outcomes alike.
	sink.close()
	interrupted := ctx.Err() != nil

	result, runErr := handle.Result()
	if runErr != nil {
		fail(apperrors.ExecutionFailure("engine run failed", runErr))
		return
	}

	if interrupted {
		if ev, err := proc.Emit(models.EventInterruptReceived, nil); err == nil {
			emit(ev)
		}
	}

	envState, err := env.ExportState()
	if err != nil {
		fail(apperrors.StorageFailure("failed to export environment state", err))
		return
	}
	state := &models.SessionState{
		ContextState:      result.ContextState,
		MessageHistory:    result.MessageHistory,
		EnvironmentState:  envState,
		DeferredToolCalls: result.DeferredToolCalls,
	}
	if err := c.store.WriteState(context.Background(), session.SessionID, state); err != nil {
		fail(apperrors.StorageFailure("failed to write session state", err))
		return
	}

	// Display write failure is non-fatal: the raw blobs are committed,
	// the display form can be recomputed.
	if err := c.store.WriteDisplay(context.Background(), session.SessionID, proc.Compress()); err != nil {
		log.Warn("failed to write display transcript", zap.Error(err))
	}

	status := models.SessionStatusCommitted
	if len(result.DeferredToolCalls) > 0 {
		status = models.SessionStatusAwaitingToolResults
	}
	summary := &models.RunSummary{
		DurationMS: time.Since(started).Milliseconds(),
		Usage:      result.Usage,
	}
	finalMessage := result.FinalMessage
	if err := c.repo.CommitSession(context.Background(), session.SessionID, status, &finalMessage, summary); err != nil {
		fail(apperrors.StorageFailure("failed to commit session", err))
		return
	}

	payload := map[string]any{
		"status":        string(status),
		"final_message": result.FinalMessage,
		"interrupted":   interrupted,
	}
	if ev, err := proc.Emit(models.EventRunCompleted, payload); err == nil {
		emit(ev)
	}

	if session.SessionType == models.SessionTypeAsyncSubagent {
		c.appendMailboxResult(session, models.MailboxSourceSubagentResult)
	}

	log.Info("run finished",
		zap.String("status", string(status)),
		zap.Bool("interrupted", interrupted),
		zap.Int64("duration_ms", summary.DurationMS))
}

// answerDeferred fills caller answers in and auto-denies the rest.
// A parked run must never hang on an unanswered call.
func answerDeferred(deferred []models.DeferredToolCall, answers []models.UserInteraction) []models.UserInteraction {
	answered := make(map[string]bool, len(answers))
	out := make([]models.UserInteraction, 0, len(deferred))
	for _, a := range answers {
		answered[a.ToolCallID] = true
		out = append(out, a)
	}
	for _, call := range deferred {
		if !answered[call.ToolCallID] {
			out = append(out, models.UserInteraction{
				ToolCallID: call.ToolCallID,
				Approved:   false,
				Message:    "no decision provided",
			})
		}
	}
	return out
}

// dispatchSubagent spawns an async subagent session, fire and forget.
func (c *Coordinator) dispatchSubagent(parent *models.Session, cfg *resolver.ResolvedConfig, runtime *registry.RuntimeSession, dispatch *engine.SubagentDispatch) {
	ctx := context.Background()

	if !subagentAllowed(cfg.Subagents, dispatch.Name) {
		c.logger.Warn("subagent dispatch rejected",
			zap.String("parent_session_id", parent.SessionID),
			zap.String("name", dispatch.Name))
		return
	}

	spawnedBy := dispatch.Name
	sub, err := c.repo.CreateSession(ctx, &repository.SessionCreate{
		ParentSessionID: &parent.SessionID,
		ConversationID:  parent.ConversationID,
		SessionType:     models.SessionTypeAsyncSubagent,
		Transport:       models.TransportStream,
		SpawnedBy:       &spawnedBy,
		PresetID:        parent.PresetID,
		ProjectIDs:      cfg.ProjectIDs,
		Input:           dispatch.Input,
	})
	if err != nil {
		c.logger.Error("failed to create subagent session",
			zap.String("parent_session_id", parent.SessionID),
			zap.String("name", dispatch.Name),
			zap.Error(err))
		return
	}
	runtime.RecordDispatch(dispatch.Name, sub.SessionID)

	params := &RunParams{
		Session: sub,
		Resolve: &resolver.Request{
			PresetID:         sub.PresetID,
			ParentProjectIDs: cfg.ProjectIDs,
		},
	}
	if err := c.Start(params); err != nil {
		c.logger.Error("failed to start subagent run",
			zap.String("subagent_session_id", sub.SessionID),
			zap.Error(err))
		_ = c.repo.FailSession(ctx, sub.SessionID)
		c.appendMailboxResult(sub, models.MailboxSourceSubagentFailed)
	}
}

func subagentAllowed(spec models.SubagentSpec, name string) bool {
	for _, allowed := range spec.Allowed {
		if allowed == name || allowed == "*" {
			return true
		}
	}
	return false
}

// appendMailboxResult records a subagent outcome for later delivery.
func (c *Coordinator) appendMailboxResult(session *models.Session, sourceType models.MailboxSourceType) {
	name := ""
	if session.SpawnedBy != nil {
		name = *session.SpawnedBy
	}
	err := c.repo.AppendMailboxMessage(context.Background(), &models.MailboxMessage{
		ConversationID:  session.ConversationID,
		SourceSessionID: session.SessionID,
		SourceType:      sourceType,
		SubagentName:    name,
	})
	if err != nil {
		c.logger.Error("failed to append mailbox message",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
	}
}
