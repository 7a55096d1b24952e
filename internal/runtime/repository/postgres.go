package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// PostgresRepository provides pgx-based durable index storage for
// production deployments.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects a pgx pool and ensures the schema exists.
func NewPostgresRepository(ctx context.Context, dsn string, maxConns int) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		title TEXT,
		default_preset_id TEXT,
		metadata JSONB,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		parent_session_id TEXT REFERENCES sessions(session_id),
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		status TEXT NOT NULL DEFAULT 'created',
		session_type TEXT NOT NULL DEFAULT 'agent',
		transport TEXT NOT NULL DEFAULT 'sse',
		spawned_by TEXT,
		preset_id TEXT,
		project_ids JSONB NOT NULL DEFAULT '[]',
		input JSONB,
		final_message TEXT,
		run_summary JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS presets (
		preset_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		model JSONB NOT NULL,
		system_prompt TEXT NOT NULL,
		toolsets JSONB NOT NULL DEFAULT '[]',
		environment JSONB NOT NULL DEFAULT '{}',
		subagents JSONB NOT NULL DEFAULT '{}',
		is_default BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		projects JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		source_session_id TEXT NOT NULL REFERENCES sessions(session_id),
		source_type TEXT NOT NULL,
		subagent_name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		delivered_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_conversation_id ON sessions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_mailbox_conversation_id ON mailbox(conversation_id);
	`
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Session operations

func (r *PostgresRepository) CreateSession(ctx context.Context, create *SessionCreate) (*models.Session, error) {
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conversationID := create.ConversationID
	if conversationID == "" {
		if create.ParentSessionID != nil {
			err := tx.QueryRow(ctx,
				`SELECT conversation_id FROM sessions WHERE session_id = $1`,
				*create.ParentSessionID).Scan(&conversationID)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, apperrors.NotFound("session", *create.ParentSessionID)
			}
			if err != nil {
				return nil, err
			}
		} else {
			conversationID = sessionID
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (conversation_id, status, created_at, updated_at)
		VALUES ($1, 'active', $2, $2)
		ON CONFLICT (conversation_id) DO UPDATE SET updated_at = $2
	`, conversationID, now)
	if err != nil {
		return nil, err
	}

	projectIDs, _ := json.Marshal(create.ProjectIDs)
	var input any
	if create.Input != nil {
		raw, err := json.Marshal(create.Input)
		if err != nil {
			return nil, err
		}
		input = raw
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (session_id, parent_session_id, conversation_id, status, session_type, transport, spawned_by, preset_id, project_ids, input, created_at)
		VALUES ($1, $2, $3, 'created', $4, $5, $6, $7, $8, $9, $10)
	`, sessionID, create.ParentSessionID, conversationID, create.SessionType, create.Transport,
		create.SpawnedBy, create.PresetID, projectIDs, input, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &models.Session{
		SessionID:       sessionID,
		ParentSessionID: create.ParentSessionID,
		ConversationID:  conversationID,
		Status:          models.SessionStatusCreated,
		SessionType:     create.SessionType,
		Transport:       create.Transport,
		SpawnedBy:       create.SpawnedBy,
		PresetID:        create.PresetID,
		ProjectIDs:      create.ProjectIDs,
		Input:           create.Input,
		CreatedAt:       now,
	}, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)
	session, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	return session, err
}

func (r *PostgresRepository) ListSessions(ctx context.Context, conversationID string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = $1 ORDER BY created_at ASC LIMIT $2 OFFSET $3
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		session, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) CommitSession(ctx context.Context, id string, status models.SessionStatus, finalMessage *string, summary *models.RunSummary) error {
	if status != models.SessionStatusCommitted && status != models.SessionStatusAwaitingToolResults {
		return fmt.Errorf("cannot commit with status %q; use FailSession for failures", status)
	}

	var summaryJSON any
	if summary != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		summaryJSON = raw
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, final_message = $2, run_summary = $3
		WHERE session_id = $4 AND status = 'created'
	`, status, finalMessage, summaryJSON, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("running session", id)
	}
	return nil
}

func (r *PostgresRepository) SetSessionInput(ctx context.Context, id string, input []models.InputPart) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET input = $1 WHERE session_id = $2 AND status = 'created'
	`, raw, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("running session", id)
	}
	return nil
}

func (r *PostgresRepository) FailSession(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'failed' WHERE session_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

func (r *PostgresRepository) LatestCommittedAgentSession(ctx context.Context, conversationID string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = $1 AND session_type = 'agent'
		  AND status IN ('committed', 'awaiting_tool_results')
		ORDER BY created_at DESC LIMIT 1
	`, conversationID)
	session, err := scanPGSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("committed agent session for conversation", conversationID)
	}
	return session, err
}

func (r *PostgresRepository) MarkOrphanedFailed(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'failed' WHERE status = 'created'`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanPGSession(row pgx.Row) (*models.Session, error) {
	session := &models.Session{}
	var projectIDs, input, runSummary []byte

	err := row.Scan(&session.SessionID, &session.ParentSessionID, &session.ConversationID,
		&session.Status, &session.SessionType, &session.Transport, &session.SpawnedBy,
		&session.PresetID, &projectIDs, &input, &session.FinalMessage, &runSummary,
		&session.CreatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal(projectIDs, &session.ProjectIDs)
	if input != nil {
		_ = json.Unmarshal(input, &session.Input)
	}
	if runSummary != nil {
		session.RunSummary = &models.RunSummary{}
		_ = json.Unmarshal(runSummary, session.RunSummary)
	}
	return session, nil
}

// Conversation operations

func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT conversation_id, title, default_preset_id, metadata, status, created_at, updated_at
		FROM conversations WHERE conversation_id = $1
	`, id)
	conv, err := scanPGConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("conversation", id)
	}
	return conv, err
}

func (r *PostgresRepository) ListConversations(ctx context.Context, filter ConversationFilter) ([]*models.Conversation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT conversation_id, title, default_preset_id, metadata, status, created_at, updated_at FROM conversations`
	args := []any{}
	argn := 1
	where := ""
	if filter.Status != nil {
		where = fmt.Sprintf(" WHERE status = $%d", argn)
		args = append(args, *filter.Status)
		argn++
	}
	if filter.MetadataContains != nil {
		raw, err := json.Marshal(filter.MetadataContains)
		if err != nil {
			return nil, err
		}
		if where == "" {
			where = fmt.Sprintf(" WHERE metadata @> $%d", argn)
		} else {
			where += fmt.Sprintf(" AND metadata @> $%d", argn)
		}
		args = append(args, raw)
		argn++
	}
	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argn, argn+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanPGConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*models.Conversation, error) {
	conv, err := r.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Title != nil {
		conv.Title = update.Title
	}
	if update.DefaultPresetID != nil {
		conv.DefaultPresetID = update.DefaultPresetID
	}
	if update.Metadata != nil {
		conv.Metadata = update.Metadata
	}
	if update.Status != nil {
		conv.Status = *update.Status
	}
	conv.UpdatedAt = time.Now().UTC()

	var metadata any
	if conv.Metadata != nil {
		raw, err := json.Marshal(conv.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = raw
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE conversations SET title = $1, default_preset_id = $2, metadata = $3, status = $4, updated_at = $5
		WHERE conversation_id = $6
	`, conv.Title, conv.DefaultPresetID, metadata, conv.Status, conv.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func scanPGConversation(row pgx.Row) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var metadata []byte

	err := row.Scan(&conv.ConversationID, &conv.Title, &conv.DefaultPresetID, &metadata,
		&conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != nil {
		_ = json.Unmarshal(metadata, &conv.Metadata)
	}
	return conv, nil
}

// Preset operations

func (r *PostgresRepository) CreatePreset(ctx context.Context, preset *models.Preset) error {
	if preset.PresetID == "" {
		preset.PresetID = uuid.New().String()
	}
	now := time.Now().UTC()
	preset.CreatedAt = now
	preset.UpdatedAt = now

	model, _ := json.Marshal(preset.Model)
	toolsets, _ := json.Marshal(preset.Toolsets)
	environment, _ := json.Marshal(preset.Environment)
	subagents, _ := json.Marshal(preset.Subagents)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO presets (preset_id, name, description, model, system_prompt, toolsets, environment, subagents, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, preset.PresetID, preset.Name, preset.Description, model, preset.SystemPrompt,
		toolsets, environment, subagents, preset.IsDefault, preset.CreatedAt, preset.UpdatedAt)
	return err
}

func (r *PostgresRepository) GetPreset(ctx context.Context, id string) (*models.Preset, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE preset_id = $1`, id)
	preset, err := scanPGPreset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("preset", id)
	}
	return preset, err
}

func (r *PostgresRepository) GetDefaultPreset(ctx context.Context) (*models.Preset, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE is_default LIMIT 1`)
	preset, err := scanPGPreset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("preset", "default")
	}
	return preset, err
}

func (r *PostgresRepository) ListPresets(ctx context.Context) ([]*models.Preset, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+presetColumns+` FROM presets ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Preset
	for rows.Next() {
		preset, err := scanPGPreset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, preset)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) UpdatePreset(ctx context.Context, preset *models.Preset) error {
	preset.UpdatedAt = time.Now().UTC()

	model, _ := json.Marshal(preset.Model)
	toolsets, _ := json.Marshal(preset.Toolsets)
	environment, _ := json.Marshal(preset.Environment)
	subagents, _ := json.Marshal(preset.Subagents)

	tag, err := r.pool.Exec(ctx, `
		UPDATE presets SET name = $1, description = $2, model = $3, system_prompt = $4, toolsets = $5, environment = $6, subagents = $7, is_default = $8, updated_at = $9
		WHERE preset_id = $10
	`, preset.Name, preset.Description, model, preset.SystemPrompt, toolsets,
		environment, subagents, preset.IsDefault, preset.UpdatedAt, preset.PresetID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("preset", preset.PresetID)
	}
	return nil
}

func (r *PostgresRepository) DeletePreset(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM presets WHERE preset_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("preset", id)
	}
	return nil
}

func scanPGPreset(row pgx.Row) (*models.Preset, error) {
	preset := &models.Preset{}
	var model, toolsets, environment, subagents []byte

	err := row.Scan(&preset.PresetID, &preset.Name, &preset.Description, &model,
		&preset.SystemPrompt, &toolsets, &environment, &subagents, &preset.IsDefault,
		&preset.CreatedAt, &preset.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(model, &preset.Model)
	_ = json.Unmarshal(toolsets, &preset.Toolsets)
	_ = json.Unmarshal(environment, &preset.Environment)
	_ = json.Unmarshal(subagents, &preset.Subagents)
	return preset, nil
}

// Workspace operations

func (r *PostgresRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.WorkspaceID == "" {
		ws.WorkspaceID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	projects, _ := json.Marshal(ws.Projects)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workspaces (workspace_id, name, projects, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ws.WorkspaceID, ws.Name, projects, ws.CreatedAt, ws.UpdatedAt)
	return err
}

func (r *PostgresRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var projects []byte
	err := r.pool.QueryRow(ctx, `
		SELECT workspace_id, name, projects, created_at, updated_at
		FROM workspaces WHERE workspace_id = $1
	`, id).Scan(&ws.WorkspaceID, &ws.Name, &projects, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(projects, &ws.Projects)
	return ws, nil
}

func (r *PostgresRepository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT workspace_id, name, projects, created_at, updated_at FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Workspace
	for rows.Next() {
		ws := &models.Workspace{}
		var projects []byte
		if err := rows.Scan(&ws.WorkspaceID, &ws.Name, &projects, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(projects, &ws.Projects)
		result = append(result, ws)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	projects, _ := json.Marshal(ws.Projects)

	tag, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET name = $1, projects = $2, updated_at = $3 WHERE workspace_id = $4
	`, ws.Name, projects, ws.UpdatedAt, ws.WorkspaceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("workspace", ws.WorkspaceID)
	}
	return nil
}

func (r *PostgresRepository) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM workspaces WHERE workspace_id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("workspace", id)
	}
	return nil
}

// Mailbox operations

func (r *PostgresRepository) AppendMailboxMessage(ctx context.Context, msg *models.MailboxMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO mailbox (message_id, conversation_id, source_session_id, source_type, subagent_name, created_at, delivered_to)
		VALUES ($1, $2, $3, $4, $5, $6, NULL)
	`, msg.MessageID, msg.ConversationID, msg.SourceSessionID, msg.SourceType,
		msg.SubagentName, msg.CreatedAt)
	return err
}

func (r *PostgresRepository) PendingMailboxCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(1) FROM mailbox WHERE conversation_id = $1 AND delivered_to IS NULL
	`, conversationID).Scan(&count)
	return count, err
}

// DrainMailbox marks and returns pending messages in a single UPDATE ...
// RETURNING statement, so concurrent drains cannot both claim a message.
// The outer select orders the result; RETURNING alone guarantees no order.
func (r *PostgresRepository) DrainMailbox(ctx context.Context, conversationID, deliveredTo string) ([]*models.MailboxMessage, error) {
	rows, err := r.pool.Query(ctx, `
		WITH drained AS (
			UPDATE mailbox SET delivered_to = $1
			WHERE conversation_id = $2 AND delivered_to IS NULL
			RETURNING message_id, conversation_id, source_session_id, source_type, subagent_name, created_at, delivered_to
		)
		SELECT message_id, conversation_id, source_session_id, source_type, subagent_name, created_at, delivered_to
		FROM drained ORDER BY created_at ASC
	`, deliveredTo, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drained []*models.MailboxMessage
	for rows.Next() {
		msg := &models.MailboxMessage{}
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.SourceSessionID,
			&msg.SourceType, &msg.SubagentName, &msg.CreatedAt, &msg.DeliveredTo); err != nil {
			return nil, err
		}
		drained = append(drained, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return drained, nil
}

// AbortDelivery fails the session and releases its drained mailbox
// messages back to pending in a single transaction.
func (r *PostgresRepository) AbortDelivery(ctx context.Context, sessionID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE mailbox SET delivered_to = NULL WHERE delivered_to = $1`, sessionID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'failed' WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return tx.Commit(ctx)
}
