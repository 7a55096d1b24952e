package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// SQLiteRepository provides SQLite-based durable index storage
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		title TEXT,
		default_preset_id TEXT,
		metadata TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
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
		project_ids TEXT NOT NULL DEFAULT '[]',
		input TEXT,
		final_message TEXT,
		run_summary TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presets (
		preset_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		model TEXT NOT NULL,
		system_prompt TEXT NOT NULL,
		toolsets TEXT NOT NULL DEFAULT '[]',
		environment TEXT NOT NULL DEFAULT '{}',
		subagents TEXT NOT NULL DEFAULT '{}',
		is_default INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		projects TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mailbox (
		message_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id),
		source_session_id TEXT NOT NULL REFERENCES sessions(session_id),
		source_type TEXT NOT NULL,
		subagent_name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		delivered_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_conversation_id ON sessions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_mailbox_conversation_id ON mailbox(conversation_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Session operations

// CreateSession creates a session row, resolving the conversation per the
// lineage rules and creating the conversation row implicitly if needed.
func (r *SQLiteRepository) CreateSession(ctx context.Context, create *SessionCreate) (*models.Session, error) {
	sessionID := uuid.New().String()
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	conversationID := create.ConversationID
	if conversationID == "" {
		if create.ParentSessionID != nil {
			// Continuation: inherit from parent.
			err := tx.QueryRowContext(ctx,
				`SELECT conversation_id FROM sessions WHERE session_id = ?`,
				*create.ParentSessionID).Scan(&conversationID)
			if err == sql.ErrNoRows {
				return nil, apperrors.NotFound("session", *create.ParentSessionID)
			}
			if err != nil {
				return nil, err
			}
		} else {
			// Root session: conversation_id = session_id.
			conversationID = sessionID
		}
	}

	// Ensure the conversation row exists.
	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (conversation_id, status, created_at, updated_at)
			VALUES (?, 'active', ?, ?)
		`, conversationID, now, now)
		if err != nil {
			return nil, err
		}
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE conversation_id = ?`, now, conversationID)
		if err != nil {
			return nil, err
		}
	}

	projectIDs, _ := json.Marshal(create.ProjectIDs)
	var input any
	if create.Input != nil {
		raw, err := json.Marshal(create.Input)
		if err != nil {
			return nil, err
		}
		input = string(raw)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, parent_session_id, conversation_id, status, session_type, transport, spawned_by, preset_id, project_ids, input, created_at)
		VALUES (?, ?, ?, 'created', ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, create.ParentSessionID, conversationID, create.SessionType, create.Transport,
		create.SpawnedBy, create.PresetID, string(projectIDs), input, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
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

const sessionColumns = `session_id, parent_session_id, conversation_id, status, session_type, transport, spawned_by, preset_id, project_ids, input, final_message, run_summary, created_at`

// GetSession retrieves a session by ID
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	return session, err
}

// ListSessions returns sessions for a conversation ordered by creation time
func (r *SQLiteRepository) ListSessions(ctx context.Context, conversationID string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// CommitSession updates a session to a terminal committed status. Only
// committed and awaiting_tool_results are valid here; failures go through
// FailSession.
func (r *SQLiteRepository) CommitSession(ctx context.Context, id string, status models.SessionStatus, finalMessage *string, summary *models.RunSummary) error {
	if status != models.SessionStatusCommitted && status != models.SessionStatusAwaitingToolResults {
		return fmt.Errorf("cannot commit with status %q; use FailSession for failures", status)
	}

	var summaryJSON any
	if summary != nil {
		raw, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		summaryJSON = string(raw)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, final_message = ?, run_summary = ?
		WHERE session_id = ? AND status = 'created'
	`, status, finalMessage, summaryJSON, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("running session", id)
	}
	return nil
}

// SetSessionInput replaces session input while still in created status.
func (r *SQLiteRepository) SetSessionInput(ctx context.Context, id string, input []models.InputPart) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET input = ? WHERE session_id = ? AND status = 'created'
	`, string(raw), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("running session", id)
	}
	return nil
}

// FailSession marks a session as failed
func (r *SQLiteRepository) FailSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'failed' WHERE session_id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// LatestCommittedAgentSession returns the newest committed agent-type
// session for a conversation, used as the continuation parent by fire.
func (r *SQLiteRepository) LatestCommittedAgentSession(ctx context.Context, conversationID string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE conversation_id = ? AND session_type = 'agent'
		  AND status IN ('committed', 'awaiting_tool_results')
		ORDER BY created_at DESC LIMIT 1
	`, conversationID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("committed agent session for conversation", conversationID)
	}
	return session, err
}

// MarkOrphanedFailed flips sessions still recorded as created to failed
func (r *SQLiteRepository) MarkOrphanedFailed(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'failed' WHERE status = 'created'`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var projectIDs string
	var input, runSummary sql.NullString

	err := row.Scan(&session.SessionID, &session.ParentSessionID, &session.ConversationID,
		&session.Status, &session.SessionType, &session.Transport, &session.SpawnedBy,
		&session.PresetID, &projectIDs, &input, &session.FinalMessage, &runSummary,
		&session.CreatedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(projectIDs), &session.ProjectIDs)
	if input.Valid {
		_ = json.Unmarshal([]byte(input.String), &session.Input)
	}
	if runSummary.Valid {
		session.RunSummary = &models.RunSummary{}
		_ = json.Unmarshal([]byte(runSummary.String), session.RunSummary)
	}
	return session, nil
}

// Conversation operations

// GetConversation retrieves a conversation by ID
func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT conversation_id, title, default_preset_id, metadata, status, created_at, updated_at
		FROM conversations WHERE conversation_id = ?
	`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("conversation", id)
	}
	return conv, err
}

// ListConversations returns conversations newest first with optional filters.
// Metadata filtering is applied in-process; SQLite has no JSONB containment.
func (r *SQLiteRepository) ListConversations(ctx context.Context, filter ConversationFilter) ([]*models.Conversation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT conversation_id, title, default_preset_id, metadata, status, created_at, updated_at FROM conversations`
	args := []any{}
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, *filter.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		if filter.MetadataContains != nil && !metadataContains(conv.Metadata, filter.MetadataContains) {
			continue
		}
		result = append(result, conv)
	}
	return result, rows.Err()
}

// UpdateConversation applies the non-nil update fields
func (r *SQLiteRepository) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*models.Conversation, error) {
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
		metadata = string(raw)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, default_preset_id = ?, metadata = ?, status = ?, updated_at = ?
		WHERE conversation_id = ?
	`, conv.Title, conv.DefaultPresetID, metadata, conv.Status, conv.UpdatedAt, id)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var metadata sql.NullString

	err := row.Scan(&conv.ConversationID, &conv.Title, &conv.DefaultPresetID, &metadata,
		&conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &conv.Metadata)
	}
	return conv, nil
}

// metadataContains reports whether every key/value in want is present in got.
func metadataContains(got, want map[string]any) bool {
	if got == nil {
		return false
	}
	for k, v := range want {
		existing, ok := got[k]
		if !ok || fmt.Sprint(existing) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// Preset operations

// CreatePreset creates a new preset
func (r *SQLiteRepository) CreatePreset(ctx context.Context, preset *models.Preset) error {
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

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO presets (preset_id, name, description, model, system_prompt, toolsets, environment, subagents, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, preset.PresetID, preset.Name, preset.Description, string(model), preset.SystemPrompt,
		string(toolsets), string(environment), string(subagents), preset.IsDefault,
		preset.CreatedAt, preset.UpdatedAt)
	return err
}

const presetColumns = `preset_id, name, description, model, system_prompt, toolsets, environment, subagents, is_default, created_at, updated_at`

// GetPreset retrieves a preset by ID
func (r *SQLiteRepository) GetPreset(ctx context.Context, id string) (*models.Preset, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE preset_id = ?`, id)
	preset, err := scanPreset(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("preset", id)
	}
	return preset, err
}

// GetDefaultPreset retrieves the preset marked as default
func (r *SQLiteRepository) GetDefaultPreset(ctx context.Context) (*models.Preset, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE is_default = 1 LIMIT 1`)
	preset, err := scanPreset(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("preset", "default")
	}
	return preset, err
}

// ListPresets returns all presets
func (r *SQLiteRepository) ListPresets(ctx context.Context) ([]*models.Preset, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+presetColumns+` FROM presets ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Preset
	for rows.Next() {
		preset, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, preset)
	}
	return result, rows.Err()
}

// UpdatePreset updates an existing preset
func (r *SQLiteRepository) UpdatePreset(ctx context.Context, preset *models.Preset) error {
	preset.UpdatedAt = time.Now().UTC()

	model, _ := json.Marshal(preset.Model)
	toolsets, _ := json.Marshal(preset.Toolsets)
	environment, _ := json.Marshal(preset.Environment)
	subagents, _ := json.Marshal(preset.Subagents)

	result, err := r.db.ExecContext(ctx, `
		UPDATE presets SET name = ?, description = ?, model = ?, system_prompt = ?, toolsets = ?, environment = ?, subagents = ?, is_default = ?, updated_at = ?
		WHERE preset_id = ?
	`, preset.Name, preset.Description, string(model), preset.SystemPrompt, string(toolsets),
		string(environment), string(subagents), preset.IsDefault, preset.UpdatedAt, preset.PresetID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("preset", preset.PresetID)
	}
	return nil
}

// DeletePreset deletes a preset by ID
func (r *SQLiteRepository) DeletePreset(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM presets WHERE preset_id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("preset", id)
	}
	return nil
}

func scanPreset(row rowScanner) (*models.Preset, error) {
	preset := &models.Preset{}
	var model, toolsets, environment, subagents string

	err := row.Scan(&preset.PresetID, &preset.Name, &preset.Description, &model,
		&preset.SystemPrompt, &toolsets, &environment, &subagents, &preset.IsDefault,
		&preset.CreatedAt, &preset.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(model), &preset.Model)
	_ = json.Unmarshal([]byte(toolsets), &preset.Toolsets)
	_ = json.Unmarshal([]byte(environment), &preset.Environment)
	_ = json.Unmarshal([]byte(subagents), &preset.Subagents)
	return preset, nil
}

// Workspace operations

// CreateWorkspace creates a new workspace
func (r *SQLiteRepository) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.WorkspaceID == "" {
		ws.WorkspaceID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	projects, _ := json.Marshal(ws.Projects)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, name, projects, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, ws.WorkspaceID, ws.Name, string(projects), ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetWorkspace retrieves a workspace by ID
func (r *SQLiteRepository) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	var projects string
	err := r.db.QueryRowContext(ctx, `
		SELECT workspace_id, name, projects, created_at, updated_at
		FROM workspaces WHERE workspace_id = ?
	`, id).Scan(&ws.WorkspaceID, &ws.Name, &projects, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(projects), &ws.Projects)
	return ws, nil
}

// ListWorkspaces returns all workspaces
func (r *SQLiteRepository) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT workspace_id, name, projects, created_at, updated_at FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Workspace
	for rows.Next() {
		ws := &models.Workspace{}
		var projects string
		if err := rows.Scan(&ws.WorkspaceID, &ws.Name, &projects, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(projects), &ws.Projects)
		result = append(result, ws)
	}
	return result, rows.Err()
}

// UpdateWorkspace updates an existing workspace
func (r *SQLiteRepository) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	projects, _ := json.Marshal(ws.Projects)

	result, err := r.db.ExecContext(ctx, `
		UPDATE workspaces SET name = ?, projects = ?, updated_at = ? WHERE workspace_id = ?
	`, ws.Name, string(projects), ws.UpdatedAt, ws.WorkspaceID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("workspace", ws.WorkspaceID)
	}
	return nil
}

// DeleteWorkspace deletes a workspace by ID
func (r *SQLiteRepository) DeleteWorkspace(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workspaces WHERE workspace_id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("workspace", id)
	}
	return nil
}

// Mailbox operations

// AppendMailboxMessage appends one message for a terminal subagent session
func (r *SQLiteRepository) AppendMailboxMessage(ctx context.Context, msg *models.MailboxMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mailbox (message_id, conversation_id, source_session_id, source_type, subagent_name, created_at, delivered_to)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, msg.MessageID, msg.ConversationID, msg.SourceSessionID, msg.SourceType,
		msg.SubagentName, msg.CreatedAt)
	return err
}

// PendingMailboxCount returns the number of undelivered messages
func (r *SQLiteRepository) PendingMailboxCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM mailbox WHERE conversation_id = ? AND delivered_to IS NULL
	`, conversationID).Scan(&count)
	return count, err
}

// DrainMailbox atomically marks all pending messages as delivered and
// returns them. The select and update run in one transaction so a
// concurrent drain never receives the same message.
func (r *SQLiteRepository) DrainMailbox(ctx context.Context, conversationID, deliveredTo string) ([]*models.MailboxMessage, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT message_id, conversation_id, source_session_id, source_type, subagent_name, created_at
		FROM mailbox WHERE conversation_id = ? AND delivered_to IS NULL
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}

	var drained []*models.MailboxMessage
	for rows.Next() {
		msg := &models.MailboxMessage{}
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.SourceSessionID,
			&msg.SourceType, &msg.SubagentName, &msg.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		msg.DeliveredTo = &deliveredTo
		drained = append(drained, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(drained) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mailbox SET delivered_to = ? WHERE conversation_id = ? AND delivered_to IS NULL
	`, deliveredTo, conversationID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return drained, nil
}

// AbortDelivery fails the session and releases its drained mailbox
// messages back to pending in a single transaction.
func (r *SQLiteRepository) AbortDelivery(ctx context.Context, sessionID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE mailbox SET delivered_to = NULL WHERE delivered_to = ?`, sessionID); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'failed' WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("session", sessionID)
	}
	return tx.Commit()
}
