package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// Drivers are imported by the constructors in sqlite.go and postgres.go so
// callers that only need one backend do not link the other.

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	meta TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT,
	title TEXT,
	model TEXT,
	provider_id TEXT,
	system_prompt_id TEXT,
	active_tools TEXT NOT NULL DEFAULT '[]',
	tools_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	streaming BOOLEAN NOT NULL DEFAULT TRUE,
	reasoning_effort TEXT,
	verbosity TEXT,
	next_seq BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);
CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '""',
	tool_calls TEXT NOT NULL DEFAULT '[]',
	tool_outputs TEXT NOT NULL DEFAULT '[]',
	finish_reason TEXT,
	status TEXT NOT NULL DEFAULT 'final',
	response_id TEXT,
	reasoning_details TEXT,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (conversation_id, seq)
);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	max_iterations INTEGER NOT NULL DEFAULT 0
);
`

// SQLStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	limits Limits
}

// NewSQLStore wraps an open database handle. Callers normally use the
// driver-specific constructors instead.
func NewSQLStore(db *sql.DB, driver string, limits Limits) *SQLStore {
	return &SQLStore{db: db, driver: driver, limits: limits}
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) EnsureSession(ctx context.Context, sessionID string, meta map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, meta, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		sessionID, string(metaJSON), time.Now().UTC())
	return err
}

func (s *SQLStore) ResolveOrCreateConversation(ctx context.Context, userID, conversationID string, settings ConversationSettings) (*models.Conversation, bool, error) {
	if conversationID != "" {
		conv, err := s.getConversation(ctx, conversationID)
		if err == nil {
			if conv.UserID != userID {
				return nil, false, ErrConversationNotFound
			}
			return conv, false, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, err
		}
		if !settings.AutoCreate {
			return nil, false, ErrConversationNotFound
		}
	}

	if s.limits.MaxConversationsPerSession > 0 && settings.SessionID != "" {
		var count int
		err := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM conversations WHERE session_id = ?`),
			settings.SessionID).Scan(&count)
		if err != nil {
			return nil, false, err
		}
		if count >= s.limits.MaxConversationsPerSession {
			return nil, false, ErrLimitExceeded
		}
	}

	id := conversationID
	if id == "" {
		id = uuid.NewString()
	}
	toolsJSON, _ := json.Marshal(settings.ActiveTools)
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations
			(id, user_id, session_id, title, model, provider_id, system_prompt_id,
			 active_tools, tools_enabled, streaming, reasoning_effort, verbosity,
			 next_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`),
		id, userID, settings.SessionID, settings.Title, settings.Model,
		settings.ProviderID, settings.SystemPromptID, string(toolsJSON),
		settings.ToolsEnabled, settings.Streaming, settings.ReasoningEffort,
		settings.Verbosity, now)
	if err != nil {
		return nil, false, err
	}

	return &models.Conversation{
		ID:              id,
		UserID:          userID,
		SessionID:       settings.SessionID,
		Title:           settings.Title,
		Model:           settings.Model,
		ProviderID:      settings.ProviderID,
		SystemPromptID:  settings.SystemPromptID,
		ActiveTools:     append([]string(nil), settings.ActiveTools...),
		ToolsEnabled:    settings.ToolsEnabled,
		Streaming:       settings.Streaming,
		ReasoningEffort: settings.ReasoningEffort,
		Verbosity:       settings.Verbosity,
		NextSeq:         0,
		CreatedAt:       now,
	}, true, nil
}

func (s *SQLStore) getConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	var toolsJSON string
	var sessionID, title, model, providerID, systemPromptID, effort, verbosity sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, user_id, session_id, title, model, provider_id, system_prompt_id,
		       active_tools, tools_enabled, streaming, reasoning_effort, verbosity,
		       next_seq, created_at
		FROM conversations WHERE id = ?`), id).Scan(
		&conv.ID, &conv.UserID, &sessionID, &title, &model, &providerID,
		&systemPromptID, &toolsJSON, &conv.ToolsEnabled, &conv.Streaming,
		&effort, &verbosity, &conv.NextSeq, &conv.CreatedAt)
	if err != nil {
		return nil, err
	}
	conv.SessionID = sessionID.String
	conv.Title = title.String
	conv.Model = model.String
	conv.ProviderID = providerID.String
	conv.SystemPromptID = systemPromptID.String
	conv.ReasoningEffort = effort.String
	conv.Verbosity = verbosity.String
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &conv.ActiveTools); err != nil {
			return nil, fmt.Errorf("decode active_tools: %w", err)
		}
	}
	return &conv, nil
}

func (s *SQLStore) CheckLimits(ctx context.Context, sessionID, conversationID string) error {
	if s.limits.MaxMessagesPerConversation > 0 {
		var count int
		err := s.db.QueryRowContext(ctx, s.rebind(
			`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`),
			conversationID).Scan(&count)
		if err != nil {
			return err
		}
		if count >= s.limits.MaxMessagesPerConversation {
			return ErrLimitExceeded
		}
	}
	return nil
}

func (s *SQLStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		UPDATE conversations SET next_seq = next_seq + 1
		WHERE id = ? RETURNING next_seq`), conversationID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *SQLStore) SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []models.ChatMessage, upToSeq int64) (map[int]string, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrConversationNotFound
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, role, seq FROM messages
		WHERE conversation_id = ? AND seq <= ?`), conversationID, upToSeq)
	if err != nil {
		return nil, err
	}
	existing := make(map[string]string)
	for rows.Next() {
		var id, role string
		var seq int64
		if err := rows.Scan(&id, &role, &seq); err != nil {
			rows.Close()
			return nil, err
		}
		existing[syncKey(role, seq)] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mappings := make(map[int]string, len(messages))
	seq := int64(0)
	maxSeq := int64(0)
	for i, m := range messages {
		if m.Role == string(models.RoleSystem) {
			continue
		}
		seq++
		if seq > upToSeq {
			break
		}
		if id, ok := existing[syncKey(m.Role, seq)]; ok {
			mappings[i] = id
			continue
		}
		contentJSON, err := json.Marshal(m.Content)
		if err != nil {
			return nil, fmt.Errorf("encode content: %w", err)
		}
		callsJSON, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool_calls: %w", err)
		}
		id := uuid.NewString()
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO messages
				(id, conversation_id, seq, role, content, tool_calls, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'final', ?)`),
			id, conversationID, seq, m.Role, string(contentJSON),
			string(callsJSON), time.Now().UTC())
		if err != nil {
			return nil, err
		}
		mappings[i] = id
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	if maxSeq > 0 {
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE conversations SET next_seq = ?
			WHERE id = ? AND next_seq < ?`), maxSeq, conversationID, maxSeq)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mappings, nil
}

func (s *SQLStore) RecordAssistantMessage(ctx context.Context, rec AssistantRecord) error {
	contentJSON, err := json.Marshal(models.TextContent(rec.Content))
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	callsJSON, err := json.Marshal(rec.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool_calls: %w", err)
	}
	outputsJSON, err := json.Marshal(rec.ToolOutputs)
	if err != nil {
		return fmt.Errorf("encode tool_outputs: %w", err)
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO messages
			(id, conversation_id, seq, role, content, tool_calls, tool_outputs,
			 finish_reason, status, response_id, reasoning_details,
			 reasoning_tokens, created_at)
		VALUES (?, ?, ?, 'assistant', ?, ?, ?, ?, 'final', ?, ?, ?, ?)
		ON CONFLICT (conversation_id, seq) DO UPDATE SET
			content = excluded.content,
			tool_calls = excluded.tool_calls,
			tool_outputs = excluded.tool_outputs,
			finish_reason = excluded.finish_reason,
			status = excluded.status,
			response_id = excluded.response_id,
			reasoning_details = excluded.reasoning_details,
			reasoning_tokens = excluded.reasoning_tokens`),
		id, rec.ConversationID, rec.Seq, string(contentJSON), string(callsJSON),
		string(outputsJSON), rec.FinishReason, rec.ResponseID,
		rec.ReasoningDetails, rec.ReasoningTokens, time.Now().UTC())
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) MarkAssistantError(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages (id, conversation_id, seq, role, status, created_at)
		VALUES (?, ?, ?, 'assistant', 'error', ?)
		ON CONFLICT (conversation_id, seq) DO NOTHING`),
		uuid.NewString(), conversationID, seq, time.Now().UTC())
	return err
}

func (s *SQLStore) UpdateConversationMetadata(ctx context.Context, conversationID string, patch ConversationPatch) error {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.SystemPromptID != nil {
		sets = append(sets, "system_prompt_id = ?")
		args = append(args, *patch.SystemPromptID)
	}
	if patch.ActiveTools != nil {
		toolsJSON, err := json.Marshal(*patch.ActiveTools)
		if err != nil {
			return fmt.Errorf("encode active_tools: %w", err)
		}
		sets = append(sets, "active_tools = ?")
		args = append(args, string(toolsJSON))
	}
	if patch.ToolsEnabled != nil {
		sets = append(sets, "tools_enabled = ?")
		args = append(args, *patch.ToolsEnabled)
	}
	if patch.ReasoningEffort != nil {
		sets = append(sets, "reasoning_effort = ?")
		args = append(args, *patch.ReasoningEffort)
	}
	if patch.Verbosity != nil {
		sets = append(sets, "verbosity = ?")
		args = append(args, *patch.Verbosity)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, conversationID)
	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLStore) GetLastAssistantResponseID(ctx context.Context, conversationID string) (string, error) {
	var responseID sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT response_id FROM messages
		WHERE conversation_id = ? AND role = 'assistant' AND status = 'final'
		ORDER BY seq DESC LIMIT 1`), conversationID).Scan(&responseID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return responseID.String, nil
}

func (s *SQLStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, seq, role, content, tool_calls, tool_outputs,
		       finish_reason, status, response_id, reasoning_details,
		       reasoning_tokens, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var contentJSON, callsJSON, outputsJSON string
		var finishReason, responseID, reasoning sql.NullString
		err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role,
			&contentJSON, &callsJSON, &outputsJSON, &finishReason, &m.Status,
			&responseID, &reasoning, &m.ReasoningTokens, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(contentJSON), &m.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		if err := json.Unmarshal([]byte(callsJSON), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool_calls: %w", err)
		}
		if err := json.Unmarshal([]byte(outputsJSON), &m.ToolOutputs); err != nil {
			return nil, fmt.Errorf("decode tool_outputs: %w", err)
		}
		m.FinishReason = finishReason.String
		m.ResponseID = responseID.String
		m.ReasoningDetails = reasoning.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows arrive newest-first; callers expect seq order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) MaxIterationsForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT max_iterations FROM user_settings WHERE user_id = ?`),
		userID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
