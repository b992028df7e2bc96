package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments without durability requirements.
type MemoryStore struct {
	mu            sync.Mutex
	limits        Limits
	sessions      map[string]map[string]string
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	bySession     map[string]int
	maxIterations map[string]int
}

// NewMemoryStore creates an empty in-memory store with the given limits.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:        limits,
		sessions:      make(map[string]map[string]string),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		bySession:     make(map[string]int),
		maxIterations: make(map[string]int),
	}
}

func (s *MemoryStore) EnsureSession(ctx context.Context, sessionID string, meta map[string]string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = map[string]string{}
	}
	for k, v := range meta {
		s.sessions[sessionID][k] = v
	}
	return nil
}

func (s *MemoryStore) ResolveOrCreateConversation(ctx context.Context, userID, conversationID string, settings ConversationSettings) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != "" {
		conv, ok := s.conversations[conversationID]
		if ok {
			if conv.UserID != userID {
				return nil, false, ErrConversationNotFound
			}
			copied := *conv
			return &copied, false, nil
		}
		if !settings.AutoCreate {
			return nil, false, ErrConversationNotFound
		}
	}

	if s.limits.MaxConversationsPerSession > 0 && settings.SessionID != "" {
		if s.bySession[settings.SessionID] >= s.limits.MaxConversationsPerSession {
			return nil, false, ErrLimitExceeded
		}
	}

	id := conversationID
	if id == "" {
		id = uuid.NewString()
	}
	conv := &models.Conversation{
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
		CreatedAt:       time.Now().UTC(),
	}
	s.conversations[id] = conv
	if settings.SessionID != "" {
		s.bySession[settings.SessionID]++
	}
	copied := *conv
	return &copied, true, nil
}

func (s *MemoryStore) CheckLimits(ctx context.Context, sessionID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.limits.MaxMessagesPerConversation > 0 {
		if len(s.messages[conversationID]) >= s.limits.MaxMessagesPerConversation {
			return ErrLimitExceeded
		}
	}
	return nil
}

func (s *MemoryStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	conv.NextSeq++
	return conv.NextSeq, nil
}

func (s *MemoryStore) SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []models.ChatMessage, upToSeq int64) (map[int]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrConversationNotFound
	}

	existing := make(map[string]*models.Message)
	for _, m := range s.messages[conversationID] {
		existing[syncKey(string(m.Role), m.Seq)] = m
	}

	mappings := make(map[int]string, len(messages))
	seq := int64(0)
	for i, m := range messages {
		if m.Role == string(models.RoleSystem) {
			continue
		}
		seq++
		if seq > upToSeq {
			break
		}
		key := syncKey(m.Role, seq)
		if found, ok := existing[key]; ok {
			mappings[i] = found.ID
			continue
		}
		stored := &models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Seq:            seq,
			Role:           models.Role(m.Role),
			Content:        m.Content,
			ToolCalls:      append([]models.ToolCall(nil), m.ToolCalls...),
			Status:         models.StatusFinal,
			CreatedAt:      time.Now().UTC(),
		}
		s.messages[conversationID] = append(s.messages[conversationID], stored)
		existing[key] = stored
		mappings[i] = stored.ID
		if seq > conv.NextSeq {
			conv.NextSeq = seq
		}
	}

	sort.Slice(s.messages[conversationID], func(a, b int) bool {
		return s.messages[conversationID][a].Seq < s.messages[conversationID][b].Seq
	})
	return mappings, nil
}

func (s *MemoryStore) RecordAssistantMessage(ctx context.Context, rec AssistantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[rec.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if rec.Seq > conv.NextSeq {
		return ErrSeqMismatch
	}

	for _, m := range s.messages[rec.ConversationID] {
		if m.Seq == rec.Seq {
			if m.Status == models.StatusError && m.Role == models.RoleAssistant {
				// Overwriting an error marker with the final record is
				// allowed; anything else is a head conflict.
				*m = assistantMessage(rec, m.ID)
				return nil
			}
			return ErrSeqMismatch
		}
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	stored := assistantMessage(rec, id)
	s.messages[rec.ConversationID] = append(s.messages[rec.ConversationID], &stored)
	return nil
}

func assistantMessage(rec AssistantRecord, id string) models.Message {
	return models.Message{
		ID:               id,
		ConversationID:   rec.ConversationID,
		Seq:              rec.Seq,
		Role:             models.RoleAssistant,
		Content:          models.TextContent(rec.Content),
		ToolCalls:        append([]models.ToolCall(nil), rec.ToolCalls...),
		ToolOutputs:      append([]models.ToolOutput(nil), rec.ToolOutputs...),
		FinishReason:     rec.FinishReason,
		Status:           models.StatusFinal,
		ResponseID:       rec.ResponseID,
		ReasoningDetails: rec.ReasoningDetails,
		ReasoningTokens:  rec.ReasoningTokens,
		CreatedAt:        time.Now().UTC(),
	}
}

func (s *MemoryStore) MarkAssistantError(ctx context.Context, conversationID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return ErrConversationNotFound
	}

	for _, m := range s.messages[conversationID] {
		if m.Seq == seq {
			return nil
		}
	}
	s.messages[conversationID] = append(s.messages[conversationID], &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Seq:            seq,
		Role:           models.RoleAssistant,
		Status:         models.StatusError,
		CreatedAt:      time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) UpdateConversationMetadata(ctx context.Context, conversationID string, patch ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.Model != nil {
		conv.Model = *patch.Model
	}
	if patch.SystemPromptID != nil {
		conv.SystemPromptID = *patch.SystemPromptID
	}
	if patch.ActiveTools != nil {
		conv.ActiveTools = append([]string(nil), (*patch.ActiveTools)...)
	}
	if patch.ToolsEnabled != nil {
		conv.ToolsEnabled = *patch.ToolsEnabled
	}
	if patch.ReasoningEffort != nil {
		conv.ReasoningEffort = *patch.ReasoningEffort
	}
	if patch.Verbosity != nil {
		conv.Verbosity = *patch.Verbosity
	}
	return nil
}

func (s *MemoryStore) GetLastAssistantResponseID(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == models.RoleAssistant && m.Status == models.StatusFinal {
			return m.ResponseID, nil
		}
	}
	return "", nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}

	msgs := s.messages[conversationID]
	start := 0
	if limit > 0 && len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]models.Message, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) MaxIterationsForUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxIterations[userID], nil
}

// SetMaxIterationsForUser installs a per-user override; tests and admin
// tooling use it.
func (s *MemoryStore) SetMaxIterationsForUser(userID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxIterations[userID] = n
}

func (s *MemoryStore) Close() error { return nil }

func syncKey(role string, seq int64) string {
	return fmt.Sprintf("%s:%d", role, seq)
}
