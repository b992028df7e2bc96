// Package store persists conversations, messages, tool calls, and tool
// outputs. The engine consumes the narrow Store interface; implementations
// cover an in-memory map store and a database/sql store with sqlite and
// postgres drivers.
package store

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrConversationNotFound is returned when a conversation id was
	// supplied but does not exist or belongs to another user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrLimitExceeded is returned when a configured conversation or
	// message limit would be exceeded.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrSeqMismatch is returned when a write targets a seq that is not
	// the conversation's current head.
	ErrSeqMismatch = errors.New("seq mismatch")

	// ErrNotLastMessage is returned when an edit targets a message that is
	// no longer the last one in the conversation.
	ErrNotLastMessage = errors.New("not last message")
)

// ConversationSettings seed a conversation created on first contact.
type ConversationSettings struct {
	Title           string
	Model           string
	ProviderID      string
	SystemPromptID  string
	ActiveTools     []string
	ToolsEnabled    bool
	Streaming       bool
	ReasoningEffort string
	Verbosity       string
	SessionID       string

	// AutoCreate creates the conversation when the supplied id is unknown
	// instead of failing with ErrConversationNotFound.
	AutoCreate bool
}

// ConversationPatch is a partial metadata update; nil fields are untouched.
type ConversationPatch struct {
	Title           *string
	Model           *string
	SystemPromptID  *string
	ActiveTools     *[]string
	ToolsEnabled    *bool
	ReasoningEffort *string
	Verbosity       *string
}

// Limits configures the caps enforced by CheckLimits; zero disables a cap.
type Limits struct {
	MaxMessagesPerConversation int
	MaxConversationsPerSession int
}

// AssistantRecord is the atomic payload of RecordAssistantMessage.
type AssistantRecord struct {
	ID              string
	ConversationID  string
	Seq             int64
	Content         string
	ToolCalls       []models.ToolCall
	ToolOutputs     []models.ToolOutput
	ReasoningDetails string
	ReasoningTokens int
	FinishReason    string
	ResponseID      string
}

// Store is the persistence port. Operations block; implementations promise
// per-conversation linearisability.
type Store interface {
	// EnsureSession registers a session id idempotently.
	EnsureSession(ctx context.Context, sessionID string, meta map[string]string) error

	// ResolveOrCreateConversation resolves an existing conversation owned
	// by userID or creates one. isNew reports creation. A supplied id that
	// does not resolve fails with ErrConversationNotFound unless settings
	// opt into AutoCreate.
	ResolveOrCreateConversation(ctx context.Context, userID, conversationID string, settings ConversationSettings) (conv *models.Conversation, isNew bool, err error)

	// CheckLimits enforces the configured caps for a new turn.
	CheckLimits(ctx context.Context, sessionID, conversationID string) error

	// NextSeq atomically allocates the next monotone seq for a conversation.
	NextSeq(ctx context.Context, conversationID string) (int64, error)

	// SyncMessageHistory inserts any client-supplied messages the store
	// lacks at seq <= upToSeq, diffing by (role, seq). Idempotent. Returns
	// the stable message id for each input index that maps to a stored row.
	SyncMessageHistory(ctx context.Context, conversationID, userID string, messages []models.ChatMessage, upToSeq int64) (map[int]string, error)

	// RecordAssistantMessage commits the assistant message with its tool
	// calls, tool outputs, and reasoning in one transaction.
	RecordAssistantMessage(ctx context.Context, rec AssistantRecord) error

	// MarkAssistantError records an error marker at seq. Idempotent.
	MarkAssistantError(ctx context.Context, conversationID string, seq int64) error

	// UpdateConversationMetadata applies a partial metadata patch.
	UpdateConversationMetadata(ctx context.Context, conversationID string, patch ConversationPatch) error

	// GetLastAssistantResponseID returns the response_id of the last final
	// assistant message, or "" when none exists.
	GetLastAssistantResponseID(ctx context.Context, conversationID string) (string, error)

	// GetMessages returns the most recent messages in seq order, capped at
	// limit (0 = no cap).
	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// MaxIterationsForUser returns the per-user iteration override, or 0
	// when the configured default applies.
	MaxIterationsForUser(ctx context.Context, userID string) (int, error)

	// Close releases backing resources.
	Close() error
}
