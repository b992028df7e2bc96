package engine

import (
	"context"

	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// Builder constructs the message array for the next upstream call from the
// persisted history or the client-supplied list, honouring the resolved
// system prompt and the previous_response_id optimisation.
type Builder struct {
	store  store.Store
	window int
}

// NewBuilder returns a builder reading history from s, capped at window
// messages (default 200 when window is not positive).
func NewBuilder(s store.Store, window int) *Builder {
	if window <= 0 {
		window = 200
	}
	return &Builder{store: s, window: window}
}

// BuildInput carries what one build needs. Conversation is nil when the turn
// runs without persistence.
type BuildInput struct {
	Conversation   *models.Conversation
	ClientMessages []models.ChatMessage
	SystemPrompt   string

	// SupportsPreviousResponseID gates the history-elision fast path.
	SupportsPreviousResponseID bool

	// IsNewConversation disables the fast path; a fresh conversation has
	// no prior response to anchor on.
	IsNewConversation bool
}

// BuildResult is the outgoing message list plus the optional optimisation
// anchor.
type BuildResult struct {
	Messages           []models.ChatMessage
	PreviousResponseID string
}

// Build applies the construction rules in order: strip client system
// messages, take the previous_response_id fast path when available, else
// rehydrate history from the store, else use the client list; finally
// prepend the resolved system prompt.
func (b *Builder) Build(ctx context.Context, in BuildInput) (*BuildResult, error) {
	stripped := stripSystem(in.ClientMessages)

	if in.Conversation != nil && !in.IsNewConversation && in.SupportsPreviousResponseID {
		lastID, err := b.store.GetLastAssistantResponseID(ctx, in.Conversation.ID)
		if err != nil {
			return nil, WrapError(KindInternal, err, "load last response id")
		}
		if lastID != "" {
			msgs := currentUserMessages(stripped)
			return &BuildResult{
				Messages:           prependSystem(in.SystemPrompt, msgs),
				PreviousResponseID: lastID,
			}, nil
		}
	}

	return b.BuildFull(ctx, in)
}

// BuildFull always rebuilds from the full history. The orchestrator uses it
// to reissue a request once after the upstream rejects a stale
// previous_response_id.
func (b *Builder) BuildFull(ctx context.Context, in BuildInput) (*BuildResult, error) {
	stripped := stripSystem(in.ClientMessages)

	if in.Conversation == nil {
		return &BuildResult{Messages: prependSystem(in.SystemPrompt, stripped)}, nil
	}

	history, err := b.store.GetMessages(ctx, in.Conversation.ID, b.window)
	if err != nil {
		return nil, WrapError(KindInternal, err, "load history")
	}

	msgs := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, models.ChatMessage{
				Role:    string(models.RoleUser),
				Content: m.Content,
			})
		case models.RoleAssistant:
			if m.Status == models.StatusError {
				continue
			}
			msgs = append(msgs, models.ChatMessage{
				Role:      string(models.RoleAssistant),
				Content:   m.Content,
				ToolCalls: m.ToolCalls,
			})
			// Tool outputs follow their assistant message as role=tool
			// entries keyed by tool_call_id.
			for _, out := range m.ToolOutputs {
				msgs = append(msgs, models.ChatMessage{
					Role:       string(models.RoleTool),
					Content:    models.TextContent(out.Output),
					Name:       out.Name,
					ToolCallID: out.ToolCallID,
				})
			}
		}
	}

	return &BuildResult{Messages: prependSystem(in.SystemPrompt, msgs)}, nil
}

// stripSystem removes client-supplied system messages; the server-resolved
// system prompt is authoritative.
func stripSystem(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == string(models.RoleSystem) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// currentUserMessages returns the trailing run of user messages: the new
// turn the fast path sends on its own.
func currentUserMessages(messages []models.ChatMessage) []models.ChatMessage {
	start := len(messages)
	for start > 0 && messages[start-1].Role == string(models.RoleUser) {
		start--
	}
	return messages[start:]
}

func prependSystem(prompt string, messages []models.ChatMessage) []models.ChatMessage {
	if prompt == "" {
		return messages
	}
	out := make([]models.ChatMessage, 0, len(messages)+1)
	out = append(out, models.ChatMessage{
		Role:    string(models.RoleSystem),
		Content: models.TextContent(prompt),
	})
	return append(out, messages...)
}
