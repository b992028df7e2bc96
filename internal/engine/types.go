// Package engine implements the tool-orchestration core: the per-turn state
// machine that calls the upstream model, assembles streamed tool calls,
// executes tools, extends the working history, and re-calls the model until
// a final assistant message is produced, streamed, and persisted.
package engine

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// ProviderRequest is the provider-agnostic request issued once per iteration.
// Adapters translate it to the provider's wire format.
type ProviderRequest struct {
	Model    string
	Messages []models.ChatMessage

	Tools      []models.ToolSpec
	ToolChoice any

	MaxTokens   int
	Temperature *float64
	TopP        *float64

	ReasoningEffort string
	Verbosity       string

	// PreviousResponseID elides prior history when the adapter supports it.
	PreviousResponseID string

	// Stream selects upstream streaming. When false the provider client
	// still returns a ChunkStream synthesised from the complete response.
	Stream bool
}

// ChunkStream yields dialect-agnostic OpenAI-shaped chunks from one upstream
// call. Recv returns io.EOF after the final chunk.
type ChunkStream interface {
	Recv() (*models.ChatCompletionChunk, error)
	Close() error
}

// ProviderClient is the upstream surface the orchestrator consumes. One
// client wraps one configured provider.
type ProviderClient interface {
	// ID returns the configured provider id.
	ID() string

	// DefaultModel returns the model used when a request omits one.
	DefaultModel() string

	// SupportsReasoningControls reports whether reasoning_effort/verbosity
	// are forwarded for the model.
	SupportsReasoningControls(model string) bool

	// SupportsPromptCaching reports whether cache markers are honoured.
	SupportsPromptCaching(model string) bool

	// SupportsPreviousResponseID reports whether the history-elision
	// optimisation is available.
	SupportsPreviousResponseID() bool

	// Send issues one upstream call and returns its chunk stream. The
	// returned error is an *Error; retryable statuses are retried inside.
	Send(ctx context.Context, req *ProviderRequest) (ChunkStream, error)
}

// EventType identifies a downstream stream event.
type EventType int

const (
	// EventContent carries a content delta.
	EventContent EventType = iota
	// EventReasoning carries a reasoning delta.
	EventReasoning
	// EventToolCalls carries whole assembled tool calls.
	EventToolCalls
	// EventToolOutput carries one tool result.
	EventToolOutput
	// EventConversation carries the conversation metadata frame.
	EventConversation
	// EventFinish carries the final chunk's finish_reason.
	EventFinish
	// EventErrorContent carries the error line streamed on Failed.
	EventErrorContent
)

// Event is the internal union the orchestrator emits downstream through the
// multiplexer.
type Event struct {
	Type         EventType
	Content      string
	Reasoning    string
	ToolCalls    []models.ToolCall
	ToolOutput   *models.ToolOutput
	Conversation *models.ConversationMeta
	FinishReason string
}

// TurnContext is the per-request ephemeral state. It exclusively owns the
// assembly map and the accumulation buffers; only the orchestrator task
// mutates it.
type TurnContext struct {
	ConversationID string
	UserID         string
	SessionID      string
	ProviderID     string
	Model          string

	// AssistantMessageID is minted up-front so the metadata frame can be
	// emitted before the turn completes.
	AssistantMessageID string
	UserMessageID      string
	Seq                int64

	Iteration int

	// Messages is the working list extended at each tool round.
	Messages []models.ChatMessage

	ContentBuffer   []string
	ReasoningBuffer []string

	// AllToolCalls and AllToolOutputs accumulate over all iterations for
	// the single persisted assistant message.
	AllToolCalls   []models.ToolCall
	AllToolOutputs []models.ToolOutput

	LastResponseID   string
	LastFinishReason string
}
