package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ChatMessage is one entry of the messages array on the downstream request
// and on upstream OpenAI-compatible bodies.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolSpec is an OpenAI-style tool definition passed to providers.
type ToolSpec struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

// ToolFunctionSpec describes a callable function and its parameter schema.
type ToolFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolSelector is one element of the request `tools` array: either a full
// tool spec object or the bare name of a registered tool to expand.
type ToolSelector struct {
	Name string
	Spec *ToolSpec
}

// UnmarshalJSON accepts either a string (registered tool name) or a spec object.
func (t *ToolSelector) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		return json.Unmarshal(data, &t.Name)
	}
	if strings.HasPrefix(trimmed, "{") {
		t.Spec = &ToolSpec{}
		return json.Unmarshal(data, t.Spec)
	}
	return fmt.Errorf("tools entries must be a tool name or a tool spec object")
}

// MarshalJSON re-encodes the selector in the form it arrived in.
func (t ToolSelector) MarshalJSON() ([]byte, error) {
	if t.Spec != nil {
		return json.Marshal(t.Spec)
	}
	return json.Marshal(t.Name)
}

// ChatCompletionRequest is the downstream request body: an OpenAI-compatible
// chat completion object extended with conversation and orchestration fields.
type ChatCompletionRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`

	Stream         *bool `json:"stream,omitempty"`
	ProviderStream *bool `json:"provider_stream,omitempty"`

	Tools      []ToolSelector `json:"tools,omitempty"`
	ToolChoice any            `json:"tool_choice,omitempty"`

	ConversationID     string `json:"conversation_id,omitempty"`
	ProviderID         string `json:"provider_id,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	ResearchMode       bool   `json:"research_mode,omitempty"`

	EnableParallelToolCalls *bool `json:"enable_parallel_tool_calls,omitempty"`
	ParallelToolConcurrency int   `json:"parallel_tool_concurrency,omitempty"`

	ReasoningEffort string `json:"reasoning_effort,omitempty"`
	Verbosity       string `json:"verbosity,omitempty"`

	SystemPrompt         string `json:"system_prompt,omitempty"`
	ActiveSystemPromptID string `json:"active_system_prompt_id,omitempty"`
}

// StreamEnabled resolves the stream flag (default true).
func (r *ChatCompletionRequest) StreamEnabled() bool {
	if r.Stream == nil {
		return true
	}
	return *r.Stream
}

// ProviderStreamEnabled resolves provider_stream (default = stream).
func (r *ChatCompletionRequest) ProviderStreamEnabled() bool {
	if r.ProviderStream == nil {
		return r.StreamEnabled()
	}
	return *r.ProviderStream
}

// ChatCompletionChunk is the OpenAI chunk shape used both as the internal
// dialect-agnostic delta (adapters translate provider frames into it) and as
// the downstream frame payload, with the Relay extensions on the delta.
type ChatCompletionChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is one choice entry on a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// ChunkDelta carries the incremental payload. ToolOutput is a Relay
// extension; ToolCalls on downstream frames are whole, never fragmented.
type ChunkDelta struct {
	Role       string          `json:"role,omitempty"`
	Content    string          `json:"content,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	ToolCalls  []ToolCallDelta `json:"tool_calls,omitempty"`
	ToolOutput *ToolOutput     `json:"tool_output,omitempty"`
}

// ToolCallDelta is a possibly-fragmented tool call on an upstream delta.
// Index is a pointer because an absent index and index zero differ.
type ToolCallDelta struct {
	Index    *int              `json:"index,omitempty"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function FunctionCallDelta `json:"function"`
}

// FunctionCallDelta carries incremental function name/argument fragments.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolEvent is one entry of the tool_events log returned on non-streaming
// responses, preserving the internal event order.
type ToolEvent struct {
	Type       string      `json:"type"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolOutput *ToolOutput `json:"tool_output,omitempty"`
}

// ChatCompletionChoice is one choice on a non-streaming response.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatCompletionResponse is the non-streaming downstream response body.
type ChatCompletionResponse struct {
	ID           string                 `json:"id"`
	Object       string                 `json:"object"`
	Created      int64                  `json:"created"`
	Model        string                 `json:"model"`
	Choices      []ChatCompletionChoice `json:"choices"`
	ToolEvents   []ToolEvent            `json:"tool_events,omitempty"`
	Conversation *ConversationMeta      `json:"_conversation,omitempty"`
}

// ErrorBody is the JSON error payload served on failed requests.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// ModelInfo describes one model advertised by a provider.
type ModelInfo struct {
	ID       string `json:"id"`
	Object   string `json:"object,omitempty"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Provider string `json:"provider,omitempty"`
}
