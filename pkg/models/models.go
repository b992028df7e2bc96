// Package models defines the durable entities and wire shapes shared by the
// Relay gateway: conversations, messages, tool calls, and the extended
// OpenAI-compatible request/response types served on the downstream API.
package models

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageStatus marks whether a persisted message completed normally.
type MessageStatus string

const (
	StatusFinal MessageStatus = "final"
	StatusError MessageStatus = "error"
)

// ToolOutputStatus marks whether a tool execution succeeded.
type ToolOutputStatus string

const (
	ToolOutputSuccess ToolOutputStatus = "success"
	ToolOutputError   ToolOutputStatus = "error"
)

// Conversation is the durable conversation row. It is created on the first
// accepted request that lacks a valid conversation id and mutated only by the
// engine through the persistence port.
type Conversation struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Model          string    `json:"model,omitempty"`
	ProviderID     string    `json:"provider_id,omitempty"`
	SystemPromptID string    `json:"system_prompt_id,omitempty"`
	ActiveTools    []string  `json:"active_tools,omitempty"`
	ToolsEnabled   bool      `json:"tools_enabled"`
	Streaming      bool      `json:"streaming"`
	ReasoningEffort string   `json:"reasoning_effort,omitempty"`
	Verbosity      string    `json:"verbosity,omitempty"`
	NextSeq        int64     `json:"next_seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is a single turn entry. Identity is (conversation, seq) with seq a
// monotone 1-based counter; a stable opaque id is also assigned.
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Seq             int64          `json:"seq"`
	Role            Role           `json:"role"`
	Content         MessageContent `json:"content"`
	ToolCalls       []ToolCall     `json:"tool_calls,omitempty"`
	ToolOutputs     []ToolOutput   `json:"tool_outputs,omitempty"`
	FinishReason    string         `json:"finish_reason,omitempty"`
	Status          MessageStatus  `json:"status"`
	ResponseID      string         `json:"response_id,omitempty"`
	ReasoningDetails string        `json:"reasoning_details,omitempty"`
	ReasoningTokens int            `json:"reasoning_tokens,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ToolCall is a structured request emitted by the model to invoke a named
// function. Arguments are opaque JSON text and are never re-parsed by the
// engine before validation.
type ToolCall struct {
	ID       string       `json:"id"`
	Index    int          `json:"index"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolOutput is the result (or error string) of executing a tool call locally.
type ToolOutput struct {
	ToolCallID string           `json:"tool_call_id"`
	Name       string           `json:"name,omitempty"`
	Output     string           `json:"output"`
	Status     ToolOutputStatus `json:"status"`
}

// ConversationMeta is the out-of-band `_conversation` frame payload used to
// communicate conversation identity, sequence, and attribute snapshot to the
// client.
type ConversationMeta struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title,omitempty"`
	Model                string    `json:"model,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	ToolsEnabled         bool      `json:"tools_enabled"`
	ActiveTools          []string  `json:"active_tools,omitempty"`
	ActiveSystemPromptID string    `json:"active_system_prompt_id,omitempty"`
	Seq                  int64     `json:"seq"`
	UserMessageID        string    `json:"user_message_id,omitempty"`
	AssistantMessageID   string    `json:"assistant_message_id,omitempty"`
}

// ConversationFrame wraps ConversationMeta for the top-level stream frame.
type ConversationFrame struct {
	Conversation ConversationMeta `json:"_conversation"`
}
