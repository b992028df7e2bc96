package engine

import (
	"errors"
	"fmt"
)

// Kind classifies a turn error. Fatal kinds end the turn in Failed; soft
// kinds (tool errors) surface as tool outputs and never fail the turn.
type Kind string

const (
	KindInvalidRequest            Kind = "invalid_request"
	KindInvalidConfig             Kind = "invalid_config"
	KindConversationNotFound      Kind = "conversation_not_found"
	KindSeqMismatch               Kind = "seq_mismatch"
	KindNotLastMessage            Kind = "not_last_message"
	KindLimitExceeded             Kind = "limit_exceeded"
	KindUpstream                  Kind = "upstream_error"
	KindInvalidPreviousResponseID Kind = "invalid_previous_response_id"
	KindMalformedToolCall         Kind = "malformed_tool_call"
	KindUnknownTool               Kind = "unknown_tool"
	KindInvalidArgumentsJSON      Kind = "invalid_arguments_json"
	KindToolFailure               Kind = "tool_failure"
	KindAbort                     Kind = "abort"
	KindInternal                  Kind = "internal"
)

// Error is the engine's error type. Upstream errors carry the HTTP status
// and the provider's code/param for retry and fallback decisions.
type Error struct {
	Kind    Kind
	Message string

	// Status is the upstream HTTP status for KindUpstream.
	Status int

	// Code and Param carry the provider error body fields.
	Code  string
	Param string

	// Retryable marks upstream errors the retry loop may reissue.
	Retryable bool

	cause error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates an engine error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to an engine error of the given kind.
func WrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the Kind from err, or KindInternal when err is not an
// engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
