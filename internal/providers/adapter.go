// Package providers implements the upstream side of the gateway: dialect
// adapters for OpenAI-compatible and Anthropic Messages APIs, a retrying
// HTTP client, and the provider clients the engine calls.
package providers

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// Adapter hides one provider dialect. Request bodies are built allow-list
// style so unknown client fields never reach the upstream.
type Adapter interface {
	// Kind returns the dialect name ("openai" or "anthropic").
	Kind() string

	// Endpoint returns the chat endpoint under the configured base URL.
	Endpoint(baseURL string) string

	// ModelsEndpoint returns the model-list endpoint, or "" when the dialect
	// has none.
	ModelsEndpoint(baseURL string) string

	// Headers returns the authentication headers for the provider.
	Headers(cfg config.ProviderConfig) http.Header

	// BuildBody translates the provider-agnostic request into the dialect's
	// wire body. Returns an invalid_request error for bad enum values.
	BuildBody(cfg config.ProviderConfig, req *engine.ProviderRequest) ([]byte, error)

	// NewTranslator returns a per-stream translator for the dialect's SSE
	// payloads.
	NewTranslator() Translator

	// ParseResponse converts a complete non-streaming response body into the
	// chunk sequence a stream would have produced.
	ParseResponse(body []byte) ([]*models.ChatCompletionChunk, error)

	// SupportsReasoningControls reports whether reasoning_effort/verbosity
	// apply to the model. Unsupported controls are dropped, not rejected.
	SupportsReasoningControls(model string) bool

	// SupportsPromptCaching reports whether cache_control markers are
	// honoured for the model.
	SupportsPromptCaching(model string) bool

	// SupportsPreviousResponseID reports whether the dialect accepts the
	// history-elision anchor.
	SupportsPreviousResponseID() bool
}

// Translator converts one dialect SSE payload into zero or more internal
// chunks. Anthropic streams carry per-block state across calls; a Translator
// serves exactly one stream.
type Translator interface {
	Translate(data json.RawMessage) ([]*models.ChatCompletionChunk, error)

	// Flush emits anything buffered when the stream ends without a terminal
	// event.
	Flush() []*models.ChatCompletionChunk
}

// NewAdapter selects the adapter for a configured provider kind.
func NewAdapter(kind string) (Adapter, error) {
	switch kind {
	case "openai":
		return &openaiAdapter{}, nil
	case "anthropic":
		return &anthropicAdapter{}, nil
	default:
		return nil, engine.NewError(engine.KindInvalidConfig, "unknown provider kind %q", kind)
	}
}

// validReasoningEffort and validVerbosity are the accepted enum values; an
// empty string means unset.
func validReasoningEffort(v string) bool {
	switch v {
	case "", "minimal", "low", "medium", "high":
		return true
	}
	return false
}

func validVerbosity(v string) bool {
	switch v {
	case "", "low", "medium", "high":
		return true
	}
	return false
}

// validateReasoningControls rejects bad enum values regardless of model
// support; support decides dropping, not validity.
func validateReasoningControls(req *engine.ProviderRequest) error {
	if !validReasoningEffort(req.ReasoningEffort) {
		return engine.NewError(engine.KindInvalidRequest, "invalid reasoning_effort %q", req.ReasoningEffort)
	}
	if !validVerbosity(req.Verbosity) {
		return engine.NewError(engine.KindInvalidRequest, "invalid verbosity %q", req.Verbosity)
	}
	return nil
}
