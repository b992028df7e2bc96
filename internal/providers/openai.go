package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// openaiAdapter speaks the OpenAI chat-completions dialect, which most
// compatible gateways and local runtimes also accept.
type openaiAdapter struct{}

func (a *openaiAdapter) Kind() string { return "openai" }

func (a *openaiAdapter) Endpoint(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/chat/completions"
}

func (a *openaiAdapter) ModelsEndpoint(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/models"
}

func (a *openaiAdapter) Headers(cfg config.ProviderConfig) http.Header {
	h := http.Header{}
	if cfg.APIKey != "" {
		h.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return h
}

// openaiRequest is the allow-listed outbound body.
type openaiRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	Tools      []models.ToolSpec `json:"tools,omitempty"`
	ToolChoice any               `json:"tool_choice,omitempty"`

	ReasoningEffort    string `json:"reasoning_effort,omitempty"`
	Verbosity          string `json:"verbosity,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

func (a *openaiAdapter) BuildBody(cfg config.ProviderConfig, req *engine.ProviderRequest) ([]byte, error) {
	if err := validateReasoningControls(req); err != nil {
		return nil, err
	}

	body := openaiRequest{
		Model:              req.Model,
		Messages:           req.Messages,
		MaxTokens:          req.MaxTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		Stream:             req.Stream,
		Tools:              req.Tools,
		ToolChoice:         req.ToolChoice,
		PreviousResponseID: req.PreviousResponseID,
	}
	if a.SupportsReasoningControls(req.Model) {
		body.ReasoningEffort = req.ReasoningEffort
		body.Verbosity = req.Verbosity
	}
	return json.Marshal(body)
}

func (a *openaiAdapter) SupportsReasoningControls(model string) bool {
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (a *openaiAdapter) SupportsPromptCaching(string) bool { return false }

func (a *openaiAdapter) SupportsPreviousResponseID() bool { return true }

// openaiTranslator passes chunks through; the internal shape is the OpenAI
// chunk shape.
type openaiTranslator struct{}

func (a *openaiAdapter) NewTranslator() Translator { return &openaiTranslator{} }

func (t *openaiTranslator) Translate(data json.RawMessage) ([]*models.ChatCompletionChunk, error) {
	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "malformed upstream chunk")
	}
	return []*models.ChatCompletionChunk{&chunk}, nil
}

func (t *openaiTranslator) Flush() []*models.ChatCompletionChunk { return nil }

// openaiResponse is the non-streaming completion body.
type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      models.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
}

// ParseResponse synthesises the chunk sequence a stream would have produced,
// so the engine has a single consumption path.
func (a *openaiAdapter) ParseResponse(body []byte) ([]*models.ChatCompletionChunk, error) {
	var resp openaiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "malformed upstream response")
	}
	if len(resp.Choices) == 0 {
		return nil, engine.NewError(engine.KindUpstream, "upstream response has no choices")
	}
	choice := resp.Choices[0]

	var chunks []*models.ChatCompletionChunk
	if text := choice.Message.Content.Plain(); text != "" {
		chunks = append(chunks, &models.ChatCompletionChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: text}}},
		})
	}
	if len(choice.Message.ToolCalls) > 0 {
		deltas := make([]models.ToolCallDelta, len(choice.Message.ToolCalls))
		for i, c := range choice.Message.ToolCalls {
			idx := i
			deltas[i] = models.ToolCallDelta{
				Index: &idx,
				ID:    c.ID,
				Type:  c.Type,
				Function: models.FunctionCallDelta{
					Name:      c.Function.Name,
					Arguments: c.Function.Arguments,
				},
			}
		}
		chunks = append(chunks, &models.ChatCompletionChunk{
			ID:      resp.ID,
			Model:   resp.Model,
			Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{ToolCalls: deltas}}},
		})
	}
	chunks = append(chunks, &models.ChatCompletionChunk{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: []models.ChunkChoice{{FinishReason: choice.FinishReason}},
	})
	return chunks, nil
}
