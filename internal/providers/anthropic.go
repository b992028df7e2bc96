package providers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// anthropicAdapter speaks the Anthropic Messages dialect and translates its
// block-event stream into the internal OpenAI-shaped chunks.
type anthropicAdapter struct{}

func (a *anthropicAdapter) Kind() string { return "anthropic" }

func (a *anthropicAdapter) Endpoint(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/messages"
}

func (a *anthropicAdapter) ModelsEndpoint(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/models"
}

func (a *anthropicAdapter) Headers(cfg config.ProviderConfig) http.Header {
	h := http.Header{}
	if cfg.APIKey != "" {
		h.Set("x-api-key", cfg.APIKey)
	}
	version := cfg.APIVersion
	if version == "" {
		version = "2023-06-01"
	}
	h.Set("anthropic-version", version)
	return h
}

// anthropicBlock is one content block on messages and deltas.
type anthropicBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	CacheControl *models.CacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    []anthropicBlock   `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stream      bool     `json:"stream,omitempty"`

	Tools      []anthropicTool `json:"tools,omitempty"`
	ToolChoice any             `json:"tool_choice,omitempty"`
}

func (a *anthropicAdapter) BuildBody(cfg config.ProviderConfig, req *engine.ProviderRequest) ([]byte, error) {
	if err := validateReasoningControls(req); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = cfg.MaxTokens
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		ToolChoice:  req.ToolChoice,
	}

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case string(models.RoleSystem):
			body.System = append(body.System, contentBlocks(m.Content)...)
		case string(models.RoleTool):
			// Tool results travel as user messages with tool_result blocks.
			body.Messages = append(body.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content.Plain(),
				}},
			})
		case string(models.RoleAssistant):
			blocks := contentBlocks(m.Content)
			for _, c := range m.ToolCalls {
				input := json.RawMessage(c.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    c.ID,
					Name:  c.Function.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			body.Messages = append(body.Messages, anthropicMessage{
				Role:    "user",
				Content: contentBlocks(m.Content),
			})
		}
	}

	return json.Marshal(body)
}

// contentBlocks converts message content to Anthropic text blocks, carrying
// cache_control markers through.
func contentBlocks(c models.MessageContent) []anthropicBlock {
	if c.Parts == nil {
		if c.Text == "" {
			return nil
		}
		return []anthropicBlock{{Type: "text", Text: c.Text}}
	}
	blocks := make([]anthropicBlock, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Type != "text" {
			continue
		}
		blocks = append(blocks, anthropicBlock{
			Type:         "text",
			Text:         p.Text,
			CacheControl: p.CacheControl,
		})
	}
	return blocks
}

func (a *anthropicAdapter) SupportsReasoningControls(string) bool { return false }

func (a *anthropicAdapter) SupportsPromptCaching(string) bool { return true }

func (a *anthropicAdapter) SupportsPreviousResponseID() bool { return false }

// anthropicEvent is the union of the Messages stream event payloads.
type anthropicEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
	ContentBlock anthropicBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
}

// anthropicTranslator converts block events into internal chunks, mapping
// Anthropic block indexes to dense tool-call indexes.
type anthropicTranslator struct {
	messageID  string
	toolIndex  map[int]int
	nextTool   int
	sawMessage bool
}

func (a *anthropicAdapter) NewTranslator() Translator {
	return &anthropicTranslator{toolIndex: map[int]int{}}
}

func (t *anthropicTranslator) Translate(data json.RawMessage) ([]*models.ChatCompletionChunk, error) {
	var ev anthropicEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "malformed upstream event")
	}

	switch ev.Type {
	case "message_start":
		t.messageID = ev.Message.ID
		t.sawMessage = true
		return nil, nil

	case "content_block_start":
		if ev.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := t.nextTool
		t.toolIndex[ev.Index] = idx
		t.nextTool++
		return []*models.ChatCompletionChunk{t.chunk(models.ChunkDelta{
			ToolCalls: []models.ToolCallDelta{{
				Index:    &idx,
				ID:       ev.ContentBlock.ID,
				Type:     "function",
				Function: models.FunctionCallDelta{Name: ev.ContentBlock.Name},
			}},
		}, "")}, nil

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil, nil
			}
			return []*models.ChatCompletionChunk{t.chunk(models.ChunkDelta{Content: ev.Delta.Text}, "")}, nil
		case "thinking_delta":
			if ev.Delta.Thinking == "" {
				return nil, nil
			}
			return []*models.ChatCompletionChunk{t.chunk(models.ChunkDelta{Reasoning: ev.Delta.Thinking}, "")}, nil
		case "input_json_delta":
			idx, ok := t.toolIndex[ev.Index]
			if !ok || ev.Delta.PartialJSON == "" {
				return nil, nil
			}
			return []*models.ChatCompletionChunk{t.chunk(models.ChunkDelta{
				ToolCalls: []models.ToolCallDelta{{
					Index:    &idx,
					Function: models.FunctionCallDelta{Arguments: ev.Delta.PartialJSON},
				}},
			}, "")}, nil
		}
		return nil, nil

	case "message_delta":
		if ev.Delta.StopReason == "" {
			return nil, nil
		}
		return []*models.ChatCompletionChunk{t.chunk(models.ChunkDelta{}, mapStopReason(ev.Delta.StopReason))}, nil

	case "error":
		return nil, engine.NewError(engine.KindUpstream, "upstream stream error event")
	}

	// ping, content_block_stop, message_stop carry nothing for the engine.
	return nil, nil
}

func (t *anthropicTranslator) Flush() []*models.ChatCompletionChunk { return nil }

func (t *anthropicTranslator) chunk(delta models.ChunkDelta, finish string) *models.ChatCompletionChunk {
	return &models.ChatCompletionChunk{
		ID:      t.messageID,
		Choices: []models.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	}
	return reason
}

// anthropicResponse is the non-streaming Messages response body.
type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

func (a *anthropicAdapter) ParseResponse(body []byte) ([]*models.ChatCompletionChunk, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "malformed upstream response")
	}

	var chunks []*models.ChatCompletionChunk
	toolIdx := 0
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			chunks = append(chunks, &models.ChatCompletionChunk{
				ID:      resp.ID,
				Model:   resp.Model,
				Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{Content: block.Text}}},
			})
		case "tool_use":
			idx := toolIdx
			toolIdx++
			args := string(block.Input)
			chunks = append(chunks, &models.ChatCompletionChunk{
				ID:    resp.ID,
				Model: resp.Model,
				Choices: []models.ChunkChoice{{Delta: models.ChunkDelta{
					ToolCalls: []models.ToolCallDelta{{
						Index:    &idx,
						ID:       block.ID,
						Type:     "function",
						Function: models.FunctionCallDelta{Name: block.Name, Arguments: args},
					}},
				}}},
			})
		}
	}
	chunks = append(chunks, &models.ChatCompletionChunk{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: []models.ChunkChoice{{FinishReason: mapStopReason(resp.StopReason)}},
	})
	return chunks, nil
}
