package providers

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

func openaiConfig() config.ProviderConfig {
	return config.ProviderConfig{
		ID:      "openai",
		Kind:    "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  "sk-test",
	}
}

func TestOpenAIBuildBodyAllowList(t *testing.T) {
	a := &openaiAdapter{}
	body, err := a.BuildBody(openaiConfig(), &engine.ProviderRequest{
		Model:              "gpt-test",
		Messages:           []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		MaxTokens:          100,
		Stream:             true,
		PreviousResponseID: "resp_1",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"model", "messages", "max_tokens", "stream", "previous_response_id"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing %q in body %s", key, body)
		}
	}
	if _, ok := got["conversation_id"]; ok {
		t.Errorf("gateway field leaked upstream: %s", body)
	}
}

// Reasoning controls are dropped for models that do not support them and
// rejected outright for invalid enum values.
func TestOpenAIReasoningControls(t *testing.T) {
	a := &openaiAdapter{}

	body, err := a.BuildBody(openaiConfig(), &engine.ProviderRequest{
		Model:           "gpt-4o",
		Messages:        []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		ReasoningEffort: "high",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var got map[string]any
	json.Unmarshal(body, &got)
	if _, ok := got["reasoning_effort"]; ok {
		t.Errorf("reasoning_effort not dropped for gpt-4o: %s", body)
	}

	body, err = a.BuildBody(openaiConfig(), &engine.ProviderRequest{
		Model:           "gpt-5",
		Messages:        []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		ReasoningEffort: "high",
		Verbosity:       "low",
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got = map[string]any{}
	json.Unmarshal(body, &got)
	if got["reasoning_effort"] != "high" || got["verbosity"] != "low" {
		t.Errorf("controls missing for gpt-5: %s", body)
	}

	_, err = a.BuildBody(openaiConfig(), &engine.ProviderRequest{
		Model:           "gpt-5",
		Messages:        []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		ReasoningEffort: "extreme",
	})
	if !engine.IsKind(err, engine.KindInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}

func TestOpenAITranslatorPassthrough(t *testing.T) {
	tr := (&openaiAdapter{}).NewTranslator()
	chunks, err := tr.Translate(json.RawMessage(`{"id":"resp_1","choices":[{"index":0,"delta":{"content":"hi"}}]}`))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(chunks) != 1 || chunks[0].ID != "resp_1" || chunks[0].Choices[0].Delta.Content != "hi" {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestOpenAIParseResponseSynthesisesChunks(t *testing.T) {
	a := &openaiAdapter{}
	chunks, err := a.ParseResponse([]byte(`{
		"id": "resp_1",
		"model": "gpt-test",
		"choices": [{
			"index": 0,
			"message": {
				"role": "assistant",
				"content": "done",
				"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{}"}}]
			},
			"finish_reason": "tool_calls"
		}]
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "done" {
		t.Errorf("content chunk = %+v", chunks[0])
	}
	tc := chunks[1].Choices[0].Delta.ToolCalls[0]
	if tc.ID != "c1" || tc.Function.Name != "f" {
		t.Errorf("tool chunk = %+v", tc)
	}
	if chunks[2].Choices[0].FinishReason != "tool_calls" {
		t.Errorf("finish chunk = %+v", chunks[2])
	}
}
