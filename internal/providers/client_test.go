package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestClient(t *testing.T, baseURL, kind string) *Client {
	t.Helper()
	c, err := NewClient(config.ProviderConfig{
		ID:        "test",
		Kind:      kind,
		BaseURL:   baseURL,
		APIKey:    "sk-test",
		MaxTokens: 4096,
	}, NewRetryClient(testRetryConfig(), nil, nil), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func drain(t *testing.T, stream engine.ChunkStream) []*models.ChatCompletionChunk {
	t.Helper()
	var chunks []*models.ChatCompletionChunk
	for {
		c, err := stream.Recv()
		if err == io.EOF {
			return chunks
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		chunks = append(chunks, c)
	}
}

func TestClientStreamingOpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"resp_1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"he\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"resp_1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"llo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"resp_1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "openai")
	stream, err := c.Send(context.Background(), &engine.ProviderRequest{
		Model:    "gpt-test",
		Messages: []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	chunks := drain(t, stream)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Choices[0].Delta.Content != "he" || chunks[1].Choices[0].Delta.Content != "llo" {
		t.Errorf("content chunks = %+v", chunks)
	}
	if chunks[2].Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %+v", chunks[2])
	}
}

func TestClientStreamingAnthropicTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "anthropic")
	stream, err := c.Send(context.Background(), &engine.ProviderRequest{
		Model:    "claude-test",
		Messages: []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer stream.Close()

	chunks := drain(t, stream)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].ID != "msg_1" || chunks[0].Choices[0].Delta.Content != "hi" {
		t.Errorf("content = %+v", chunks[0])
	}
	if chunks[1].Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %+v", chunks[1])
	}
}

// A non-streaming upstream call still yields a chunk stream.
func TestClientNonStreamingSynthesis(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"resp_1","model":"gpt-test","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "openai")
	stream, err := c.Send(context.Background(), &engine.ProviderRequest{
		Model:    "gpt-test",
		Messages: []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	chunks := drain(t, stream)
	if len(chunks) != 2 || chunks[0].Choices[0].Delta.Content != "hello" {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[1].Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %+v", chunks[1])
	}
}

func TestClientRefinesStalePreviousResponseID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"not found","code":"invalid_value","param":"previous_response_id"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "openai")
	_, err := c.Send(context.Background(), &engine.ProviderRequest{
		Model:              "gpt-test",
		Messages:           []models.ChatMessage{{Role: "user", Content: models.TextContent("hi")}},
		PreviousResponseID: "resp_stale",
	})
	if !engine.IsKind(err, engine.KindInvalidPreviousResponseID) {
		t.Fatalf("err = %v", err)
	}
}

func TestRegistryResolution(t *testing.T) {
	cfg := &config.Config{Providers: []config.ProviderConfig{
		{ID: "a", Kind: "openai", BaseURL: "https://a.example"},
		{ID: "b", Kind: "anthropic", BaseURL: "https://b.example"},
	}}
	r, err := NewRegistry(cfg, NewRetryClient(testRetryConfig(), nil, nil), nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	def, err := r.Get("")
	if err != nil || def.ID() != "a" {
		t.Errorf("default = %v, %v", def, err)
	}
	if _, err := r.Get("b"); err != nil {
		t.Errorf("get b: %v", err)
	}
	if _, err := r.Get("missing"); !engine.IsKind(err, engine.KindInvalidRequest) {
		t.Errorf("err = %v", err)
	}
}
