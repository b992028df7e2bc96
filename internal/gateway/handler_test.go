package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// upstreamScript serves canned SSE turns in order: one response per POST.
type upstreamScript struct {
	mu        chan struct{}
	responses []func(w http.ResponseWriter, body []byte)
	calls     int
	bodies    [][]byte
}

func newUpstreamScript(responses ...func(w http.ResponseWriter, body []byte)) *upstreamScript {
	s := &upstreamScript{mu: make(chan struct{}, 1), responses: responses}
	s.mu <- struct{}{}
	return s
}

func (s *upstreamScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	var buf bytes.Buffer
	buf.ReadFrom(r.Body)
	s.bodies = append(s.bodies, buf.Bytes())

	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"script exhausted"}}`)
		return
	}
	s.responses[i](w, buf.Bytes())
}

func sseText(lines ...string) func(w http.ResponseWriter, body []byte) {
	return func(w http.ResponseWriter, _ []byte) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// echoTool reports the arguments it was called with.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes its input back." }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (echoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	return "echo: " + in.Text, nil
}

func newTestServer(t *testing.T, upstream http.Handler) (*Server, *store.MemoryStore) {
	return newTestServerWithLimits(t, upstream, store.Limits{})
}

func newTestServerWithLimits(t *testing.T, upstream http.Handler, limits store.Limits) (*Server, *store.MemoryStore) {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Providers = []config.ProviderConfig{{
		ID:           "primary",
		Kind:         "openai",
		BaseURL:      srv.URL,
		APIKey:       "sk-test",
		DefaultModel: "gpt-test",
		MaxTokens:    4096,
	}}
	cfg.Engine.MaxIterations = 3

	reg, err := providers.NewRegistry(cfg, providers.NewRetryClient(cfg.Retry, nil, nil), nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	toolReg := tools.NewRegistry()
	if err := toolReg.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	st := store.NewMemoryStore(limits)
	builder := engine.NewBuilder(st, cfg.Engine.MessageWindow)
	executor := engine.NewExecutor(toolReg, nil, nil)
	orch := engine.NewOrchestrator(st, builder, executor, cfg.Engine.MaxIterations, nil, nil)

	return NewServer(cfg, nil, nil, reg, toolReg, st, orch), st
}

func postChat(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// parseSSE splits a recorded stream into data payloads, [DONE] excluded.
func parseSSE(t *testing.T, body string) (payloads []string, done bool) {
	t.Helper()
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		payloads = append(payloads, data)
	}
	return payloads, done
}

func TestStreamingTurnFrameOrder(t *testing.T) {
	upstream := newUpstreamScript(sseText(
		`{"id":"resp_1","choices":[{"index":0,"delta":{"content":"hel"}}]}`,
		`{"id":"resp_1","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"resp_1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	))
	s, _ := newTestServer(t, upstream)

	rec := postChat(t, s.Routes(), `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	payloads, done := parseSSE(t, rec.Body.String())
	if !done {
		t.Fatal("missing [DONE]")
	}
	// Tool-free turn: metadata frame first, then content, then finish.
	if len(payloads) != 4 {
		t.Fatalf("payloads = %v", payloads)
	}
	if !strings.Contains(payloads[0], `"_conversation"`) {
		t.Errorf("first frame = %s", payloads[0])
	}

	var first models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payloads[1]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Choices[0].Delta.Role != "assistant" || first.Choices[0].Delta.Content != "hel" {
		t.Errorf("first chunk = %+v", first)
	}

	var last models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(payloads[3]), &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Choices[0].FinishReason != "stop" {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestNonStreamingToolTurn(t *testing.T) {
	upstream := newUpstreamScript(
		sseText(
			`{"id":"resp_1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":"{\"text\":\"hi\"}"}}]}}]}`,
			`{"id":"resp_1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		),
		sseText(
			`{"id":"resp_2","choices":[{"index":0,"delta":{"content":"echoed"}}]}`,
			`{"id":"resp_2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		),
	)
	s, _ := newTestServer(t, upstream)

	body := `{"stream":false,"messages":[{"role":"user","content":"use echo"}],"tools":["echo"]}`
	rec := postChat(t, s.Routes(), body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if got := resp.Choices[0].Message.Content.Plain(); got != "echoed" {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", resp.Choices[0].FinishReason)
	}
	if len(resp.ToolEvents) != 2 {
		t.Fatalf("tool events = %+v", resp.ToolEvents)
	}
	if resp.ToolEvents[0].Type != "tool_call" || resp.ToolEvents[1].Type != "tool_output" {
		t.Errorf("tool event types = %+v", resp.ToolEvents)
	}
	if resp.Conversation == nil || resp.Conversation.ID == "" {
		t.Errorf("conversation meta = %+v", resp.Conversation)
	}

	if upstream.calls != 2 {
		t.Errorf("upstream calls = %d", upstream.calls)
	}
	// The second call carries the tool round.
	if !bytes.Contains(upstream.bodies[1], []byte(`"role":"tool"`)) {
		t.Errorf("second body = %s", upstream.bodies[1])
	}
}

func TestUnknownConversationIDReturns404(t *testing.T) {
	s, _ := newTestServer(t, newUpstreamScript())

	body := `{"messages":[{"role":"user","content":"hi"}],"conversation_id":"missing"}`
	rec := postChat(t, s.Routes(), body, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var eb models.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if eb.Error != "conversation_not_found" {
		t.Errorf("error = %+v", eb)
	}
}

func TestEmptyInputRejected(t *testing.T) {
	s, _ := newTestServer(t, newUpstreamScript())

	rec := postChat(t, s.Routes(), `{"messages":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var eb models.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &eb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if eb.Error != "invalid_request_error" {
		t.Errorf("error = %+v", eb)
	}
}

func TestLimitExceededReturns429(t *testing.T) {
	upstream := newUpstreamScript(sseText(
		`{"id":"resp_1","choices":[{"index":0,"delta":{"content":"ok"}}]}`,
		`{"id":"resp_1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	))
	s, _ := newTestServerWithLimits(t, upstream, store.Limits{MaxConversationsPerSession: 1})

	headers := map[string]string{"x-session-id": "sess-1"}
	first := postChat(t, s.Routes(), `{"messages":[{"role":"user","content":"hi"}]}`, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}

	second := postChat(t, s.Routes(), `{"messages":[{"role":"user","content":"hi again"}]}`, headers)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", second.Code, second.Body.String())
	}
}

func TestConversationContinuesAcrossRequests(t *testing.T) {
	upstream := newUpstreamScript(
		sseText(
			`{"id":"resp_1","choices":[{"index":0,"delta":{"content":"first"}}]}`,
			`{"id":"resp_1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		),
		sseText(
			`{"id":"resp_2","choices":[{"index":0,"delta":{"content":"second"}}]}`,
			`{"id":"resp_2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		),
	)
	s, _ := newTestServer(t, upstream)

	rec := postChat(t, s.Routes(), `{"stream":false,"messages":[{"role":"user","content":"hi"}]}`, nil)
	var resp models.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	convID := resp.Conversation.ID
	if convID == "" {
		t.Fatal("no conversation id")
	}

	body := fmt.Sprintf(`{"stream":false,"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"first"},{"role":"user","content":"more"}],"conversation_id":%q}`, convID)
	rec = postChat(t, s.Routes(), body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Conversation.ID != convID {
		t.Errorf("conversation id changed: %q vs %q", resp.Conversation.ID, convID)
	}
	if got := resp.Choices[0].Message.Content.Plain(); got != "second" {
		t.Errorf("content = %q", got)
	}
}

func TestModelsEndpoint(t *testing.T) {
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-test","object":"model"}]}`)
	})
	s, _ := newTestServer(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out struct {
		Object string             `json:"object"`
		Data   []models.ModelInfo `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "gpt-test" || out.Data[0].Provider != "primary" {
		t.Errorf("models = %+v", out.Data)
	}
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, newUpstreamScript())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s, _ := newTestServer(t, newUpstreamScript())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Errorf("request id = %q", got)
	}
}
