package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sse"
	"github.com/haasonsaas/relay/pkg/models"
)

// Client binds one configured provider to its adapter and the shared retry
// client. It satisfies engine.ProviderClient.
type Client struct {
	cfg     config.ProviderConfig
	adapter Adapter
	http    *RetryClient
	logger  *observability.Logger
}

// NewClient builds the client for one provider entry.
func NewClient(cfg config.ProviderConfig, rc *RetryClient, logger *observability.Logger) (*Client, error) {
	adapter, err := NewAdapter(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, adapter: adapter, http: rc, logger: logger}, nil
}

func (c *Client) ID() string { return c.cfg.ID }

func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

func (c *Client) SupportsReasoningControls(model string) bool {
	return c.adapter.SupportsReasoningControls(model)
}

func (c *Client) SupportsPromptCaching(model string) bool {
	return c.cfg.PromptCache && c.adapter.SupportsPromptCaching(model)
}

func (c *Client) SupportsPreviousResponseID() bool {
	return c.adapter.SupportsPreviousResponseID()
}

// Send issues one upstream call. Streaming responses are decoded lazily;
// non-streaming responses are synthesised into an equivalent chunk stream.
func (c *Client) Send(ctx context.Context, req *engine.ProviderRequest) (engine.ChunkStream, error) {
	body, err := c.adapter.BuildBody(c.cfg, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(ctx, c.cfg.ID, c.adapter.Endpoint(c.cfg.BaseURL), c.adapter.Headers(c.cfg), body)
	if err != nil {
		return nil, refineUpstreamError(err)
	}

	if req.Stream {
		return &sseStream{
			body:       resp.Body,
			decoder:    sse.NewDecoder(),
			translator: c.adapter.NewTranslator(),
		}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "read upstream response")
	}
	chunks, err := c.adapter.ParseResponse(raw)
	if err != nil {
		return nil, err
	}
	return &sliceStream{chunks: chunks}, nil
}

// refineUpstreamError recognises the stale-anchor rejection the engine
// handles with a rebuild-and-retry.
func refineUpstreamError(err error) error {
	e, ok := err.(*engine.Error)
	if !ok {
		return err
	}
	if e.Code == "invalid_value" && e.Param == "previous_response_id" {
		e.Kind = engine.KindInvalidPreviousResponseID
	}
	return e
}

// sseStream adapts a live SSE response body into a chunk stream.
type sseStream struct {
	body       io.ReadCloser
	decoder    *sse.Decoder
	translator Translator

	pending []*models.ChatCompletionChunk
	buf     [4096]byte
	eof     bool
}

func (s *sseStream) Recv() (*models.ChatCompletionChunk, error) {
	for {
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			return chunk, nil
		}
		if s.eof {
			return nil, io.EOF
		}

		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			if terr := s.ingest(s.decoder.Feed(s.buf[:n])); terr != nil {
				return nil, terr
			}
		}
		if err == io.EOF {
			s.eof = true
			if terr := s.ingest(s.decoder.Close()); terr != nil {
				return nil, terr
			}
			s.pending = append(s.pending, s.translator.Flush()...)
			continue
		}
		if err != nil {
			return nil, engine.WrapError(engine.KindUpstream, err, "upstream stream read failed")
		}
	}
}

func (s *sseStream) ingest(events []sse.Event) error {
	for _, ev := range events {
		switch ev.Type {
		case sse.EventData:
			chunks, err := s.translator.Translate(ev.Data)
			if err != nil {
				return err
			}
			s.pending = append(s.pending, chunks...)
		case sse.EventDone:
			s.eof = true
		case sse.EventParseError:
			// Tolerated: providers occasionally interleave comments or
			// malformed keep-alives.
		}
	}
	return nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// sliceStream replays pre-parsed chunks; the non-streaming path uses it so
// the orchestrator has one consumption path.
type sliceStream struct {
	chunks []*models.ChatCompletionChunk
	i      int
}

func (s *sliceStream) Recv() (*models.ChatCompletionChunk, error) {
	if s.i >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }

// modelsResponse is the model-list body shared by both dialects.
type modelsResponse struct {
	Data []models.ModelInfo `json:"data"`
}

// ListModels fetches the provider's advertised models.
func (c *Client) ListModels(ctx context.Context) ([]models.ModelInfo, error) {
	endpoint := c.adapter.ModelsEndpoint(c.cfg.BaseURL)
	if endpoint == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, engine.WrapError(engine.KindInternal, err, "build models request")
	}
	for k, vs := range c.adapter.Headers(c.cfg) {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "models request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, parseUpstreamError(resp.StatusCode, raw)
	}

	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, engine.WrapError(engine.KindUpstream, err, "malformed models response")
	}
	for i := range out.Data {
		out.Data[i].Provider = c.cfg.ID
	}
	return out.Data, nil
}
