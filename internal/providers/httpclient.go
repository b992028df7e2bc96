package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/observability"
)

// maxErrorBodyBytes caps how much of an upstream error body is read.
const maxErrorBodyBytes = 1 << 20

// RetryClient issues upstream POSTs with bounded retries. Only 429 and 5xx
// responses are retried; everything else is surfaced immediately. A 2xx
// response is returned live so the caller can stream the body.
type RetryClient struct {
	client     *http.Client
	policy     backoff.Policy
	maxRetries int
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewRetryClient builds the shared upstream HTTP client from the retry
// configuration. metrics and logger may be nil.
func NewRetryClient(cfg config.RetryConfig, metrics *observability.Metrics, logger *observability.Logger) *RetryClient {
	return &RetryClient{
		client: &http.Client{
			// No overall timeout: streamed responses stay open for the whole
			// turn. The request context bounds each call.
			Transport: http.DefaultTransport,
		},
		policy: backoff.Policy{
			InitialMs:  float64(cfg.InitialDelayMs),
			MaxMs:      float64(cfg.MaxDelayMs),
			Multiplier: cfg.BackoffMultiplier,
			Jitter:     cfg.JitterFactor,
		},
		maxRetries: cfg.MaxRetries,
		metrics:    metrics,
		logger:     logger,
	}
}

// Post sends body to url, replaying it on each retry attempt. providerID
// labels metrics and logs.
func (c *RetryClient) Post(ctx context.Context, providerID, url string, headers http.Header, body []byte) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, engine.WrapError(engine.KindInternal, err, "build upstream request")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, engine.WrapError(engine.KindAbort, err, "upstream request aborted")
			}
			c.recordRequest(providerID, "transport_error", start)
			return nil, engine.WrapError(engine.KindUpstream, err, "upstream request failed")
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.recordRequest(providerID, strconv.Itoa(resp.StatusCode), start)
			return resp, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		c.recordRequest(providerID, strconv.Itoa(resp.StatusCode), start)

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt <= c.maxRetries {
			delay := retryDelay(resp.Header.Get("Retry-After"), c.policy, attempt)
			if c.logger != nil {
				c.logger.Warn(ctx, "retrying upstream request",
					"provider", providerID, "status", resp.StatusCode,
					"attempt", attempt, "delay", delay)
			}
			if c.metrics != nil {
				c.metrics.RecordUpstreamRetry(providerID, strconv.Itoa(resp.StatusCode))
			}
			if err := backoff.SleepWithContext(ctx, delay); err != nil {
				return nil, engine.WrapError(engine.KindAbort, err, "upstream retry aborted")
			}
			continue
		}

		uerr := parseUpstreamError(resp.StatusCode, raw)
		uerr.Retryable = retryable
		return nil, uerr
	}
}

func (c *RetryClient) recordRequest(providerID, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(providerID, "", status, time.Since(start).Seconds())
	}
}

// retryDelay honours Retry-After (delta-seconds or HTTP-date) and falls back
// to exponential backoff.
func retryDelay(retryAfter string, policy backoff.Policy, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
			return 0
		}
	}
	return backoff.Compute(policy, attempt)
}

// upstreamErrorBody covers both the OpenAI and the Anthropic error envelope.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

// parseUpstreamError decodes a provider error body into the engine taxonomy,
// keeping code and param for fallback decisions.
func parseUpstreamError(status int, raw []byte) *engine.Error {
	var body upstreamErrorBody
	message := ""
	code := ""
	param := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		message = body.Error.Message
		param = body.Error.Param
		switch v := body.Error.Code.(type) {
		case string:
			code = v
		case float64:
			code = strconv.Itoa(int(v))
		}
		if code == "" {
			code = body.Error.Type
		}
	}
	if message == "" {
		message = fmt.Sprintf("upstream returned %d", status)
	}
	return &engine.Error{
		Kind:    engine.KindUpstream,
		Message: message,
		Status:  status,
		Code:    code,
		Param:   param,
	}
}
