package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNewTracerDisabledWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "relay"})
	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}
	defer shutdown(context.Background())

	if tracer.provider != nil {
		t.Error("no-op tracer must not construct a provider")
	}

	ctx, span := tracer.Start(context.Background(), "turn")
	defer span.End()
	if ctx == nil {
		t.Error("Start() returned nil context")
	}
	if GetTraceID(ctx) != "" {
		t.Error("no-op tracer must not produce a valid trace ID")
	}
}

func TestTracerSpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "relay"})
	defer shutdown(context.Background())

	ctx := context.Background()

	_, span := tracer.TraceTurn(ctx, "openai", "gpt-4o", "conv-1")
	span.End()

	_, span = tracer.TraceUpstreamRequest(ctx, "anthropic", "claude-sonnet-4", 2)
	span.End()

	_, span = tracer.TraceToolExecution(ctx, "get_time", "call_1")
	span.End()

	_, span = tracer.TraceStoreQuery(ctx, "record_assistant_message")
	span.End()
}

func TestAttributeFromValue(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want attribute.KeyValue
	}{
		{"string", "k", "v", attribute.String("k", "v")},
		{"int", "k", 3, attribute.Int("k", 3)},
		{"int64", "k", int64(4), attribute.Int64("k", 4)},
		{"float64", "k", 1.5, attribute.Float64("k", 1.5)},
		{"bool", "k", true, attribute.Bool("k", true)},
		{"fallback", "k", struct{ A int }{1}, attribute.String("k", "{1}")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attributeFromValue(tt.key, tt.val)
			if got != tt.want {
				t.Errorf("attributeFromValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}
