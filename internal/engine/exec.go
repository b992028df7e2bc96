package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// ToolRegistry is the tool surface the executor consumes; the gateway's
// registry satisfies it.
type ToolRegistry interface {
	Has(name string) bool
	Validate(name string, args json.RawMessage) error
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ExecOptions selects the execution policy for one tool batch.
type ExecOptions struct {
	// Parallel dispatches the batch concurrently. Default: sequential.
	Parallel bool

	// Concurrency is the parallel worker count. Default: 3.
	Concurrency int

	// MaxConcurrency clamps per-request concurrency overrides. Default: 5.
	MaxConcurrency int

	// Timeout bounds one parallel batch; tools still pending when it
	// elapses yield timeout outputs, already-resolved tools are kept.
	// Default: 10s.
	Timeout time.Duration
}

func (o ExecOptions) sanitized() ExecOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 3
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 5
	}
	if o.Concurrency > o.MaxConcurrency {
		o.Concurrency = o.MaxConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

// Executor runs tool batches. Tool errors never fail the turn; every call
// yields a tool output, with status=error carrying a readable error string.
type Executor struct {
	registry ToolRegistry
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewExecutor creates an executor over the registry. Metrics and logger may
// be nil.
func NewExecutor(registry ToolRegistry, metrics *observability.Metrics, logger *observability.Logger) *Executor {
	return &Executor{registry: registry, metrics: metrics, logger: logger}
}

// Run executes the batch under the given options and returns outputs in the
// canonical call order. emit is invoked once per output, also in canonical
// order, before Run returns; it may be nil. A cancelled context stops the
// batch early and returns the outputs collected so far.
func (e *Executor) Run(ctx context.Context, calls []models.ToolCall, opts ExecOptions, emit func(models.ToolOutput)) []models.ToolOutput {
	if len(calls) == 0 {
		return nil
	}
	opts = opts.sanitized()
	if opts.Parallel && len(calls) > 1 {
		return e.runParallel(ctx, calls, opts, emit)
	}
	return e.runSequential(ctx, calls, emit)
}

func (e *Executor) runSequential(ctx context.Context, calls []models.ToolCall, emit func(models.ToolOutput)) []models.ToolOutput {
	outputs := make([]models.ToolOutput, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return outputs
		}
		out := e.runOne(ctx, call)
		outputs = append(outputs, out)
		if emit != nil {
			emit(out)
		}
	}
	return outputs
}

func (e *Executor) runParallel(ctx context.Context, calls []models.ToolCall, opts ExecOptions, emit func(models.ToolOutput)) []models.ToolOutput {
	results := make([]chan models.ToolOutput, len(calls))
	sem := make(chan struct{}, opts.Concurrency)

	for i, call := range calls {
		results[i] = make(chan models.ToolOutput, 1)
		go func(ch chan models.ToolOutput, call models.ToolCall) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			ch <- e.runOne(ctx, call)
		}(results[i], call)
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	outputs := make([]models.ToolOutput, 0, len(calls))
	timedOut := false
	for i := range calls {
		var out models.ToolOutput
		if timedOut {
			// Keep results that beat the deadline, fail the rest.
			select {
			case out = <-results[i]:
			default:
				out = timeoutOutput(calls[i])
			}
		} else {
			select {
			case out = <-results[i]:
			case <-deadline.C:
				timedOut = true
				select {
				case out = <-results[i]:
				default:
					out = timeoutOutput(calls[i])
				}
			case <-ctx.Done():
				return outputs
			}
		}
		outputs = append(outputs, out)
		if emit != nil {
			emit(out)
		}
	}
	return outputs
}

func timeoutOutput(call models.ToolCall) models.ToolOutput {
	return models.ToolOutput{
		ToolCallID: call.ID,
		Name:       call.Function.Name,
		Output:     "tool execution timed out",
		Status:     models.ToolOutputError,
	}
}

// runOne classifies and executes a single call per the error taxonomy:
// unknown names and invalid argument JSON become error outputs without
// touching the tool.
func (e *Executor) runOne(ctx context.Context, call models.ToolCall) models.ToolOutput {
	name := call.Function.Name
	args := json.RawMessage(call.Function.Arguments)

	out := models.ToolOutput{
		ToolCallID: call.ID,
		Name:       name,
		Status:     models.ToolOutputSuccess,
	}

	if !e.registry.Has(name) {
		out.Output = "unknown_tool:" + name
		out.Status = models.ToolOutputError
		e.record(name, out.Status, 0)
		return out
	}
	if !json.Valid(args) {
		out.Output = "invalid_arguments_json"
		out.Status = models.ToolOutputError
		e.record(name, out.Status, 0)
		return out
	}
	if err := e.registry.Validate(name, args); err != nil {
		out.Output = err.Error()
		out.Status = models.ToolOutputError
		e.record(name, out.Status, 0)
		return out
	}

	start := time.Now()
	result, err := e.registry.Execute(ctx, name, args)
	elapsed := time.Since(start)
	if err != nil {
		out.Output = err.Error()
		out.Status = models.ToolOutputError
		if e.logger != nil {
			e.logger.Warn(ctx, "tool execution failed", "tool", name, "error", err)
		}
	} else {
		out.Output = result
	}
	e.record(name, out.Status, elapsed)
	return out
}

func (e *Executor) record(name string, status models.ToolOutputStatus, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	label := "completed"
	if status == models.ToolOutputError {
		label = "error"
	}
	e.metrics.RecordToolExecution(name, label, elapsed.Seconds())
}
