package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// MaxIterationsSuffix is appended to the assistant content when the tool loop
// hits its iteration cap.
const MaxIterationsSuffix = "\n\n[Maximum iterations reached]"

// Orchestrator drives one turn: build the outgoing messages, call the model,
// assemble and execute tool calls, extend the working list, and repeat until
// a final assistant message is produced or the iteration cap trips.
type Orchestrator struct {
	store         store.Store
	builder       *Builder
	executor      *Executor
	metrics       *observability.Metrics
	logger        *observability.Logger
	maxIterations int
}

// NewOrchestrator wires the turn state machine. maxIterations is the
// configured default cap; per-user overrides from the store take precedence.
// metrics and logger may be nil.
func NewOrchestrator(s store.Store, builder *Builder, executor *Executor, maxIterations int, metrics *observability.Metrics, logger *observability.Logger) *Orchestrator {
	return &Orchestrator{
		store:         s,
		builder:       builder,
		executor:      executor,
		metrics:       metrics,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// TurnParams carries everything one turn needs. Conversation is nil when the
// turn runs without persistence; Seq is then ignored.
type TurnParams struct {
	Provider ProviderClient

	Conversation      *models.Conversation
	IsNewConversation bool
	UserID            string
	SessionID         string

	ClientMessages []models.ChatMessage
	SystemPrompt   string

	Model       string
	MaxTokens   int
	Temperature *float64
	TopP        *float64

	ReasoningEffort string
	Verbosity       string

	Tools      []models.ToolSpec
	ToolChoice any

	// PreviousResponseID is the client-supplied override; when empty the
	// builder consults the store.
	PreviousResponseID string

	// ProviderStream selects upstream streaming; the downstream shape is the
	// sink's concern.
	ProviderStream bool

	// Seq is the assistant seq allocated by the handler before the turn, and
	// UserMessageID the stable id of the synced user message.
	Seq           int64
	UserMessageID string

	// AssistantMessageID is minted by the caller when the downstream frames
	// need it before the turn starts; empty means the turn mints its own.
	AssistantMessageID string

	// Exec overrides the configured tool-execution policy for this turn.
	Exec ExecOptions
}

// TurnResult is the final assistant message of a completed turn.
type TurnResult struct {
	AssistantMessageID string
	Content            string
	Reasoning          string
	ToolCalls          []models.ToolCall
	ToolOutputs        []models.ToolOutput
	FinishReason       string
	ResponseID         string
	Iterations         int
}

// turnState tracks everything the loop owns across iterations.
type turnState struct {
	tc        *TurnContext
	assembler *Assembler

	// working is the outgoing message list, extended each tool round.
	// sentUpTo marks the prefix already anchored upstream by a response id;
	// baseLen is the length of the initially built list, before tool rounds.
	working  []models.ChatMessage
	sentUpTo int
	baseLen  int

	usePrevID bool
	prevID    string
	rebuilt   bool

	rounds     int
	capped     bool
	metaSent   bool
	iterChunks int
}

// Run executes one turn, emitting downstream events through sink. The
// returned error is always an *Error; on error the turn has already been
// finished on the sink (error content, metadata, finish) except for aborts,
// which emit nothing further.
func (o *Orchestrator) Run(ctx context.Context, params TurnParams, sink EventSink) (*TurnResult, error) {
	start := time.Now()

	maxIter, err := o.resolveMaxIterations(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	assistantID := params.AssistantMessageID
	if assistantID == "" {
		assistantID = uuid.NewString()
	}
	st := &turnState{
		tc: &TurnContext{
			UserID:             params.UserID,
			SessionID:          params.SessionID,
			Model:              params.Model,
			AssistantMessageID: assistantID,
			UserMessageID:      params.UserMessageID,
			Seq:                params.Seq,
		},
		assembler: NewAssembler(),
	}
	if params.Conversation != nil {
		st.tc.ConversationID = params.Conversation.ID
	}

	// Plain streaming announces the conversation up-front; tool orchestration
	// defers the frame to just before the stream ends.
	if len(params.Tools) == 0 {
		o.emitConversation(st, params, sink)
	}

	built, err := o.builder.Build(ctx, BuildInput{
		Conversation:               params.Conversation,
		ClientMessages:             params.ClientMessages,
		SystemPrompt:               params.SystemPrompt,
		SupportsPreviousResponseID: params.Provider.SupportsPreviousResponseID(),
		IsNewConversation:          params.IsNewConversation,
	})
	if err != nil {
		return nil, o.fail(ctx, st, params, sink, err)
	}
	st.working = built.Messages
	st.baseLen = len(built.Messages)
	st.prevID = built.PreviousResponseID
	if params.PreviousResponseID != "" {
		st.prevID = params.PreviousResponseID
	}
	st.usePrevID = st.prevID != ""

	for {
		if ctx.Err() != nil {
			return nil, o.cancelled(st, params)
		}

		finish, calls, err := o.callModel(ctx, st, params, sink)
		if err != nil {
			if ctx.Err() != nil || IsKind(err, KindAbort) {
				return nil, o.cancelled(st, params)
			}
			return nil, o.fail(ctx, st, params, sink, err)
		}
		st.tc.LastFinishReason = finish

		if len(calls) > 0 && st.rounds < maxIter && !st.capped {
			if err := o.executeRound(ctx, st, params, calls, sink); err != nil {
				return nil, o.cancelled(st, params)
			}
			st.rounds++
			if st.rounds == maxIter {
				// One final call without tools, then finalise.
				st.capped = true
			}
			continue
		}

		st.tc.Iteration = st.rounds
		break
	}

	return o.finalise(ctx, st, params, sink, start)
}

func (o *Orchestrator) resolveMaxIterations(ctx context.Context, userID string) (int, error) {
	maxIter := o.maxIterations
	if userID != "" {
		override, err := o.store.MaxIterationsForUser(ctx, userID)
		if err == nil && override > 0 {
			maxIter = override
		}
	}
	if maxIter <= 0 {
		return 0, NewError(KindInvalidConfig, "max iterations must be positive")
	}
	return maxIter, nil
}

// callModel issues one upstream call and consumes its stream into the turn
// buffers. It returns the iteration's finish reason and assembled tool calls.
func (o *Orchestrator) callModel(ctx context.Context, st *turnState, params TurnParams, sink EventSink) (string, []models.ToolCall, error) {
	req := &ProviderRequest{
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		Stream:      params.ProviderStream,
	}
	if !st.capped {
		req.Tools = params.Tools
		req.ToolChoice = params.ToolChoice
	}
	if params.Provider.SupportsReasoningControls(params.Model) {
		req.ReasoningEffort = params.ReasoningEffort
		req.Verbosity = params.Verbosity
	}

	if st.usePrevID && st.prevID != "" {
		req.PreviousResponseID = st.prevID
		req.Messages = st.working[st.sentUpTo:]
	} else {
		req.Messages = st.working
	}
	if params.Provider.SupportsPromptCaching(params.Model) {
		req.Messages = AnnotatePromptCache(req.Messages)
	}

	stream, err := params.Provider.Send(ctx, req)
	if err != nil && IsKind(err, KindInvalidPreviousResponseID) && req.PreviousResponseID != "" && !st.rebuilt {
		// Stale anchor; rebuild from full history and reissue once.
		st.rebuilt = true
		st.usePrevID = false
		if o.logger != nil {
			o.logger.Warn(ctx, "previous_response_id rejected, rebuilding full history",
				"conversation_id", st.tc.ConversationID)
		}
		full, berr := o.builder.BuildFull(ctx, BuildInput{
			Conversation:   params.Conversation,
			ClientMessages: params.ClientMessages,
			SystemPrompt:   params.SystemPrompt,
		})
		if berr != nil {
			return "", nil, berr
		}
		rounds := st.working[st.baseLen:]
		st.working = append(full.Messages, rounds...)
		st.baseLen = len(full.Messages)
		st.sentUpTo = 0
		return o.callModel(ctx, st, params, sink)
	}
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	st.sentUpTo = len(st.working)

	finish, err := o.consume(ctx, st, stream, sink)
	if err != nil {
		return "", nil, err
	}

	calls, malformed := st.assembler.Finish()
	st.assembler.Reset()
	for range malformed {
		addendum := "\n\n[Skipped a malformed tool call]"
		st.tc.ContentBuffer = append(st.tc.ContentBuffer, addendum)
		st.iterChunks++
		sink.Emit(Event{Type: EventContent, Content: addendum})
		if o.logger != nil {
			o.logger.Warn(ctx, "malformed tool call dropped",
				"conversation_id", st.tc.ConversationID)
		}
	}
	return finish, calls, nil
}

// consume drains one chunk stream into the buffers and the sink, feeding tool
// call fragments to the assembler. Stream EOF without a terminal finish
// reason counts as "stop".
func (o *Orchestrator) consume(ctx context.Context, st *turnState, stream ChunkStream, sink EventSink) (string, error) {
	finish := ""
	iterStart := len(st.tc.ContentBuffer)
	for {
		if ctx.Err() != nil {
			return "", NewError(KindAbort, "turn aborted")
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", NewError(KindAbort, "turn aborted")
			}
			return "", WrapError(KindUpstream, err, "upstream stream failed")
		}
		if chunk.ID != "" {
			st.tc.LastResponseID = chunk.ID
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				st.tc.ContentBuffer = append(st.tc.ContentBuffer, choice.Delta.Content)
				sink.Emit(Event{Type: EventContent, Content: choice.Delta.Content})
			}
			if choice.Delta.Reasoning != "" {
				st.tc.ReasoningBuffer = append(st.tc.ReasoningBuffer, choice.Delta.Reasoning)
				sink.Emit(Event{Type: EventReasoning, Reasoning: choice.Delta.Reasoning})
			}
			if len(choice.Delta.ToolCalls) > 0 {
				st.assembler.Feed(choice.Delta.ToolCalls)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if finish == "" {
		finish = "stop"
	}
	st.iterChunks = len(st.tc.ContentBuffer) - iterStart
	return finish, nil
}

// executeRound runs one tool batch and extends the working list with the
// assistant tool-call message and its role=tool follow-ups.
func (o *Orchestrator) executeRound(ctx context.Context, st *turnState, params TurnParams, calls []models.ToolCall, sink EventSink) error {
	sink.Emit(Event{Type: EventToolCalls, ToolCalls: calls})
	st.tc.AllToolCalls = append(st.tc.AllToolCalls, calls...)

	iterContent := strings.Join(st.tc.ContentBuffer[len(st.tc.ContentBuffer)-st.iterChunks:], "")

	outputs := o.executor.Run(ctx, calls, params.Exec, func(out models.ToolOutput) {
		cp := out
		sink.Emit(Event{Type: EventToolOutput, ToolOutput: &cp})
	})
	if ctx.Err() != nil {
		return NewError(KindAbort, "turn aborted")
	}
	st.tc.AllToolOutputs = append(st.tc.AllToolOutputs, outputs...)

	st.working = append(st.working, models.ChatMessage{
		Role:      string(models.RoleAssistant),
		Content:   models.TextContent(iterContent),
		ToolCalls: calls,
	})
	for _, out := range outputs {
		st.working = append(st.working, models.ChatMessage{
			Role:       string(models.RoleTool),
			Content:    models.TextContent(out.Output),
			Name:       out.Name,
			ToolCallID: out.ToolCallID,
		})
	}

	// Anchor the next call on this iteration's response when the fast path
	// is active.
	if st.usePrevID && st.tc.LastResponseID != "" {
		st.prevID = st.tc.LastResponseID
	}
	return nil
}

func (o *Orchestrator) finalise(ctx context.Context, st *turnState, params TurnParams, sink EventSink, start time.Time) (*TurnResult, error) {
	content := strings.Join(st.tc.ContentBuffer, "")
	if st.capped {
		content += MaxIterationsSuffix
		sink.Emit(Event{Type: EventContent, Content: MaxIterationsSuffix})
	}
	reasoning := strings.Join(st.tc.ReasoningBuffer, "")

	finish := st.tc.LastFinishReason
	if finish == "" {
		finish = "stop"
	}

	if params.Conversation != nil {
		rec := store.AssistantRecord{
			ID:               st.tc.AssistantMessageID,
			ConversationID:   params.Conversation.ID,
			Seq:              params.Seq,
			Content:          content,
			ToolCalls:        st.tc.AllToolCalls,
			ToolOutputs:      st.tc.AllToolOutputs,
			ReasoningDetails: reasoning,
			FinishReason:     finish,
			ResponseID:       st.tc.LastResponseID,
		}
		if err := o.store.RecordAssistantMessage(ctx, rec); err != nil {
			return nil, o.fail(ctx, st, params, sink, mapStoreError(err))
		}
	}

	o.emitConversation(st, params, sink)
	sink.Emit(Event{Type: EventFinish, FinishReason: finish})

	o.recordTurn(params, "completed", start, st.rounds)
	return &TurnResult{
		AssistantMessageID: st.tc.AssistantMessageID,
		Content:            content,
		Reasoning:          reasoning,
		ToolCalls:          st.tc.AllToolCalls,
		ToolOutputs:        st.tc.AllToolOutputs,
		FinishReason:       finish,
		ResponseID:         st.tc.LastResponseID,
		Iterations:         st.rounds,
	}, nil
}

// fail persists the error marker, streams the error line, and finishes the
// stream. Exactly one of the final record and the error marker is committed.
func (o *Orchestrator) fail(ctx context.Context, st *turnState, params TurnParams, sink EventSink, err error) error {
	o.markError(params)

	line := fmt.Sprintf("Error: %s", errorMessage(err))
	sink.Emit(Event{Type: EventErrorContent, Content: line})
	o.emitConversation(st, params, sink)
	sink.Emit(Event{Type: EventFinish, FinishReason: "stop"})

	o.recordTurn(params, "failed", time.Time{}, st.rounds)
	if e, ok := err.(*Error); ok {
		return e
	}
	return WrapError(KindInternal, err, "turn failed")
}

// cancelled persists the error marker and emits nothing further downstream.
func (o *Orchestrator) cancelled(st *turnState, params TurnParams) error {
	o.markError(params)
	o.recordTurn(params, "cancelled", time.Time{}, st.rounds)
	return NewError(KindAbort, "turn cancelled")
}

// markError uses a background context so a cancelled request context cannot
// block the marker write.
func (o *Orchestrator) markError(params TurnParams) {
	if params.Conversation == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.MarkAssistantError(ctx, params.Conversation.ID, params.Seq); err != nil && o.logger != nil {
		o.logger.Error(ctx, "mark assistant error failed",
			"conversation_id", params.Conversation.ID, "error", err)
	}
}

func (o *Orchestrator) emitConversation(st *turnState, params TurnParams, sink EventSink) {
	if st.metaSent || params.Conversation == nil {
		return
	}
	st.metaSent = true
	conv := params.Conversation
	sink.Emit(Event{Type: EventConversation, Conversation: &models.ConversationMeta{
		ID:                   conv.ID,
		Title:                conv.Title,
		Model:                params.Model,
		CreatedAt:            conv.CreatedAt,
		ToolsEnabled:         conv.ToolsEnabled,
		ActiveTools:          conv.ActiveTools,
		ActiveSystemPromptID: conv.SystemPromptID,
		Seq:                  params.Seq,
		UserMessageID:        params.UserMessageID,
		AssistantMessageID:   st.tc.AssistantMessageID,
	}})
}

func (o *Orchestrator) recordTurn(params TurnParams, status string, start time.Time, iterations int) {
	if o.metrics == nil {
		return
	}
	elapsed := 0.0
	if !start.IsZero() {
		elapsed = time.Since(start).Seconds()
	}
	providerID := ""
	if params.Provider != nil {
		providerID = params.Provider.ID()
	}
	o.metrics.RecordTurn(providerID, params.Model, status, elapsed, iterations)
}

func errorMessage(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Message
	}
	return err.Error()
}

// mapStoreError translates store sentinels into the engine taxonomy.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConversationNotFound):
		return WrapError(KindConversationNotFound, err, "conversation not found")
	case errors.Is(err, store.ErrSeqMismatch):
		return WrapError(KindSeqMismatch, err, "seq mismatch")
	case errors.Is(err, store.ErrNotLastMessage):
		return WrapError(KindNotLastMessage, err, "not last message")
	case errors.Is(err, store.ErrLimitExceeded):
		return WrapError(KindLimitExceeded, err, "limit exceeded")
	default:
		return WrapError(KindInternal, err, "store operation failed")
	}
}
