package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sse"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// Identity headers. The gateway trusts its fronting proxy for these.
const (
	userIDHeader     = "x-user-id"
	sessionIDHeader  = "x-session-id"
	providerIDHeader = "x-provider-id"
	convIDHeader     = "x-conversation-id"
	prevRespHeader   = "x-previous-response-id"
)

const maxTitleLength = 80

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req models.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON", "")
		return
	}

	// Header overrides win over body fields.
	if v := r.Header.Get(providerIDHeader); v != "" {
		req.ProviderID = v
	}
	if v := r.Header.Get(convIDHeader); v != "" {
		req.ConversationID = v
	}
	if v := r.Header.Get(prevRespHeader); v != "" {
		req.PreviousResponseID = v
	}

	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		userID = "anonymous"
	}
	sessionID := r.Header.Get(sessionIDHeader)
	if sessionID == "" {
		sessionID = "session-" + userID
	}

	if err := validateRequest(&req); err != nil {
		writeEngineError(w, err)
		return
	}

	provider, err := s.providers.Get(req.ProviderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	model := req.Model
	if model == "" {
		model = provider.DefaultModel()
	}

	toolSpecs, err := s.expandTools(&req)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	turn, err := s.prepareTurn(r, &req, userID, sessionID, provider, model, toolSpecs)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	timeout := time.Duration(s.cfg.Engine.TurnTimeoutMs) * time.Millisecond
	abort := engine.NewAbortCoordinator(r.Context(), timeout)
	defer abort.Release()

	if req.StreamEnabled() {
		s.streamTurn(w, abort, turn)
		return
	}
	s.completeTurn(w, abort, turn)
}

// validateRequest rejects bodies no turn can be built from.
func validateRequest(req *models.ChatCompletionRequest) error {
	hasContent := false
	for _, m := range req.Messages {
		if m.Role == string(models.RoleSystem) {
			continue
		}
		if m.Role == "" {
			return engine.NewError(engine.KindInvalidRequest, "message role is required")
		}
		if !m.Content.IsEmpty() || len(m.ToolCalls) > 0 {
			hasContent = true
		}
	}
	if !hasContent && req.ConversationID == "" && req.SystemPrompt == "" {
		return engine.NewError(engine.KindInvalidRequest, "messages must contain at least one non-empty message")
	}
	return nil
}

// expandTools resolves the request tool selectors: registered names expand to
// their specs, inline specs pass through. research_mode enables every
// registered tool when the request lists none.
func (s *Server) expandTools(req *models.ChatCompletionRequest) ([]models.ToolSpec, error) {
	if len(req.Tools) == 0 {
		if req.ResearchMode {
			return s.tools.Specs(), nil
		}
		return nil, nil
	}
	specs, err := s.tools.Expand(req.Tools)
	if err != nil {
		return nil, engine.WrapError(engine.KindInvalidRequest, err, "%s", err.Error())
	}
	return specs, nil
}

// preparedTurn carries everything between store preparation and execution.
type preparedTurn struct {
	params engine.TurnParams
	model  string
}

// prepareTurn runs the store call sequence of a turn: ensure the session,
// resolve or create the conversation, enforce limits, sync the client
// history, and allocate the assistant seq.
func (s *Server) prepareTurn(
	r *http.Request,
	req *models.ChatCompletionRequest,
	userID, sessionID string,
	provider *providers.Client,
	model string,
	toolSpecs []models.ToolSpec,
) (*preparedTurn, error) {
	ctx := r.Context()

	if err := s.store.EnsureSession(ctx, sessionID, nil); err != nil {
		return nil, engine.WrapError(engine.KindInternal, err, "ensure session")
	}

	toolNames := make([]string, 0, len(toolSpecs))
	for _, t := range toolSpecs {
		toolNames = append(toolNames, t.Function.Name)
	}
	settings := store.ConversationSettings{
		Title:           autoTitle(req.Messages),
		Model:           model,
		ProviderID:      provider.ID(),
		SystemPromptID:  req.ActiveSystemPromptID,
		ActiveTools:     toolNames,
		ToolsEnabled:    len(toolSpecs) > 0,
		Streaming:       req.StreamEnabled(),
		ReasoningEffort: req.ReasoningEffort,
		Verbosity:       req.Verbosity,
		SessionID:       sessionID,
	}

	conv, isNew, err := s.store.ResolveOrCreateConversation(ctx, userID, req.ConversationID, settings)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if !isNew {
		if patch := settingsPatch(conv, &settings, req.Model != ""); patch != nil {
			if err := s.store.UpdateConversationMetadata(ctx, conv.ID, *patch); err != nil {
				return nil, mapStoreError(err)
			}
		}
	}
	if err := s.store.CheckLimits(ctx, sessionID, conv.ID); err != nil {
		return nil, mapStoreError(err)
	}

	mappings, err := s.store.SyncMessageHistory(ctx, conv.ID, userID, req.Messages, countNonSystem(req.Messages))
	if err != nil {
		return nil, mapStoreError(err)
	}
	userMessageID := lastUserMessageID(req.Messages, mappings)

	seq, err := s.store.NextSeq(ctx, conv.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	exec := engine.ExecOptions{
		Parallel:       s.cfg.Engine.ParallelTools.Enabled,
		Concurrency:    s.cfg.Engine.ParallelTools.Concurrency,
		MaxConcurrency: s.cfg.Engine.ParallelTools.MaxConcurrency,
		Timeout:        time.Duration(s.cfg.Engine.ParallelTools.TimeoutMs) * time.Millisecond,
	}
	if req.EnableParallelToolCalls != nil {
		exec.Parallel = *req.EnableParallelToolCalls
	}
	if req.ParallelToolConcurrency > 0 {
		exec.Concurrency = req.ParallelToolConcurrency
	}

	return &preparedTurn{
		params: engine.TurnParams{
			Provider:           provider,
			Conversation:       conv,
			IsNewConversation:  isNew,
			UserID:             userID,
			SessionID:          sessionID,
			ClientMessages:     req.Messages,
			SystemPrompt:       req.SystemPrompt,
			Model:              model,
			MaxTokens:          req.MaxTokens,
			Temperature:        req.Temperature,
			TopP:               req.TopP,
			ReasoningEffort:    req.ReasoningEffort,
			Verbosity:          req.Verbosity,
			Tools:              toolSpecs,
			ToolChoice:         req.ToolChoice,
			PreviousResponseID: req.PreviousResponseID,
			ProviderStream:     req.ProviderStreamEnabled(),
			Seq:                seq,
			UserMessageID:      userMessageID,
			AssistantMessageID: uuid.NewString(),
			Exec:               exec,
		},
		model: model,
	}, nil
}

// streamTurn serves the SSE shape of a turn.
func (s *Server) streamTurn(w http.ResponseWriter, abort *engine.AbortCoordinator, turn *preparedTurn) {
	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}

	mux := engine.NewMux(writer, turn.params.AssistantMessageID, turn.model, func(error) {
		abort.Abort(engine.ErrClientClosed)
	})

	if s.metrics != nil {
		s.metrics.StreamOpened()
		defer s.metrics.StreamClosed()
	}

	_, err = s.orchestrator.Run(abort.Context(), turn.params, mux)
	if engine.IsKind(err, engine.KindAbort) {
		mux.CloseDiscard()
		return
	}
	// Failed turns already streamed their error line and finish chunk; the
	// headers are long gone, so [DONE] is all that is left to send.
	mux.Close()
}

// completeTurn serves the JSON shape of a turn.
func (s *Server) completeTurn(w http.ResponseWriter, abort *engine.AbortCoordinator, turn *preparedTurn) {
	sink := &engine.Collector{}
	res, err := s.orchestrator.Run(abort.Context(), turn.params, sink)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var meta *models.ConversationMeta
	for _, ev := range sink.Events {
		if ev.Type == engine.EventConversation {
			meta = ev.Conversation
			break
		}
	}

	resp := models.ChatCompletionResponse{
		ID:      res.AssistantMessageID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   turn.model,
		Choices: []models.ChatCompletionChoice{{
			Message: models.ChatMessage{
				Role:      string(models.RoleAssistant),
				Content:   models.TextContent(res.Content),
				ToolCalls: res.ToolCalls,
			},
			FinishReason: res.FinishReason,
		}},
		ToolEvents:   sink.ToolEvents(),
		Conversation: meta,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	infos, err := s.providers.ListModels(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   infos,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// countNonSystem is the seq horizon for history sync: system messages consume
// no seq.
func countNonSystem(messages []models.ChatMessage) int64 {
	n := int64(0)
	for _, m := range messages {
		if m.Role != string(models.RoleSystem) {
			n++
		}
	}
	return n
}

// lastUserMessageID resolves the stable id of the turn's user message from
// the sync mappings.
func lastUserMessageID(messages []models.ChatMessage, mappings map[int]string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(models.RoleUser) {
			return mappings[i]
		}
	}
	return ""
}

// autoTitle derives a conversation title from the first user message.
func autoTitle(messages []models.ChatMessage) string {
	for _, m := range messages {
		if m.Role != string(models.RoleUser) {
			continue
		}
		title := strings.TrimSpace(m.Content.Plain())
		if title == "" {
			continue
		}
		if len(title) > maxTitleLength {
			title = title[:maxTitleLength]
		}
		return title
	}
	return ""
}

// settingsPatch diffs the request settings against a resumed conversation.
// The model is only patched when the request named one explicitly.
func settingsPatch(conv *models.Conversation, settings *store.ConversationSettings, modelExplicit bool) *store.ConversationPatch {
	var patch store.ConversationPatch
	changed := false
	if modelExplicit && settings.Model != conv.Model {
		patch.Model = &settings.Model
		changed = true
	}
	if settings.ToolsEnabled != conv.ToolsEnabled {
		patch.ToolsEnabled = &settings.ToolsEnabled
		patch.ActiveTools = &settings.ActiveTools
		changed = true
	}
	if settings.ReasoningEffort != "" && settings.ReasoningEffort != conv.ReasoningEffort {
		patch.ReasoningEffort = &settings.ReasoningEffort
		changed = true
	}
	if settings.Verbosity != "" && settings.Verbosity != conv.Verbosity {
		patch.Verbosity = &settings.Verbosity
		changed = true
	}
	if !changed {
		return nil
	}
	return &patch
}

// mapStoreError translates store sentinels for the HTTP error mapping.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		return engine.WrapError(engine.KindConversationNotFound, err, "conversation not found")
	case errors.Is(err, store.ErrLimitExceeded):
		return engine.WrapError(engine.KindLimitExceeded, err, "limit exceeded")
	case errors.Is(err, store.ErrSeqMismatch):
		return engine.WrapError(engine.KindSeqMismatch, err, "seq mismatch")
	case errors.Is(err, store.ErrNotLastMessage):
		return engine.WrapError(engine.KindNotLastMessage, err, "not last message")
	default:
		return engine.WrapError(engine.KindInternal, err, "store operation failed")
	}
}
