package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/pkg/models"
)

// writeError serves the standard JSON error payload.
func writeError(w http.ResponseWriter, status int, errName, message, errorCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorBody{
		Error:     errName,
		Message:   message,
		ErrorCode: errorCode,
	})
}

// writeEngineError maps an engine error kind onto its HTTP status and error
// name before serving it.
func writeEngineError(w http.ResponseWriter, err error) {
	var e *engine.Error
	if !errors.As(err, &e) {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}

	status, name := httpStatus(e.Kind)
	message := e.Message
	if message == "" {
		message = string(e.Kind)
	}
	writeError(w, status, name, message, e.Code)
}

// httpStatus is the wire mapping of engine error kinds.
func httpStatus(kind engine.Kind) (int, string) {
	switch kind {
	case engine.KindInvalidRequest, engine.KindInvalidConfig,
		engine.KindInvalidPreviousResponseID, engine.KindMalformedToolCall:
		return http.StatusBadRequest, "invalid_request_error"
	case engine.KindConversationNotFound:
		return http.StatusNotFound, "conversation_not_found"
	case engine.KindSeqMismatch:
		return http.StatusConflict, "seq_mismatch"
	case engine.KindNotLastMessage:
		return http.StatusConflict, "not_last_message"
	case engine.KindLimitExceeded:
		return http.StatusTooManyRequests, "limit_exceeded"
	case engine.KindUpstream:
		return http.StatusBadGateway, "upstream_error"
	case engine.KindAbort:
		return statusClientClosedRequest, "abort"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// statusClientClosedRequest is nginx's non-standard 499. Aborted
// non-streaming turns rarely reach the wire, but the mapping keeps the
// logs honest.
const statusClientClosedRequest = 499
