package sse

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support streaming")

// ErrWriterClosed is returned for writes after the writer latched closed.
var ErrWriterClosed = errors.New("sse writer is closed")

// Writer frames downstream SSE events to a client. It is the sole owner of
// the response writer for the duration of a turn; any write error latches the
// writer closed and subsequent writes are discarded.
type Writer struct {
	w      http.ResponseWriter
	f      http.Flusher
	closed bool
}

// NewWriter prepares w for event streaming and writes the stream headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &Writer{w: w, f: f}, nil
}

// WriteEvent writes one data: frame and flushes it.
func (w *Writer) WriteEvent(payload []byte) error {
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		w.closed = true
		return err
	}
	w.f.Flush()
	return nil
}

// WriteDone writes the literal [DONE] frame.
func (w *Writer) WriteDone() error {
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := fmt.Fprint(w.w, "data: [DONE]\n\n"); err != nil {
		w.closed = true
		return err
	}
	w.f.Flush()
	return nil
}

// Close latches the writer; later writes return ErrWriterClosed.
func (w *Writer) Close() {
	w.closed = true
}

// Closed reports whether the writer has latched closed.
func (w *Writer) Closed() bool {
	return w.closed
}
