package sse

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriterHeadersAndFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	if err := w.WriteEvent([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	if err := w.WriteDone(); err != nil {
		t.Fatalf("WriteDone() error = %v", err)
	}

	want := "data: {\"a\":1}\n\ndata: [DONE]\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("writer must flush after each frame")
	}
}

func TestWriterLatchesOnClose(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.Close()
	if !w.Closed() {
		t.Fatal("writer should report closed")
	}
	if err := w.WriteEvent([]byte(`{}`)); err != ErrWriterClosed {
		t.Errorf("WriteEvent() error = %v, want ErrWriterClosed", err)
	}
	if err := w.WriteDone(); err != ErrWriterClosed {
		t.Errorf("WriteDone() error = %v, want ErrWriterClosed", err)
	}
}

type noFlushWriter struct {
	http.ResponseWriter
}

func TestWriterRequiresFlusher(t *testing.T) {
	rec := httptest.NewRecorder()
	if _, err := NewWriter(noFlushWriter{rec}); err != ErrStreamingUnsupported {
		t.Errorf("NewWriter() error = %v, want ErrStreamingUnsupported", err)
	}
}
