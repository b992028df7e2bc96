package sse

import (
	"fmt"
	"reflect"
	"testing"
)

func collect(d *Decoder, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Feed([]byte(c))...)
	}
	events = append(events, d.Close()...)
	return events
}

func TestDecoderBasicFrames(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n"
	events := collect(NewDecoder(), stream)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventData || string(events[0].Data) != `{"a":1}` {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != EventData || string(events[1].Data) != `{"b":2}` {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Type != EventDone {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestDecoderCRLFTerminators(t *testing.T) {
	stream := "data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n\r\n"
	events := collect(NewDecoder(), stream)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventData || string(events[0].Data) != `{"a":1}` {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != EventDone {
		t.Errorf("event 1 = %+v", events[1])
	}
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	stream := "event: message\nid: 42\ndata: {\"a\":1}\n\n: keepalive\n\ndata: [DONE]\n\n"
	events := collect(NewDecoder(), stream)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if string(events[0].Data) != `{"a":1}` {
		t.Errorf("event 0 = %+v", events[0])
	}
}

func TestDecoderParseError(t *testing.T) {
	stream := "data: not-json\n\ndata: {\"ok\":true}\n\n"
	events := collect(NewDecoder(), stream)

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != EventParseError || events[0].Raw != "not-json" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Type != EventData {
		t.Errorf("parse error must not abort the codec, got %+v", events[1])
	}
}

func TestDecoderDoneStopsFrame(t *testing.T) {
	// Lines after [DONE] inside the same frame are ignored.
	stream := "data: [DONE]\ndata: {\"a\":1}\n\ndata: {\"b\":2}\n\n"
	events := collect(NewDecoder(), stream)

	if len(events) != 1 || events[0].Type != EventDone {
		t.Fatalf("expected a single Done event, got %+v", events)
	}
}

func TestDecoderNoSpaceAfterColon(t *testing.T) {
	events := collect(NewDecoder(), "data:{\"a\":1}\n\n")
	if len(events) != 1 || string(events[0].Data) != `{"a":1}` {
		t.Fatalf("expected data event, got %+v", events)
	}
}

func TestDecoderFlushesUnterminatedTail(t *testing.T) {
	d := NewDecoder()
	if got := d.Feed([]byte("data: {\"a\":1}")); len(got) != 0 {
		t.Fatalf("unterminated frame must not emit, got %+v", got)
	}
	events := d.Close()
	if len(events) != 1 || string(events[0].Data) != `{"a":1}` {
		t.Fatalf("Close must flush the tail, got %+v", events)
	}
}

// Byte-split equivalence: for any split of a well-formed stream, the emitted
// event sequence equals the whole-stream event sequence.
func TestDecoderSplitInvariance(t *testing.T) {
	stream := "event: x\ndata: {\"content\":\"he\"}\n\ndata: {\"content\":\"llo\"}\r\n\r\ndata: bad\n\ndata: [DONE]\n\n"
	want := collect(NewDecoder(), stream)

	for i := 0; i <= len(stream); i++ {
		for j := i; j <= len(stream); j++ {
			got := collect(NewDecoder(), stream[:i], stream[i:j], stream[j:])
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("split (%d,%d): got %+v, want %+v", i, j, got, want)
			}
		}
	}
}

func TestDecoderEmitsNothingAfterDone(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte("data: [DONE]\n\n"))
	if !d.Done() {
		t.Fatal("decoder should be done")
	}
	if got := d.Feed([]byte("data: {\"a\":1}\n\n")); got != nil {
		t.Fatalf("expected no events after done, got %+v", got)
	}
	if got := d.Close(); got != nil {
		t.Fatalf("expected no events from Close after done, got %+v", got)
	}
}

func TestDecoderManySmallChunks(t *testing.T) {
	var frames []string
	for i := 0; i < 20; i++ {
		frames = append(frames, fmt.Sprintf("data: {\"i\":%d}\n\n", i))
	}
	stream := ""
	for _, f := range frames {
		stream += f
	}

	d := NewDecoder()
	var events []Event
	for _, b := range []byte(stream) {
		events = append(events, d.Feed([]byte{b})...)
	}
	if len(events) != 20 {
		t.Fatalf("expected 20 events, got %d", len(events))
	}
	for i, ev := range events {
		want := fmt.Sprintf(`{"i":%d}`, i)
		if string(ev.Data) != want {
			t.Errorf("event %d = %s, want %s", i, ev.Data, want)
		}
	}
}
