// Package sse implements the Server-Sent Events codec used on both sides of
// the gateway: a push decoder for upstream provider streams that carries
// partial frames across chunk boundaries, and a flushing writer that owns the
// downstream client socket.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EventType classifies a decoded stream event.
type EventType int

const (
	// EventData carries one JSON payload from a data: line.
	EventData EventType = iota
	// EventDone marks the [DONE] sentinel.
	EventDone
	// EventParseError carries a data: payload that failed to parse as JSON.
	EventParseError
)

// Event is one decoded item from the upstream byte stream.
type Event struct {
	Type EventType
	Data json.RawMessage
	// Raw holds the unparsed payload for EventParseError.
	Raw string
}

// Decoder reassembles SSE frames from an arbitrarily chunked byte stream.
// Feed each received chunk in order; the decoder retains the unterminated
// tail between calls. A Decoder serves exactly one stream and must not be
// reused across streams.
type Decoder struct {
	tail []byte
	done bool
}

// NewDecoder returns a decoder ready for the first chunk of a stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes the next chunk and returns the events completed by it.
// After a [DONE] sentinel the decoder emits nothing further.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.tail = append(d.tail, chunk...)

	var events []Event
	for {
		frame, rest, ok := splitFrame(d.tail)
		if !ok {
			break
		}
		d.tail = rest
		events = append(events, d.decodeFrame(frame)...)
		if d.done {
			d.tail = nil
			break
		}
	}
	return events
}

// Close flushes any buffered final frame that arrived without a trailing
// terminator. Stream EOF is the only legitimate caller.
func (d *Decoder) Close() []Event {
	if d.done || len(d.tail) == 0 {
		return nil
	}
	frame := d.tail
	d.tail = nil
	events := d.decodeFrame(frame)
	d.done = true
	return events
}

// Done reports whether the [DONE] sentinel has been observed.
func (d *Decoder) Done() bool {
	return d.done
}

// splitFrame splits buf at the first event terminator, accepting \n\n and
// \r\n\r\n. Returns ok=false when no complete frame is buffered.
func splitFrame(buf []byte) (frame, rest []byte, ok bool) {
	lf := bytes.Index(buf, []byte("\n\n"))
	crlf := bytes.Index(buf, []byte("\r\n\r\n"))

	switch {
	case lf < 0 && crlf < 0:
		return nil, buf, false
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return buf[:crlf], buf[crlf+4:], true
	default:
		return buf[:lf], buf[lf+2:], true
	}
}

// decodeFrame extracts the significant data: lines from one frame. A [DONE]
// payload stops emission for the remainder of the frame; this intentionally
// departs from strict SSE for provider compatibility.
func (d *Decoder) decodeFrame(frame []byte) []Event {
	var events []Event
	for _, line := range strings.Split(string(frame), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimLeft(strings.TrimPrefix(line, "data:"), " \t")
		if payload == "[DONE]" {
			d.done = true
			events = append(events, Event{Type: EventDone})
			return events
		}
		if !json.Valid([]byte(payload)) {
			events = append(events, Event{Type: EventParseError, Raw: payload})
			continue
		}
		events = append(events, Event{Type: EventData, Data: json.RawMessage(payload)})
	}
	return events
}
