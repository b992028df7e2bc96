package engine

import (
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// EventSink receives the orchestrator's downstream events. The streaming path
// uses a Mux; the non-streaming path uses a Collector.
type EventSink interface {
	Emit(Event)
}

// FrameWriter frames serialised payloads to the client. *sse.Writer
// satisfies it.
type FrameWriter interface {
	WriteEvent(payload []byte) error
	WriteDone() error
}

// muxBuffer bounds the event channel; producers block when the client reads
// slower than the turn produces.
const muxBuffer = 64

// Mux owns the client connection for one turn. A single writer goroutine
// consumes the event channel and frames chunks, so interleaved producers
// (model stream relay, tool execution) never corrupt the wire. After a write
// error the mux latches into drain mode: events are consumed and discarded so
// producers never block on a dead client.
type Mux struct {
	writer  FrameWriter
	onError func(error)

	id      string
	model   string
	created int64

	events chan Event
	done   chan struct{}

	// Written before close(events); read by the writer goroutine after the
	// channel drains.
	skipDone bool

	// Owned by the writer goroutine.
	err        error
	roleSent   bool
	finishSent bool
}

// NewMux starts the writer goroutine. id is the pre-minted assistant message
// id stamped on every chunk. onError is invoked once on the first write
// failure; it may be nil.
func NewMux(w FrameWriter, id, model string, onError func(error)) *Mux {
	m := &Mux{
		writer:  w,
		onError: onError,
		id:      id,
		model:   model,
		created: time.Now().Unix(),
		events:  make(chan Event, muxBuffer),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Emit queues one event for the writer goroutine. Call only before Close.
func (m *Mux) Emit(ev Event) {
	m.events <- ev
}

// Close drains the queue, writes the single [DONE] frame, and returns the
// first write error, if any. Exactly one [DONE] is written per turn, and only
// when the client is still connected.
func (m *Mux) Close() error {
	close(m.events)
	<-m.done
	return m.err
}

// CloseDiscard drains the queue and shuts the writer down without emitting
// [DONE]. Used on cancelled turns, which close the stream silently.
func (m *Mux) CloseDiscard() error {
	m.skipDone = true
	close(m.events)
	<-m.done
	return m.err
}

func (m *Mux) run() {
	defer close(m.done)
	for ev := range m.events {
		if m.err != nil {
			continue
		}
		if err := m.write(ev); err != nil {
			m.err = err
			if m.onError != nil {
				m.onError(err)
			}
		}
	}
	if m.err == nil && !m.skipDone {
		if err := m.writer.WriteDone(); err != nil {
			m.err = err
		}
	}
}

func (m *Mux) write(ev Event) error {
	switch ev.Type {
	case EventConversation:
		payload, err := json.Marshal(models.ConversationFrame{Conversation: *ev.Conversation})
		if err != nil {
			return err
		}
		return m.writer.WriteEvent(payload)

	case EventContent, EventErrorContent:
		return m.writeChunk(models.ChunkDelta{Content: ev.Content}, "")

	case EventReasoning:
		return m.writeChunk(models.ChunkDelta{Reasoning: ev.Reasoning}, "")

	case EventToolCalls:
		deltas := make([]models.ToolCallDelta, len(ev.ToolCalls))
		for i, c := range ev.ToolCalls {
			idx := c.Index
			deltas[i] = models.ToolCallDelta{
				Index: &idx,
				ID:    c.ID,
				Type:  c.Type,
				Function: models.FunctionCallDelta{
					Name:      c.Function.Name,
					Arguments: c.Function.Arguments,
				},
			}
		}
		return m.writeChunk(models.ChunkDelta{ToolCalls: deltas}, "")

	case EventToolOutput:
		return m.writeChunk(models.ChunkDelta{ToolOutput: ev.ToolOutput}, "")

	case EventFinish:
		if m.finishSent {
			return nil
		}
		m.finishSent = true
		return m.writeChunk(models.ChunkDelta{}, ev.FinishReason)
	}
	return nil
}

func (m *Mux) writeChunk(delta models.ChunkDelta, finishReason string) error {
	if !m.roleSent {
		delta.Role = string(models.RoleAssistant)
		m.roleSent = true
	}
	chunk := models.ChatCompletionChunk{
		ID:      m.id,
		Object:  "chat.completion.chunk",
		Created: m.created,
		Model:   m.model,
		Choices: []models.ChunkChoice{{Delta: delta, FinishReason: finishReason}},
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return m.writer.WriteEvent(payload)
}

// Collector buffers events for the non-streaming response path.
type Collector struct {
	Events []Event
}

func (c *Collector) Emit(ev Event) {
	c.Events = append(c.Events, ev)
}

// ToolEvents converts the buffered tool activity into the ordered tool_events
// log of a non-streaming response.
func (c *Collector) ToolEvents() []models.ToolEvent {
	var out []models.ToolEvent
	for _, ev := range c.Events {
		switch ev.Type {
		case EventToolCalls:
			for i := range ev.ToolCalls {
				call := ev.ToolCalls[i]
				out = append(out, models.ToolEvent{Type: "tool_call", ToolCall: &call})
			}
		case EventToolOutput:
			out = append(out, models.ToolEvent{Type: "tool_output", ToolOutput: ev.ToolOutput})
		}
	}
	return out
}
