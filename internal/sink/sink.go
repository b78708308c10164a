// Package sink carries reconstructed stream fragments to the response layer.
package sink

import (
	"time"
)

// Kind identifies an event on the sink channel.
type Kind string

const (
	KindTextDelta      Kind = "text_delta"
	KindReasoningDelta Kind = "reasoning_delta"
	KindKeepalive      Kind = "keepalive"
	KindFunctionCall   Kind = "function_call"
	KindEndOfStream    Kind = "end_of_stream"
)

// FunctionCallRecord is a completed tool invocation reconstructed from the
// stream. Immutable once created.
type FunctionCallRecord struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Event is one ordered fragment handed to the consumer.
type Event struct {
	Kind      Kind                `json:"kind"`
	Text      string              `json:"text,omitempty"`
	Call      *FunctionCallRecord `json:"call,omitempty"`
	Sequence  int                 `json:"sequence"`
	Timestamp time.Time           `json:"timestamp"`
}

// Sink is the ordered single-producer/single-consumer channel for one
// session. Events are delivered to the consumer exactly in emission order.
// Only the session's own goroutine may emit.
type Sink struct {
	ch     chan Event
	seq    int
	closed bool
}

// New creates a sink with the given channel buffer.
func New(buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the channel. It is closed after the
// end-of-stream event has been delivered.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Text emits a plain text fragment.
func (s *Sink) Text(text string) {
	s.emit(Event{Kind: KindTextDelta, Text: text})
}

// Reasoning emits a model-reasoning fragment.
func (s *Sink) Reasoning(text string) {
	s.emit(Event{Kind: KindReasoningDelta, Text: text})
}

// Keepalive emits synthetic filler. Filler is not content: it never counts
// toward delivery accounting downstream.
func (s *Sink) Keepalive(text string) {
	s.emit(Event{Kind: KindKeepalive, Text: text})
}

// FunctionCall emits a completed invocation record.
func (s *Sink) FunctionCall(call *FunctionCallRecord) {
	s.emit(Event{Kind: KindFunctionCall, Call: call})
}

// Close emits the explicit end-of-stream signal and closes the channel.
// Safe to call more than once; only the first call has effect.
func (s *Sink) Close() {
	if s.closed {
		return
	}
	s.emit(Event{Kind: KindEndOfStream})
	s.closed = true
	close(s.ch)
}

func (s *Sink) emit(ev Event) {
	if s.closed {
		return
	}
	s.seq++
	ev.Sequence = s.seq
	ev.Timestamp = time.Now()
	s.ch <- ev
}
