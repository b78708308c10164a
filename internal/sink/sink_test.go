package sink

import (
	"testing"
)

func TestSink_OrderAndSequence(t *testing.T) {
	s := New(16)

	s.Text("one")
	s.Reasoning("hmm")
	s.Keepalive("[calling tool...]\n")
	s.FunctionCall(&FunctionCallRecord{Name: "search", Arguments: map[string]any{"q": "x"}})
	s.Close()

	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}

	wantKinds := []Kind{KindTextDelta, KindReasoningDelta, KindKeepalive, KindFunctionCall, KindEndOfStream}
	if len(events) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(events), len(wantKinds))
	}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] {
			t.Errorf("events[%d].Kind = %q, want %q", i, ev.Kind, wantKinds[i])
		}
		if ev.Sequence != i+1 {
			t.Errorf("events[%d].Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
		if ev.Timestamp.IsZero() {
			t.Errorf("events[%d] has zero timestamp", i)
		}
	}
	if events[3].Call == nil || events[3].Call.Name != "search" {
		t.Errorf("function call event = %+v", events[3])
	}
}

func TestSink_EndOfStreamIsLast(t *testing.T) {
	s := New(4)
	s.Text("tail")
	s.Close()

	var last Event
	n := 0
	for ev := range s.Events() {
		last = ev
		n++
	}
	if n != 2 {
		t.Fatalf("got %d events, want 2", n)
	}
	if last.Kind != KindEndOfStream {
		t.Errorf("last event = %q, want %q", last.Kind, KindEndOfStream)
	}
}

func TestSink_CloseIdempotent(t *testing.T) {
	s := New(4)
	s.Close()
	s.Close() // must not panic or emit twice

	n := 0
	for range s.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("got %d events after double close, want 1", n)
	}
}

func TestSink_EmitAfterCloseDropped(t *testing.T) {
	s := New(4)
	s.Close()
	s.Text("late") // must not panic on the closed channel

	n := 0
	for range s.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("got %d events, want 1", n)
	}
}
