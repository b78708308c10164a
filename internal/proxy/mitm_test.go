package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"streamtap/internal/config"
	"streamtap/internal/session"
	"streamtap/internal/sink"
	streamtaptls "streamtap/internal/tls"
)

func testProxyLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestSniffer(t *testing.T) {
	tests := []struct {
		name     string
		feeds    []string
		wantPath string
		wantArm  bool
	}{
		{
			name:     "matching request",
			feeds:    []string{"POST /v1/models/pro:streamGenerateContent?alt=json HTTP/1.1\r\nHost: upstream\r\n\r\n"},
			wantPath: "/v1/models/pro:streamGenerateContent?alt=json",
			wantArm:  true,
		},
		{
			name:    "non-matching request",
			feeds:   []string{"GET /v1/health HTTP/1.1\r\nHost: upstream\r\n\r\n"},
			wantArm: false,
		},
		{
			name: "request line split across reads",
			feeds: []string{
				"POST /v1/models/pro:streamGenerate",
				"Content HTTP/1.1\r\nHost: upstream\r\n\r\n",
			},
			wantPath: "/v1/models/pro:streamGenerateContent",
			wantArm:  true,
		},
		{
			name:    "needle in body only",
			feeds:   []string{"POST /v1/other HTTP/1.1\r\nContent-Length: 15\r\n\r\nGenerateContent"},
			wantArm: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &requestSniffer{needle: "GenerateContent"}
			for _, f := range tt.feeds {
				s.Feed([]byte(f))
			}
			path, armed := s.TakeArmed()
			if armed != tt.wantArm {
				t.Fatalf("armed = %v, want %v", armed, tt.wantArm)
			}
			if armed && path != tt.wantPath {
				t.Errorf("path = %q, want %q", path, tt.wantPath)
			}
		})
	}
}

func TestRequestSniffer_ArmedStateConsumedOnce(t *testing.T) {
	s := &requestSniffer{needle: "GenerateContent"}
	s.Feed([]byte("POST /x:streamGenerateContent HTTP/1.1\r\n\r\n"))

	if _, ok := s.TakeArmed(); !ok {
		t.Fatal("first TakeArmed = false, want true")
	}
	if _, ok := s.TakeArmed(); ok {
		t.Error("second TakeArmed = true, want consumed")
	}
}

func TestAlignHead(t *testing.T) {
	tests := []struct {
		name string
		head string
		want string
	}{
		{"already aligned", "HTTP/1.1 200 OK\r\n", "HTTP/1.1 200 OK\r\n"},
		{"partial prefix kept", "HTT", "HTT"},
		{"empty kept", "", ""},
		{"stale tail dropped", "leftover0\r\n\r\nHTTP/1.1 200 OK\r\n", "HTTP/1.1 200 OK\r\n"},
		{"garbage trimmed to tail", "no status line here at all", "at all"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(alignHead([]byte(tt.head))); got != tt.want {
				t.Errorf("alignHead(%q) = %q, want %q", tt.head, got, tt.want)
			}
		})
	}
}

func TestHeaderValue(t *testing.T) {
	head := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\ncontent-encoding: gzip\r\nX-Other: a")

	if got := headerValue(head, "Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if got := headerValue(head, "Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := headerValue(head, "Missing"); got != "" {
		t.Errorf("Missing = %q, want empty", got)
	}
}

// eventRecorder collects session callbacks for tap tests.
type eventRecorder struct {
	mu     sync.Mutex
	events []sink.Event
	ended  chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{ended: make(chan struct{}, 4)}
}

func (r *eventRecorder) callbacks() Callbacks {
	return Callbacks{
		OnEvent: func(_ *session.Session, ev sink.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		OnSessionEnd: func(_ *session.Session, _ session.Stats) {
			r.ended <- struct{}{}
		},
	}
}

func (r *eventRecorder) textDeltas() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for _, ev := range r.events {
		if ev.Kind == sink.KindTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func newTapProxy(t *testing.T, rec *eventRecorder) *Proxy {
	t.Helper()

	ca, err := streamtaptls.LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Intercept.TickMs = 10

	p, err := New(cfg, testProxyLogger(), streamtaptls.NewCertCache(ca), rec.callbacks())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func chunked(payload string) string {
	return fmt.Sprintf("%x\r\n%s\r\n", len(payload), payload)
}

func TestResponseTap_SniffedExchangeFeedsPipeline(t *testing.T) {
	rec := newEventRecorder()
	p := newTapProxy(t, rec)

	sniffer := &requestSniffer{needle: p.cfg.Proxy.SniffPathSubstring}
	tap := &responseTap{proxy: p, logger: testProxyLogger(), host: "upstream.example.com", sniffer: sniffer}

	// The client sends a gated request; the upstream answers with a chunked
	// body carrying one wire block.
	sniffer.Feed([]byte("POST /v1/models/pro:streamGenerateContent HTTP/1.1\r\nHost: upstream.example.com\r\n\r\n"))

	head := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nTransfer-Encoding: chunked\r\n\r\n"
	body := chunked(`[[[null,"Hi there"]],"model"]]`) + "0\r\n\r\n"
	tap.Feed([]byte(head + body))
	tap.Close()

	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	if got := rec.textDeltas(); got != "Hi there" {
		t.Errorf("delivered text = %q, want %q", got, "Hi there")
	}
}

func TestResponseTap_HeadSplitFromBody(t *testing.T) {
	rec := newEventRecorder()
	p := newTapProxy(t, rec)

	sniffer := &requestSniffer{needle: p.cfg.Proxy.SniffPathSubstring}
	tap := &responseTap{proxy: p, logger: testProxyLogger(), host: "upstream.example.com", sniffer: sniffer}

	sniffer.Feed([]byte("POST /v1/models/pro:streamGenerateContent HTTP/1.1\r\n\r\n"))

	// Headers arrive alone, then the body in two reads.
	tap.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	block := `[[[null,"split body"]],"model"]]`
	frame := chunked(block)
	tap.Feed([]byte(frame[:len(frame)/2]))
	tap.Feed([]byte(frame[len(frame)/2:] + "0\r\n\r\n"))
	tap.Close()

	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	if got := rec.textDeltas(); got != "split body" {
		t.Errorf("delivered text = %q, want %q", got, "split body")
	}
}

func TestResponseTap_StaleTailBeforeArmedHead(t *testing.T) {
	rec := newEventRecorder()
	p := newTapProxy(t, rec)

	sniffer := &requestSniffer{needle: p.cfg.Proxy.SniffPathSubstring}
	tap := &responseTap{proxy: p, logger: testProxyLogger(), host: "upstream.example.com", sniffer: sniffer}

	// A pipelined request arms the sniffer while the previous response is
	// still draining; its tail must not be parsed as the armed head.
	sniffer.Feed([]byte("POST /v1/models/pro:streamGenerateContent HTTP/1.1\r\n\r\n"))

	tap.Feed([]byte(chunked(`[[[null,"stale leftover"]],"model"]]`) + "0\r\n\r"))
	tap.Feed([]byte("\nHTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
	tap.Feed([]byte(chunked(`[[[null,"fresh body"]],"model"]]`) + "0\r\n\r\n"))
	tap.Close()

	select {
	case <-rec.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	if got := rec.textDeltas(); got != "fresh body" {
		t.Errorf("delivered text = %q, want %q", got, "fresh body")
	}
}

func TestResponseTap_UnarmedResponseIgnored(t *testing.T) {
	rec := newEventRecorder()
	p := newTapProxy(t, rec)

	sniffer := &requestSniffer{needle: p.cfg.Proxy.SniffPathSubstring}
	tap := &responseTap{proxy: p, logger: testProxyLogger(), host: "upstream.example.com", sniffer: sniffer}

	// No gated request was seen; upstream bytes must not create a session.
	tap.Feed([]byte("HTTP/1.1 200 OK\r\n\r\n" + chunked(`[[[null,"invisible"]],"model"]]`) + "0\r\n\r\n"))
	tap.Close()

	select {
	case <-rec.ended:
		t.Fatal("unarmed exchange produced a session")
	case <-time.After(200 * time.Millisecond):
	}

	if got := rec.textDeltas(); got != "" {
		t.Errorf("delivered text = %q, want none", got)
	}
}

func TestShouldIntercept(t *testing.T) {
	rec := newEventRecorder()
	p := newTapProxy(t, rec)
	p.cfg.Proxy.InterceptDomains = []string{"*.alpha.example"}

	if !p.shouldIntercept("api.alpha.example:443") {
		t.Error("allow-listed host not intercepted")
	}
	if p.shouldIntercept("other.example:443") {
		t.Error("unlisted host intercepted")
	}
}
