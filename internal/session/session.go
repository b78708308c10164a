// Package session runs the per-connection decode/extract/buffer pipeline.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamtap/internal/extract"
	"streamtap/internal/intercept"
	"streamtap/internal/sink"
	"streamtap/internal/transport"
)

// Config carries per-session pipeline settings.
type Config struct {
	Machine    intercept.Config
	Tick       time.Duration // timer wake resolution, default 100ms
	SinkBuffer int
}

// Stats is the session's content accounting, used to audit data loss from
// forced flushes and dedup.
type Stats struct {
	Chunks         int
	BytesExtracted int64
	BytesDelivered int64
	ForcedFlushes  int
}

// Session owns one intercepted response stream: a transport decoder, a
// content extractor, a buffering state machine, and the sink the response
// layer consumes. All mutable state is confined to the session's goroutine;
// sessions share nothing.
type Session struct {
	ID   string
	Host string
	Path string

	logger    *slog.Logger
	snk       *sink.Sink
	machine   *intercept.Machine
	extractor *extract.Extractor
	decoder   *transport.Decoder

	tick    time.Duration
	feedCh  chan []byte
	done    chan struct{}
	endOnce sync.Once

	started      time.Time
	chunks       int
	extracted    int64
	delivered    int64
	upstreamDone bool
}

// New creates a session for one intercepted exchange. contentEncoding is the
// upstream response's Content-Encoding header value.
func New(logger *slog.Logger, host, path, contentEncoding string, cfg Config) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	logger = logger.With("session_id", id)

	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}

	s := &Session{
		ID:      id,
		Host:    host,
		Path:    path,
		logger:  logger,
		snk:     sink.New(cfg.SinkBuffer),
		tick:    cfg.Tick,
		feedCh:  make(chan []byte, 16),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.machine = intercept.NewMachine(logger, cfg.Machine, &countingEmitter{snk: s.snk, delivered: &s.delivered})
	s.extractor = extract.New(logger)
	s.decoder = transport.NewDecoder(logger, contentEncoding)
	return s
}

// Events returns the sink channel the response layer consumes. It closes
// after the end-of-stream event.
func (s *Session) Events() <-chan sink.Event {
	return s.snk.Events()
}

// Started returns the session start time.
func (s *Session) Started() time.Time {
	return s.started
}

// Stats returns the session's content accounting. Call after Run returns.
func (s *Session) Stats() Stats {
	return Stats{
		Chunks:         s.chunks,
		BytesExtracted: s.extracted,
		BytesDelivered: s.delivered,
		ForcedFlushes:  s.machine.ForcedFlushes(),
	}
}

// Run drives the pipeline until the upstream stream ends, End is called, or
// ctx is cancelled (client disconnect). The ticker wake is what lets
// keepalive and timeout fire during network silence.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer close(s.done)
	defer s.snk.Close()

	for {
		select {
		case <-ctx.Done():
			// Client is gone; stop without emitting further content.
			s.logger.Debug("session cancelled")
			return

		case chunk, ok := <-s.feedCh:
			if !ok {
				s.finish()
				return
			}
			s.handleChunk(chunk)
			if s.upstreamDone {
				s.finish()
				return
			}

		case <-ticker.C:
			s.machine.Tick(time.Now())
		}
	}
}

// Feed hands one raw upstream body read to the session. The slice is copied;
// callers may reuse their buffer. Safe to call after the session ended.
func (s *Session) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.feedCh <- buf:
	case <-s.done:
	}
}

// End signals that no more upstream data will arrive. Idempotent.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.feedCh) })
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) handleChunk(chunk []byte) {
	s.chunks++
	s.logger.Debug("raw chunk", "seq", s.chunks, "bytes", len(chunk))

	decoded, done := s.decoder.Feed(chunk)
	if len(decoded) > 0 {
		now := time.Now()
		for _, frag := range s.extractor.Feed(decoded) {
			switch frag.Kind {
			case extract.KindBody:
				s.extracted += int64(len(frag.Text))
				s.machine.Feed(frag.Text, now)
			case extract.KindReasoning:
				s.snk.Reasoning(frag.Text)
			case extract.KindCall:
				s.snk.FunctionCall(frag.Call)
			}
		}
	}
	if done {
		s.upstreamDone = true
	}
}

// finish flushes residual buffered content and logs the final accounting.
func (s *Session) finish() {
	s.machine.Finish()

	loss := s.extracted - s.delivered
	s.logger.Info("session complete",
		"chunks", s.chunks,
		"bytes_extracted", s.extracted,
		"bytes_delivered", s.delivered,
		"bytes_lost", loss,
		"forced_flushes", s.machine.ForcedFlushes(),
	)
}

// countingEmitter tracks delivered body bytes on the way into the sink.
// Keepalive filler is deliberately excluded from the accounting.
type countingEmitter struct {
	snk       *sink.Sink
	delivered *int64
}

func (c *countingEmitter) Text(t string) {
	*c.delivered += int64(len(t))
	c.snk.Text(t)
}

func (c *countingEmitter) Keepalive(t string) {
	c.snk.Keepalive(t)
}

func (c *countingEmitter) FunctionCall(call *sink.FunctionCallRecord) {
	c.snk.FunctionCall(call)
}
