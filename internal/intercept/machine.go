package intercept

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"streamtap/internal/sink"
)

// State is the machine's buffering mode.
type State int

const (
	// StateDirect forwards fragments as they arrive, save for a small
	// marker-detection window.
	StateDirect State = iota
	// StateBuffering withholds fragments while a fenced invocation payload
	// is being assembled.
	StateBuffering
)

// Emitter receives machine output in emission order. *sink.Sink satisfies it.
type Emitter interface {
	Text(string)
	Keepalive(string)
	FunctionCall(*sink.FunctionCallRecord)
}

// Config carries the machine's timing knobs.
type Config struct {
	BufferTimeout     time.Duration // forced-release bound, default 2s
	KeepaliveInterval time.Duration // filler cadence while buffering, default 500ms
	KeepaliveText     string        // filler payload
}

// fencedCall matches a complete in-band invocation: opening marker, a JSON
// object carrying the invocation keyword, closing marker. DOTALL because the
// object spans lines.
var fencedCall = regexp.MustCompile("(?s)```json\\s*(\\{.*?\"tool_call\".*?\\})\\s*```")

// Machine is the per-session buffering state machine. One instance per
// session, confined to the session's goroutine; never shared.
//
// Every byte fed in is eventually either forwarded as text, absorbed into a
// FunctionCallRecord, or released by an explicitly logged timeout flush.
type Machine struct {
	logger *slog.Logger
	cfg    Config
	out    Emitter

	state      State
	window     string // DIRECT: accumulated tail not yet confirmed safe
	holding    bool
	holdSince  time.Time
	pending    string // BUFFERING: withheld content, starts at the open marker
	start      time.Time
	keepalives int
	forced     int
}

// NewMachine creates a state machine emitting into out.
func NewMachine(logger *slog.Logger, cfg Config, out Emitter) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = 2 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 500 * time.Millisecond
	}
	return &Machine{logger: logger, cfg: cfg, out: out}
}

// State returns the current buffering mode.
func (m *Machine) State() State {
	return m.state
}

// ForcedFlushes returns how many timeout-forced releases have happened.
func (m *Machine) ForcedFlushes() int {
	return m.forced
}

// Feed consumes one extracted content fragment.
func (m *Machine) Feed(text string, now time.Time) {
	if text == "" {
		return
	}
	switch m.state {
	case StateDirect:
		m.window += text
		m.scanDirect(now)
	case StateBuffering:
		m.pending += text
		m.tryComplete()
	}
}

// Tick drives time-based behavior: keepalive cadence and timeout release.
// It must be called on a timer so both fire even during network silence.
func (m *Machine) Tick(now time.Time) {
	switch m.state {
	case StateDirect:
		// A keyword-held window is bounded by the same timeout as
		// buffering, so a keyword in plain prose can never stall the
		// stream indefinitely.
		if m.holding && now.Sub(m.holdSince) > m.cfg.BufferTimeout {
			m.logger.Warn("releasing held window after timeout", "bytes", len(m.window))
			m.flushWindow()
		}
	case StateBuffering:
		elapsed := now.Sub(m.start)
		if elapsed > m.cfg.BufferTimeout {
			m.logger.Warn("tool call buffering timed out, forcing release", "bytes", len(m.pending))
			m.forced++
			if m.pending != "" {
				m.out.Text(m.pending)
			}
			m.reset()
			return
		}

		m.tryComplete()
		if m.state != StateBuffering {
			return
		}

		// At most one keepalive per crossed boundary; the counter keeps the
		// cadence exact no matter how many fragments arrive per interval.
		if elapsed > time.Duration(m.keepalives+1)*m.cfg.KeepaliveInterval {
			m.keepalives++
			m.logger.Debug("emitting keepalive", "n", m.keepalives)
			m.out.Keepalive(m.cfg.KeepaliveText)
		}
	}
}

// Finish releases anything still withheld and resets the machine. A session
// must never end with undelivered buffered content.
func (m *Machine) Finish() {
	if m.pending != "" {
		m.logger.Debug("terminal flush of pending buffer", "bytes", len(m.pending))
		m.out.Text(m.pending)
	}
	if m.window != "" {
		m.out.Text(m.window)
		m.window = ""
	}
	m.holding = false
	m.reset()
}

// scanDirect decides what part of the DIRECT window is safe to forward.
func (m *Machine) scanDirect(now time.Time) {
	if idx := strings.Index(m.window, OpenMarker); idx >= 0 {
		// Everything before the marker is ordinary text and goes out before
		// the transition; the marker onward seeds the pending buffer.
		if before := m.window[:idx]; before != "" {
			m.out.Text(before)
		}
		m.pending = m.window[idx:]
		m.window = ""
		m.holding = false
		m.state = StateBuffering
		m.start = now
		m.keepalives = 0
		m.logger.Debug("opening marker detected, buffering", "pending", len(m.pending))

		// The whole payload may already be here (single-chunk case).
		m.tryComplete()
		return
	}

	if !NeedsBuffering(m.window) {
		m.flushWindow()
		return
	}

	if strings.Contains(m.window, InvocationKeyword) {
		// Keyword without a marker yet: hold the whole window until the
		// marker arrives or the hold times out.
		if !m.holding {
			m.holding = true
			m.holdSince = now
		}
		return
	}

	// Window ends in a marker prefix: forward everything up to the tail that
	// could still become the marker.
	tail := markerPrefixTail(m.window)
	if cut := len(m.window) - tail; cut > 0 {
		m.out.Text(m.window[:cut])
		m.window = m.window[cut:]
	}
	if !m.holding {
		m.holding = true
		m.holdSince = now
	}
}

// tryComplete attempts to match and emit a complete fenced invocation from
// the pending buffer. A block that matches the fence but fails even relaxed
// parsing is treated as not-yet-complete; the timeout bounds how long that
// can last.
func (m *Machine) tryComplete() {
	loc := fencedCall.FindStringSubmatchIndex(m.pending)
	if loc == nil {
		return
	}

	payload := m.pending[loc[2]:loc[3]]
	call := gjson.Get(payload, InvocationKeyword)
	if !call.Exists() {
		m.logger.Debug("fenced block matched but payload not yet parseable")
		return
	}

	if name := call.Get("name").String(); name != "" {
		args := map[string]any{}
		if v, ok := call.Get("arguments").Value().(map[string]any); ok {
			args = v
		}
		m.out.FunctionCall(&sink.FunctionCallRecord{Name: name, Arguments: args})
		m.logger.Info("reconstructed tool call", "name", name)
	} else {
		m.logger.Warn("fenced tool call carries no name, discarding block")
	}

	// Text around the matched payload is ordinary content.
	before, after := m.pending[:loc[0]], m.pending[loc[1]:]
	if before != "" {
		m.out.Text(before)
	}
	if strings.TrimSpace(after) != "" {
		m.out.Text(after)
	}
	m.reset()
}

// flushWindow forwards the entire DIRECT window.
func (m *Machine) flushWindow() {
	if m.window != "" {
		m.out.Text(m.window)
		m.window = ""
	}
	m.holding = false
}

// reset returns the machine to DIRECT with an empty pending buffer.
func (m *Machine) reset() {
	m.pending = ""
	m.state = StateDirect
	m.start = time.Time{}
	m.keepalives = 0
}
