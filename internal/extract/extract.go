// Package extract scans the upstream's nested-array wire format and yields
// ordered content fragments.
//
// Each text increment arrives wrapped in a variable-depth array terminated by
// a fixed positional marker: a null sentinel, a quoted escaped string, and a
// trailing role literal. The enclosing array frequently carries extra nesting
// noise and is not guaranteed to be strict JSON, so blocks are located by the
// fixed byte pattern and parsed tolerantly instead of structurally.
package extract

import (
	"bytes"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/pierrec/xxHash/xxHash64"
	"github.com/tidwall/gjson"

	"streamtap/internal/sink"
)

// Kind classifies an extracted fragment.
type Kind int

const (
	// KindBody is ordinary response text.
	KindBody Kind = iota
	// KindReasoning is model reasoning text, delivered out of band.
	KindReasoning
	// KindCall is a native structured tool invocation carried directly in
	// the wire format (as opposed to the fenced in-band protocol).
	KindCall
)

// Fragment is one decoded unit of upstream content. Immutable once produced.
type Fragment struct {
	Kind Kind
	Text string
	Call *sink.FunctionCallRecord
}

// blockPattern matches one complete wire block: open sentinel through the
// trailing role literal. Non-greedy so back-to-back blocks split correctly.
var blockPattern = regexp.MustCompile(`(?s)\[\[\[null,.*?\],"model"\]\]`)

// nullSentinel prefixes the quoted content string inside a block.
var nullSentinel = []byte(`null,"`)

// scanCap bounds how much unmatched tail is retained between feeds.
const scanCap = 1 << 20

// Extractor scans a session's decoded byte stream. The upstream echoes
// previously sent blocks in later reads (cumulative replay), so every block
// is fingerprinted and emitted at most once per session. State is confined
// to one session; an Extractor must not be shared.
type Extractor struct {
	logger *slog.Logger
	buf    []byte
	seen   map[uint64]struct{}
}

// New creates an extractor for one session.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger: logger,
		seen:   make(map[uint64]struct{}),
	}
}

// Feed appends decoded bytes and returns the fragments newly completed by
// them, in stream order. A read with no complete block yields nothing; the
// partial tail is kept for the next feed.
func (e *Extractor) Feed(decoded []byte) []Fragment {
	e.buf = append(e.buf, decoded...)

	var frags []Fragment
	consumed := 0
	for _, loc := range blockPattern.FindAllIndex(e.buf, -1) {
		block := e.buf[loc[0]:loc[1]]
		consumed = loc[1]

		fp := xxHash64.Checksum(block, 0)
		if _, dup := e.seen[fp]; dup {
			continue
		}
		e.seen[fp] = struct{}{}

		if frag, ok := e.parseBlock(block); ok {
			frags = append(frags, frag)
		}
	}

	e.buf = e.buf[consumed:]
	if len(e.buf) > scanCap {
		e.logger.Debug("trimming oversized unmatched tail", "len", len(e.buf))
		e.buf = e.buf[len(e.buf)-scanCap/4:]
	}
	return frags
}

// parseBlock classifies one wire block. The payload sits at [0][0]; its
// length determines the shape: 2 is body text, 11 with a parameter array in
// slot 10 is a native tool call, anything longer than 2 is reasoning.
// Blocks too noisy for even tolerant parsing fall back to the raw sentinel
// scan, which only requires the quoted string literal to be well formed.
func (e *Extractor) parseBlock(block []byte) (Fragment, bool) {
	payload := gjson.GetBytes(block, "0.0")
	if payload.IsArray() {
		arr := payload.Array()
		switch {
		case len(arr) == 2:
			if arr[1].Type == gjson.String {
				return Fragment{Kind: KindBody, Text: arr[1].String()}, true
			}
		case len(arr) == 11 && arr[1].Type == gjson.Null && arr[10].IsArray():
			call := decodeNativeCall(arr[10])
			if call != nil {
				return Fragment{Kind: KindCall, Call: call}, true
			}
		case len(arr) > 2:
			if arr[1].Type == gjson.String {
				return Fragment{Kind: KindReasoning, Text: arr[1].String()}, true
			}
		}
	}

	if text, ok := sentinelText(block); ok {
		return Fragment{Kind: KindBody, Text: text}, true
	}
	e.logger.Debug("skipping unparseable wire block", "len", len(block))
	return Fragment{}, false
}

// sentinelText extracts the escaped string following the null sentinel
// without requiring the surrounding array to validate.
func sentinelText(block []byte) (string, bool) {
	i := bytes.Index(block, nullSentinel)
	if i < 0 {
		return "", false
	}
	return decodeStringLiteral(block[i+len(nullSentinel):])
}

// decodeStringLiteral decodes a JSON string body (no opening quote) up to
// its closing quote, handling the standard escapes and \uXXXX.
func decodeStringLiteral(b []byte) (string, bool) {
	var sb bytes.Buffer
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == '"' {
			return sb.String(), true
		}
		if c != '\\' || i+1 >= len(b) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch b[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case '"':
			sb.WriteByte('"')
		case '\\':
			sb.WriteByte('\\')
		case '/':
			sb.WriteByte('/')
		case 'u':
			if i+4 < len(b) {
				if v, err := strconv.ParseUint(string(b[i+1:i+5]), 16, 32); err == nil {
					sb.WriteRune(rune(v))
					i += 4
					continue
				}
			}
			sb.WriteByte('u')
		default:
			// Unknown escape: keep the byte as-is.
			sb.WriteByte(b[i])
		}
	}
	return "", false // unterminated literal
}
