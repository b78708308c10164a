package transport

import (
	"bytes"
	"log/slog"
	"strconv"
)

// framing is the detected body framing.
type framing int

const (
	framingUnknown framing = iota
	framingChunked
	framingIdentity
)

// maxSizeLineLen bounds how far we look for a chunk-size line before
// concluding the body is not chunked at all.
const maxSizeLineLen = 64

var crlf = []byte("\r\n")

// chunkedDecoder incrementally removes chunked transfer framing. It keeps
// partial frames across feeds, so one network read never needs to contain a
// complete chunk. Malformed size lines are dropped, not fatal: the upstream
// stream keeps flowing.
type chunkedDecoder struct {
	logger *slog.Logger
	mode   framing
	buf    []byte
	skip   int // trailing CRLF bytes of the previous chunk still to discard
	done   bool
}

func newChunkedDecoder(logger *slog.Logger) *chunkedDecoder {
	return &chunkedDecoder{logger: logger}
}

// feed appends p and returns any complete chunk payloads plus whether the
// terminal zero-length chunk has been seen.
func (d *chunkedDecoder) feed(p []byte) (out []byte, done bool) {
	if d.done {
		return nil, true
	}
	d.buf = append(d.buf, p...)

	if d.mode == framingUnknown {
		d.mode = d.detect()
		if d.mode == framingUnknown {
			return nil, false // need more bytes to decide
		}
	}

	if d.mode == framingIdentity {
		out = d.buf
		d.buf = nil
		return out, false
	}

	for {
		// Discard the CRLF that terminated the previous chunk's data.
		if d.skip > 0 {
			n := min(d.skip, len(d.buf))
			d.buf = d.buf[n:]
			d.skip -= n
			if d.skip > 0 {
				return out, false
			}
		}

		i := bytes.Index(d.buf, crlf)
		if i < 0 {
			return out, false
		}

		size, ok := parseChunkSize(d.buf[:i])
		if !ok {
			// Malformed frame: drop the bad size line and keep going.
			d.logger.Debug("dropping malformed chunk size line", "line", string(d.buf[:i]))
			d.buf = d.buf[i+2:]
			continue
		}

		if size == 0 {
			// Terminal chunk. Trailers are not interesting here.
			d.done = true
			d.buf = nil
			return out, true
		}

		if len(d.buf) < i+2+size {
			return out, false // chunk data not fully arrived yet
		}

		out = append(out, d.buf[i+2:i+2+size]...)
		d.buf = d.buf[i+2+size:]
		d.skip = 2
	}
}

// detect inspects the first bytes of the body and decides whether it is
// chunked. Bodies that do not open with a hex size line are passed through
// unframed (Content-Length or connection-delimited bodies).
func (d *chunkedDecoder) detect() framing {
	if len(d.buf) == 0 {
		return framingUnknown
	}

	i := bytes.Index(d.buf, crlf)
	if i < 0 {
		if len(d.buf) > maxSizeLineLen {
			return framingIdentity
		}
		return framingUnknown
	}
	if _, ok := parseChunkSize(d.buf[:i]); ok {
		return framingChunked
	}
	return framingIdentity
}

// parseChunkSize parses a chunk-size line, tolerating chunk extensions.
func parseChunkSize(line []byte) (int, bool) {
	if j := bytes.IndexByte(line, ';'); j >= 0 {
		line = line[:j]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(line), 16, 32)
	if err != nil || n < 0 {
		return 0, false
	}
	return int(n), true
}
