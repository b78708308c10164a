package transport

import (
	"bytes"
	"io"
	"log/slog"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// compression is the detected or declared content compression.
type compression int

const (
	compUnknown compression = iota
	compIdentity
	compGzip
	compZlib
	compBrotli
)

// inflater reverses content compression incrementally. Because the upstream
// delivers compressed bytes in arbitrary slices, it re-inflates the
// accumulated stream on each feed and returns only the suffix beyond what it
// already emitted; the inflated prefix of a growing deflate stream is stable,
// so this never re-emits or reorders bytes. Truncated tails are normal while
// the stream is in flight and are retried on the next feed.
type inflater struct {
	logger  *slog.Logger
	mode    compression
	comp    []byte // accumulated compressed input (compressed modes only)
	emitted int    // length of inflated output already returned
}

// newInflater creates an inflater. Brotli cannot be sniffed (it has no magic
// bytes) so it must be declared via contentEncoding; gzip and zlib are
// detected from the stream itself.
func newInflater(logger *slog.Logger, contentEncoding string) *inflater {
	f := &inflater{logger: logger}
	if strings.Contains(strings.ToLower(contentEncoding), "br") {
		f.mode = compBrotli
	}
	return f
}

// feed consumes de-framed body bytes and returns newly inflated output.
func (f *inflater) feed(p []byte) []byte {
	if f.mode == compIdentity {
		return p
	}

	f.comp = append(f.comp, p...)

	if f.mode == compUnknown {
		f.mode = detectCompression(f.comp)
		switch f.mode {
		case compUnknown:
			return nil // need more bytes to sniff
		case compIdentity:
			out := f.comp
			f.comp = nil
			return out
		}
	}

	full, err := f.inflateAll()
	if err != nil {
		// A decode error mid-stream means the unit is corrupt; drop it and
		// wait for more data rather than killing the stream.
		f.logger.Debug("partial inflate failed", "error", err)
	}
	if len(full) <= f.emitted {
		return nil
	}
	out := full[f.emitted:]
	f.emitted = len(full)
	return out
}

// inflateAll decompresses the accumulated stream from the start, tolerating
// a truncated tail.
func (f *inflater) inflateAll() ([]byte, error) {
	var r io.Reader
	switch f.mode {
	case compGzip:
		gz, err := gzip.NewReader(bytes.NewReader(f.comp))
		if err != nil {
			return nil, nil // header not complete yet
		}
		gz.Multistream(true)
		r = gz
	case compZlib:
		zr, err := zlib.NewReader(bytes.NewReader(f.comp))
		if err != nil {
			return nil, nil
		}
		r = zr
	case compBrotli:
		r = brotli.NewReader(bytes.NewReader(f.comp))
	default:
		return nil, nil
	}
	return readAvailable(r)
}

// readAvailable reads until error and returns whatever decoded cleanly.
// io.ErrUnexpectedEOF just means the compressed tail is still in flight.
func readAvailable(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// detectCompression sniffs gzip and zlib magic bytes.
func detectCompression(b []byte) compression {
	if len(b) < 2 {
		return compUnknown
	}
	if b[0] == 0x1f && b[1] == 0x8b {
		return compGzip
	}
	// zlib: CMF/FLG pair, deflate method, valid check bits
	if b[0]&0x0f == 0x08 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0 {
		return compZlib
	}
	return compIdentity
}
