// Package transport removes HTTP chunked transfer framing and reverses
// content compression, yielding the upstream's flat logical response body.
package transport

import (
	"log/slog"
)

// Decoder turns raw upstream response-body bytes into a flat decoded byte
// stream. It is resumable: Feed may be called with arbitrary slices of the
// body, including reads that split a chunk frame or a compression block.
//
// A Decoder belongs to a single response and is not safe for concurrent use.
type Decoder struct {
	chunked  *chunkedDecoder
	inflater *inflater
}

// NewDecoder creates a decoder for one response body. contentEncoding is the
// response's Content-Encoding value ("" when absent); gzip and zlib are also
// auto-detected from magic bytes since some upstreams compress unannounced.
func NewDecoder(logger *slog.Logger, contentEncoding string) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		chunked:  newChunkedDecoder(logger),
		inflater: newInflater(logger, contentEncoding),
	}
}

// Feed consumes the next raw read from the upstream socket and returns any
// newly decoded body bytes. done reports that the terminal zero-length chunk
// has been seen.
func (d *Decoder) Feed(p []byte) (out []byte, done bool) {
	deframed, done := d.chunked.feed(p)
	if len(deframed) == 0 {
		return nil, done
	}
	return d.inflater.feed(deframed), done
}
