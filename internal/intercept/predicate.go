// Package intercept reconstructs fenced tool invocations from streamed text.
package intercept

import "strings"

const (
	// OpenMarker opens an embedded invocation payload.
	OpenMarker = "```json"
	// CloseMarker terminates it.
	CloseMarker = "```"
	// InvocationKeyword is the top-level key identifying a tool invocation
	// inside the fenced object.
	InvocationKeyword = "tool_call"
)

// NeedsBuffering is the single source of truth for whether a DIRECT-mode
// window may not be forwarded yet. It is deliberately narrow: only the
// invocation keyword, or a window ending in a true prefix of the opening
// marker, holds data back. Ordinary fenced code blocks in other languages
// and stray backticks flow through untouched.
func NeedsBuffering(window string) bool {
	if strings.Contains(window, InvocationKeyword) {
		return true
	}
	if strings.Contains(window, OpenMarker) {
		return true
	}
	return markerPrefixTail(window) > 0
}

// markerPrefixTail returns the length of the longest suffix of window that
// is a proper prefix of OpenMarker. A nonzero result means the opening
// marker may be straddling a chunk boundary and that many trailing bytes
// must be retained.
func markerPrefixTail(window string) int {
	max := len(OpenMarker) - 1
	if len(window) < max {
		max = len(window)
	}
	for l := max; l > 0; l-- {
		if window[len(window)-l:] == OpenMarker[:l] {
			return l
		}
	}
	return 0
}
