package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"streamtap/internal/session"
)

const (
	// maxSniffHead bounds how much of a request head the sniffer retains while
	// looking for the gating path.
	maxSniffHead = 16 * 1024

	// maxResponseHead bounds header accumulation for an armed response.
	maxResponseHead = 64 * 1024
)

// relay moves raw bytes between the terminated client and upstream
// connections. The client always receives the upstream's bytes untouched; a
// tap on the upstream direction feeds sniffed exchanges into the pipeline.
func (p *Proxy) relay(clientConn, upstreamConn net.Conn, host string) {
	logger := p.logger.With("host", host)
	logger.Debug("intercept relay established")

	sniffer := &requestSniffer{needle: p.cfg.Proxy.SniffPathSubstring}
	tap := &responseTap{proxy: p, logger: logger, host: host, sniffer: sniffer}

	var once sync.Once
	closeAll := func() {
		once.Do(func() {
			clientConn.Close()
			upstreamConn.Close()
			logger.Debug("intercept relay closed")
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// client -> upstream: forward raw, sniff request heads for the gating path.
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := clientConn.Read(buf)
			if n > 0 {
				sniffer.Feed(buf[:n])
				if _, wErr := upstreamConn.Write(buf[:n]); wErr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		closeAll()
	}()

	// upstream -> client: forward raw first, then tap.
	go func() {
		defer wg.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := upstreamConn.Read(buf)
			if n > 0 {
				if _, wErr := clientConn.Write(buf[:n]); wErr != nil {
					break
				}
				tap.Feed(buf[:n])
			}
			if err != nil {
				break
			}
		}
		closeAll()
	}()

	wg.Wait()
	tap.Close()
}

// requestSniffer watches the client's outgoing byte stream for a request whose
// path contains the gating substring. It arms at most one pending exchange;
// the response tap consumes the armed state when the matching response starts.
type requestSniffer struct {
	needle string

	mu    sync.Mutex
	head  []byte
	armed bool
	path  string
}

// Feed scans one client read. Only the request head matters; body bytes that
// happen to contain the needle are harmless because arming also requires a
// parseable request line on the same buffered head.
func (s *requestSniffer) Feed(p []byte) {
	if s.needle == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head = append(s.head, p...)
	if len(s.head) > maxSniffHead {
		s.head = s.head[len(s.head)-maxSniffHead:]
	}

	idx := bytes.Index(s.head, []byte(s.needle))
	if idx < 0 {
		return
	}

	// Walk back to the start of the line holding the needle and parse it as a
	// request line: METHOD SP path SP version.
	lineStart := bytes.LastIndexByte(s.head[:idx], '\n') + 1
	lineEnd := bytes.IndexByte(s.head[lineStart:], '\r')
	if lineEnd < 0 {
		return // request line still incomplete
	}
	line := string(s.head[lineStart : lineStart+lineEnd])
	fields := strings.Fields(line)
	if len(fields) >= 2 && strings.Contains(fields[1], s.needle) {
		s.armed = true
		s.path = fields[1]
	}
	s.head = nil
}

// TakeArmed returns and clears the armed path, if any.
func (s *requestSniffer) TakeArmed() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return "", false
	}
	s.armed = false
	path := s.path
	s.path = ""
	return path, true
}

// responseTap inspects the upstream byte stream. When the sniffer has armed an
// exchange, the tap accumulates the response head, reads Content-Encoding, and
// hands the body to a new pipeline session. Everything else passes untouched.
type responseTap struct {
	proxy   *Proxy
	logger  *slog.Logger
	host    string
	sniffer *requestSniffer

	head    []byte
	path    string
	parsing bool
	current *session.Session
}

// Feed consumes one upstream read, after it has been relayed to the client.
func (t *responseTap) Feed(p []byte) {
	if t.current != nil {
		select {
		case <-t.current.Done():
			// Decoder saw the terminal chunk; the session wrapped up on its own.
			t.current = nil
		default:
			t.current.Feed(p)
			return
		}
	}

	if !t.parsing {
		path, ok := t.sniffer.TakeArmed()
		if !ok {
			return
		}
		t.parsing = true
		t.path = path
		t.head = nil
	}

	t.head = append(t.head, p...)
	t.head = alignHead(t.head)
	if !bytes.HasPrefix(t.head, statusPrefix) {
		return
	}
	end := bytes.Index(t.head, []byte("\r\n\r\n"))
	if end < 0 {
		if len(t.head) > maxResponseHead {
			t.logger.Warn("response head exceeded limit, skipping exchange")
			t.parsing = false
			t.head = nil
		}
		return
	}

	encoding := headerValue(t.head[:end], "Content-Encoding")
	body := t.head[end+4:]
	t.head = nil
	t.parsing = false

	t.current = t.proxy.startSession(t.host, t.path, encoding)
	if len(body) > 0 {
		t.current.Feed(body)
	}
}

// Close ends any in-flight session; residual buffered content flushes there.
func (t *responseTap) Close() {
	if t.current != nil {
		t.current.End()
		<-t.current.Done()
		t.current = nil
	}
}

var statusPrefix = []byte("HTTP/")

// alignHead discards leading bytes that cannot begin a status line. On a
// keep-alive connection a request can arm the sniffer while the previous
// response is still streaming; its tail must not be parsed as the armed
// exchange's head. Keeps a short tail so a boundary split across reads is
// still found.
func alignHead(head []byte) []byte {
	if bytes.HasPrefix(head, statusPrefix) || bytes.HasPrefix(statusPrefix, head) {
		return head
	}
	if i := bytes.Index(head, []byte("\r\nHTTP/")); i >= 0 {
		return head[i+2:]
	}
	const tail = 6 // len("\r\nHTTP"), the longest boundary a read can split
	if len(head) > tail {
		head = head[len(head)-tail:]
	}
	return head
}

// headerValue extracts one header from a raw response head, case-insensitively.
func headerValue(head []byte, name string) string {
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for _, line := range bytes.Split(head, []byte("\r\n")) {
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(string(bytes.TrimSpace(line[:colon])))
		if key == canonical {
			return string(bytes.TrimSpace(line[colon+1:]))
		}
	}
	return ""
}

// startSession spins up the pipeline for one sniffed exchange and a watcher
// goroutine that drains its sink into the configured callbacks.
func (p *Proxy) startSession(host, path, contentEncoding string) *session.Session {
	s := session.New(p.logger, host, path, contentEncoding, p.sessionCfg)
	p.logger.Info("intercepting stream", "session_id", s.ID, "host", host, "path", path)

	go s.Run(context.Background())
	go p.watchSession(s)
	return s
}

// watchSession drains one session's sink in order, then reports completion.
func (p *Proxy) watchSession(s *session.Session) {
	if p.callbacks.OnSessionStart != nil {
		p.callbacks.OnSessionStart(s)
	}
	for ev := range s.Events() {
		if p.callbacks.OnEvent != nil {
			p.callbacks.OnEvent(s, ev)
		}
	}
	<-s.Done()
	if p.callbacks.OnSessionEnd != nil {
		p.callbacks.OnSessionEnd(s, s.Stats())
	}
}
