package proxy

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// passthrough relays a CONNECT target the proxy declines to terminate: hosts
// outside the intercept allow-list, and allow-listed hosts whose leaf
// certificate could not be issued. The client negotiates TLS with the real
// upstream; nothing on this path reaches the pipeline.
type passthrough struct {
	client   net.Conn
	upstream net.Conn
	logger   *slog.Logger
	idle     time.Duration
	bufSize  int

	clientBytes   int64 // client -> upstream
	upstreamBytes int64 // upstream -> client
	closeOnce     sync.Once
}

// tunnel relays a hijacked client connection to upstream with the configured
// passthrough knobs. Blocks until the tunnel tears down.
func (p *Proxy) tunnel(client, upstream net.Conn, host string) {
	t := &passthrough{
		client:   client,
		upstream: upstream,
		logger:   p.logger.With("host", host),
		idle:     p.cfg.Proxy.TunnelIdleTimeout(),
		bufSize:  p.cfg.Proxy.TunnelBufferBytes,
	}
	t.run()
}

// run pumps both directions until either side closes, errors, or goes silent
// past the idle bound. Byte totals are logged at teardown so passthrough
// traffic shows up in the same accounting register as intercepted sessions.
func (t *passthrough) run() {
	if t.idle <= 0 {
		t.idle = 5 * time.Minute
	}
	if t.bufSize <= 0 {
		t.bufSize = 32 * 1024
	}
	t.logger.Debug("passthrough open")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.clientBytes = t.pump(t.upstream, t.client)
		t.teardown()
	}()
	go func() {
		defer wg.Done()
		t.upstreamBytes = t.pump(t.client, t.upstream)
		t.teardown()
	}()
	wg.Wait()

	t.logger.Debug("passthrough closed",
		"client_bytes", t.clientBytes,
		"upstream_bytes", t.upstreamBytes,
	)
}

// pump copies src to dst, arming a fresh read deadline before every read so a
// silent connection cannot pin the tunnel open. Returns bytes copied.
func (t *passthrough) pump(dst io.Writer, src net.Conn) int64 {
	var total int64
	buf := make([]byte, t.bufSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(t.idle))
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return total
			}
		}
		if err != nil {
			return total
		}
	}
}

// teardown closes both sides; the peer pump unblocks on its next read.
func (t *passthrough) teardown() {
	t.closeOnce.Do(func() {
		t.client.Close()
		t.upstream.Close()
	})
}
