package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"streamtap/internal/config"
	streamtaptls "streamtap/internal/tls"
)

// startPassthrough wires a passthrough over two pipe pairs and returns the
// outer ends plus a channel that closes when the relay finishes.
func startPassthrough(t *testing.T, idle time.Duration) (client, upstream net.Conn, done chan struct{}, pt *passthrough) {
	t.Helper()

	client, proxyClient := net.Pipe()
	proxyUpstream, upstream := net.Pipe()
	pt = &passthrough{
		client:   proxyClient,
		upstream: proxyUpstream,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		idle:     idle,
		bufSize:  1024,
	}

	done = make(chan struct{})
	go func() {
		pt.run()
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		upstream.Close()
	})
	return client, upstream, done, pt
}

func TestPassthrough_RelaysHandshakeBytesUntouched(t *testing.T) {
	t.Parallel()

	client, upstream, _, _ := startPassthrough(t, 5*time.Second)

	// The client's TLS hello must reach the upstream byte-exact; the proxy
	// never terminates on this path.
	hello := append([]byte{0x16, 0x03, 0x01, 0x00, 0x05}, []byte("hello")...)
	if _, err := client.Write(hello); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := upstream.Read(buf)
	if err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if !bytes.Equal(buf[:n], hello) {
		t.Errorf("upstream got %x, want %x", buf[:n], hello)
	}

	reply := append([]byte{0x16, 0x03, 0x03, 0x00, 0x05}, []byte("reply")...)
	if _, err := upstream.Write(reply); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	n, err = client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Errorf("client got %x, want %x", buf[:n], reply)
	}
}

func TestPassthrough_ClientCloseTearsDownBothSides(t *testing.T) {
	t.Parallel()

	client, upstream, done, _ := startPassthrough(t, 5*time.Second)

	client.Close()

	if _, err := upstream.Read(make([]byte, 1)); err == nil {
		t.Error("upstream read succeeded after client close, want error")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down after client close")
	}
}

func TestPassthrough_IdleTimeoutTearsDown(t *testing.T) {
	t.Parallel()

	client, upstream, done, _ := startPassthrough(t, 100*time.Millisecond)

	// No traffic at all; the idle bound must reclaim the tunnel.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down after idle timeout")
	}

	if _, err := client.Write([]byte("late")); err == nil {
		t.Error("client write succeeded after teardown")
	}
	if _, err := upstream.Write([]byte("late")); err == nil {
		t.Error("upstream write succeeded after teardown")
	}
}

func TestPassthrough_CountsBytesPerDirection(t *testing.T) {
	t.Parallel()

	client, upstream, done, pt := startPassthrough(t, 5*time.Second)

	buf := make([]byte, 64)
	if _, err := client.Write(make([]byte, 40)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if _, err := io.ReadFull(upstream, buf[:40]); err != nil {
		t.Fatalf("upstream read: %v", err)
	}
	if _, err := upstream.Write(make([]byte, 7)); err != nil {
		t.Fatalf("upstream write: %v", err)
	}
	if _, err := io.ReadFull(client, buf[:7]); err != nil {
		t.Fatalf("client read: %v", err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down")
	}

	if pt.clientBytes != 40 {
		t.Errorf("clientBytes = %d, want 40", pt.clientBytes)
	}
	if pt.upstreamBytes != 7 {
		t.Errorf("upstreamBytes = %d, want 7", pt.upstreamBytes)
	}
}

// The proxy's own tunnel entry point must honor the configured idle bound.
func TestProxyTunnel_UsesConfiguredIdleTimeout(t *testing.T) {
	t.Parallel()

	ca, err := streamtaptls.LoadOrCreateCA(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Proxy.TunnelIdleTimeoutMs = 100

	p, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), streamtaptls.NewCertCache(ca), Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	client, proxyClient := net.Pipe()
	proxyUpstream, upstream := net.Pipe()
	defer client.Close()
	defer upstream.Close()

	done := make(chan struct{})
	go func() {
		p.tunnel(proxyClient, proxyUpstream, "pass.example.com:443")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel ignored configured idle timeout")
	}
}
