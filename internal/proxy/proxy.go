// Package proxy implements the TLS-terminating CONNECT proxy that feeds the
// extraction pipeline for allow-listed upstream hosts.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"streamtap/internal/config"
	"streamtap/internal/intercept"
	"streamtap/internal/session"
	"streamtap/internal/sink"
	streamtaptls "streamtap/internal/tls"
)

// Callbacks receive pipeline output for each intercepted stream. All callbacks
// are optional; a nil callback is skipped. OnEvent is invoked from a single
// goroutine per session, in sink order.
type Callbacks struct {
	OnSessionStart func(*session.Session)
	OnEvent        func(*session.Session, sink.Event)
	OnSessionEnd   func(*session.Session, session.Stats)
}

// Proxy is the intercepting CONNECT proxy.
type Proxy struct {
	cfg       *config.Config
	logger    *slog.Logger
	certCache *streamtaptls.CertCache
	callbacks Callbacks

	server *http.Server
	client *http.Client

	sessionCfg session.Config

	// insecureSkipVerifyUpstream is for testing only.
	insecureSkipVerifyUpstream bool
}

// New creates a proxy. certCache must be backed by a CA the client trusts.
func New(cfg *config.Config, logger *slog.Logger, certCache *streamtaptls.CertCache, callbacks Callbacks) (*Proxy, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if certCache == nil {
		return nil, fmt.Errorf("cert cache is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Plain-HTTP forwarding client. Interception only applies to CONNECT.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 0, // No timeout for streaming
	}

	p := &Proxy{
		cfg:       cfg,
		logger:    logger,
		certCache: certCache,
		callbacks: callbacks,
		client:    client,
		sessionCfg: session.Config{
			Machine: intercept.Config{
				BufferTimeout:     cfg.Intercept.BufferTimeout(),
				KeepaliveInterval: cfg.Intercept.KeepaliveInterval(),
				KeepaliveText:     cfg.Intercept.KeepaliveText,
			},
			Tick: cfg.Intercept.Tick(),
		},
	}

	p.server = &http.Server{
		Addr:         cfg.Proxy.Listen,
		Handler:      p,
		ReadTimeout:  0, // No timeout for streaming
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return p, nil
}

// Serve starts the proxy server by creating its own listener.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.ServeListener(ctx, ln)
}

// ServeListener starts the proxy server using the provided listener.
func (p *Proxy) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		p.logger.Info("shutting down proxy")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.server.Shutdown(shutdownCtx)
	}()

	p.logger.Info("proxy listening", "addr", ln.Addr().String())
	if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ServeHTTP handles incoming HTTP requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

// handleHTTP forwards plain HTTP requests without inspection.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("HTTP request", "method", r.Method, "url", r.URL.String())

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
	if err != nil {
		p.logger.Error("failed to create request", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.client.Do(outReq)
	if err != nil {
		p.logger.Error("failed to forward request", "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	removeHopByHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("error copying response", "error", err)
	}
}

// handleConnect routes HTTPS CONNECT requests: TLS termination for allow-listed
// hosts, transparent passthrough for everything else.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	p.logger.Debug("CONNECT request", "host", r.Host)

	if p.shouldIntercept(r.Host) {
		p.handleConnectMITM(w, r)
		return
	}
	p.handleConnectPassthrough(w, r)
}

// shouldIntercept checks the CONNECT target against the configured allow-list.
func (p *Proxy) shouldIntercept(host string) bool {
	return matchAnyDomain(host, p.cfg.Proxy.InterceptDomains)
}

// handleConnectPassthrough tunnels the connection transparently without
// termination. The client sees the upstream server's real TLS certificate.
func (p *Proxy) handleConnectPassthrough(w http.ResponseWriter, r *http.Request) {
	host := dialAddr(r.Host)

	// Dial upstream BEFORE sending 200 OK, so we can report errors properly
	upstreamConn, err := net.DialTimeout("tcp", host, 10*time.Second)
	if err != nil {
		p.logger.Error("passthrough: failed to connect to upstream", "host", host, "error", err)
		http.Error(w, "Bad gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		upstreamConn.Close()
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		upstreamConn.Close()
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Error("failed to write tunnel response", "error", err)
		clientConn.Close()
		upstreamConn.Close()
		return
	}

	go p.tunnel(clientConn, upstreamConn, r.Host)
}

// dialAddr normalizes a CONNECT target into a dialable address, defaulting
// the port to 443 and re-bracketing IPv6 literals as needed.
func dialAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(stripPort(host), "443")
}

// handleConnectMITM terminates TLS on both sides and relays raw bytes while
// the response tap feeds sniffed exchanges into the pipeline.
func (p *Proxy) handleConnectMITM(w http.ResponseWriter, r *http.Request) {
	hostOnly := stripPort(r.Host)

	// Issue the leaf certificate before committing to termination. If the CA
	// cannot sign for this host, fall back to a transparent tunnel rather
	// than breaking the client's connection.
	if _, err := p.certCache.Get(hostOnly); err != nil {
		p.logger.Warn("certificate issuance failed, tunneling instead", "host", hostOnly, "error", err)
		p.handleConnectPassthrough(w, r)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("hijacking not supported")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.logger.Error("failed to hijack connection", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.logger.Error("failed to write tunnel response", "error", err)
		clientConn.Close()
		return
	}

	// Explicitly negotiate HTTP/1.1; the relay parses the byte stream itself
	// and HTTP/2 framing would defeat it.
	tlsConfig := &tls.Config{
		GetCertificate: p.certCache.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		p.logger.Debug("TLS handshake failed", "host", r.Host, "error", err)
		clientConn.Close()
		return
	}

	host := dialAddr(r.Host)

	upstreamConn, err := tls.Dial("tcp", host, &tls.Config{
		ServerName:         hostOnly,
		InsecureSkipVerify: p.insecureSkipVerifyUpstream,
		NextProtos:         []string{"http/1.1"},
	})
	if err != nil {
		p.logger.Error("failed to connect to upstream", "host", host, "error", err)
		tlsConn.Close()
		return
	}

	p.relay(tlsConn, upstreamConn, hostOnly)
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// hopByHopHeaders are headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopByHopHeaders removes hop-by-hop headers from the header map.
func removeHopByHopHeaders(h http.Header) {
	conn := h.Get("Connection")

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}

	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}
