package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// handleUpgrade forwards a WebSocket (or other protocol) upgrade request by
// opening a raw or TLS socket to the rewritten target, replaying the
// handshake manually and splicing the sockets. The standard forwarding path
// cannot carry upgrades because response bodies stop at the 101.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, pctx *ProxyContext) {
	target := RewriteTarget(r.URL, pctx.Policy)
	rewritten := pctx.Policy != nil && isLoopbackHost(r.URL.Hostname())

	upstream, err := dialUpgradeTarget(r.Context(), target)
	if err != nil {
		logger.Error("Upgrade dial to %s failed: %v", target.Addr(), err)
		writeBadGatewayResponse(w, err)
		return
	}

	handshake := serializeUpgradeRequest(r, target, rewritten)

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		logger.Error("HTTP server does not support hijacking")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		logger.Error("Failed to hijack upgrade client connection: %v", err)
		http.Error(w, "Hijack error", http.StatusInternalServerError)
		return
	}

	if _, err := upstream.Write(handshake); err != nil {
		logger.Error("Failed to send upgrade handshake to %s: %v", target.Addr(), err)
		fmt.Fprintf(clientConn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		clientConn.Close()
		upstream.Close()
		return
	}

	logger.Debug("Upgrade tunnel open: %s -> %s (%s)", r.RemoteAddr, target.Addr(), r.Header.Get("Upgrade"))

	connID, statsErr := s.stats.StartConnection(r.Context(), r.RemoteAddr, target.URL.Hostname(), target.ConnectPort, "upgrade")
	if statsErr != nil {
		logger.Debug("Failed to record upgrade start: %v", statsErr)
	}
	started := time.Now()

	defer clientConn.Close()
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)

	var sent, received int64

	go func() {
		defer wg.Done()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			n, err := clientBuf.WriteTo(upstream)
			sent += n
			if err != nil {
				if !isClosedConnError(err) {
					logger.Warn("Failed to replay buffered upgrade bytes to %s: %v", target.Addr(), err)
				}
				clientConn.Close()
				upstream.Close()
				return
			}
		}
		n, err := io.Copy(upstream, clientConn)
		sent += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Upgrade copy error (client to upstream): %v", err)
		}
		closeWrite(upstream)
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(clientConn, upstream)
		received += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Upgrade copy error (upstream to client): %v", err)
		}
		closeWrite(clientConn)
	}()

	wg.Wait()

	if err := s.stats.EndConnection(context.Background(), connID, sent, received, time.Since(started), "closed"); err != nil {
		logger.Debug("Failed to record upgrade end: %v", err)
	}
	logger.Debug("Upgrade tunnel closed: %s", target.Addr())
}

// dialUpgradeTarget opens the upstream socket for an upgrade, doing a TLS
// handshake with SNI for the rewritten host when the target is secure. ALPN
// pins http/1.1 since upgrade handshakes only exist there.
func dialUpgradeTarget(ctx context.Context, target Target) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: connectDialTimeout}

	if !target.Secure {
		conn, err := dialer.DialContext(ctx, "tcp", target.Addr())
		if err != nil {
			return nil, NewUpstreamError(ErrCodeUpstreamDialFailed, GetErrorDescription(ErrCodeUpstreamDialFailed), err)
		}
		return conn, nil
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			ServerName: target.URL.Hostname(),
			NextProtos: []string{"http/1.1"},
		},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, NewUpstreamError(ErrCodeUpstreamTLSFailed, GetErrorDescription(ErrCodeUpstreamTLSFailed), err)
	}
	return conn, nil
}

// serializeUpgradeRequest renders the inbound upgrade request as raw
// HTTP/1.1 bytes against the rewritten authority. Proxy headers are
// stripped; the Host header is the rewritten one.
func serializeUpgradeRequest(r *http.Request, target Target, rewritten bool) []byte {
	var b strings.Builder

	path := r.URL.RequestURI()
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", target.URL.Host)

	for name, values := range r.Header {
		canonical := http.CanonicalHeaderKey(name)
		if canonical == "Host" || canonical == "Proxy-Authorization" || canonical == "Proxy-Connection" || canonical == hostOverrideHeader {
			continue
		}
		for _, value := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", canonical, value)
		}
	}
	if rewritten {
		fmt.Fprintf(&b, "%s: %s\r\n", hostOverrideHeader, originalAuthority(r))
	}
	b.WriteString("\r\n")

	return []byte(b.String())
}
