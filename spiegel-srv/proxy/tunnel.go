package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// connectDialTimeout bounds the upstream TCP connect for tunnels.
const connectDialTimeout = 30 * time.Second

// handleConnect relays a CONNECT request as a raw byte tunnel. HTTP/1.1
// tunnels hijack the client socket; HTTP/2 extended CONNECT tunnels splice
// the request stream instead.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, pctx *ProxyContext) {
	authority := r.Host
	if r.URL != nil && r.URL.Host != "" {
		authority = r.URL.Host
	}

	target, err := connectTarget(authority, pctx.Policy)
	if err != nil {
		logger.Warn("Rejecting CONNECT with bad authority %q: %v", authority, err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	dialer := &net.Dialer{Timeout: connectDialTimeout}
	upstream, err := dialer.DialContext(r.Context(), "tcp", target.Addr())
	if err != nil {
		logger.Error("CONNECT dial to %s failed: %v", target.Addr(), err)
		writeBadGatewayResponse(w, NewUpstreamError(ErrCodeUpstreamDialFailed, GetErrorDescription(ErrCodeUpstreamDialFailed), err))
		return
	}

	connID, statsErr := s.stats.StartConnection(r.Context(), r.RemoteAddr, target.URL.Hostname(), target.ConnectPort, "connect")
	if statsErr != nil {
		logger.Debug("Failed to record tunnel start: %v", statsErr)
	}
	started := time.Now()

	var sent, received int64
	if r.ProtoMajor == 2 {
		sent, received = s.spliceConnectStream(w, r, upstream, target)
	} else {
		sent, received = s.spliceConnectSocket(w, r, upstream, target)
	}

	if err := s.stats.EndConnection(context.Background(), connID, sent, received, time.Since(started), "closed"); err != nil {
		logger.Debug("Failed to record tunnel end: %v", err)
	}
}

// connectTarget parses a CONNECT authority and applies the loopback
// rewrite. CONNECT authorities carry no scheme; the rewrite decision only
// needs the hostname and port.
func connectTarget(authority string, policy *Policy) (Target, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return Target{}, NewTargetError(ErrCodeInvalidAuthority, GetErrorDescription(ErrCodeInvalidAuthority), err)
	}
	if host == "" {
		return Target{}, NewTargetError(ErrCodeInvalidAuthority, GetErrorDescription(ErrCodeInvalidAuthority), fmt.Errorf("empty host in %q", authority))
	}
	u := &url.URL{Scheme: "https", Host: net.JoinHostPort(host, port)}
	return RewriteTarget(u, policy), nil
}

// spliceConnectSocket serves an HTTP/1.1 CONNECT by hijacking the client
// connection, acknowledging the tunnel and splicing raw bytes both ways.
// Bytes the server buffered past the request head are replayed upstream
// before the splice starts. Returns client-to-upstream and
// upstream-to-client byte counts.
func (s *Server) spliceConnectSocket(w http.ResponseWriter, r *http.Request, upstream net.Conn, target Target) (int64, int64) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		logger.Error("HTTP server does not support hijacking")
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return 0, 0
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		logger.Error("Failed to hijack CONNECT client connection: %v", err)
		http.Error(w, "Hijack error", http.StatusInternalServerError)
		return 0, 0
	}

	if _, err := fmt.Fprintf(clientConn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		logger.Warn("Failed to acknowledge CONNECT tunnel to %s: %v", target.Addr(), err)
		clientConn.Close()
		upstream.Close()
		return 0, 0
	}

	logger.Debug("CONNECT tunnel open: %s -> %s", r.RemoteAddr, target.Addr())

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
					logger.Warn("Failed to replay buffered tunnel bytes to %s: %v", target.Addr(), err)
				}
				closeWrite(upstream)
				return
			}
		}
		n, err := io.Copy(upstream, clientConn)
		sent += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy error (client to upstream): %v", err)
		}
		// Half-close only: the upstream may still be sending its tail.
		closeWrite(upstream)
	}()

	go func() {
		defer wg.Done()
		n, err := io.Copy(clientConn, upstream)
		received += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Tunnel copy error (upstream to client): %v", err)
		}
		closeWrite(clientConn)
	}()

	wg.Wait()
	logger.Debug("CONNECT tunnel closed: %s", target.Addr())
	return sent, received
}

// spliceConnectStream serves an HTTP/2 extended CONNECT. The stream body is
// the client side of the tunnel; each upstream chunk is flushed so bytes
// are not held back by response buffering.
func (s *Server) spliceConnectStream(w http.ResponseWriter, r *http.Request, upstream net.Conn, target Target) (int64, int64) {
	defer upstream.Close()

	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	logger.Debug("HTTP/2 CONNECT stream open: %s -> %s", r.RemoteAddr, target.Addr())

	var wg sync.WaitGroup
	wg.Add(2)

	var sent, received int64

	go func() {
		defer wg.Done()
		n, err := io.Copy(upstream, r.Body)
		sent += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Stream tunnel copy error (client to upstream): %v", err)
		}
		closeWrite(upstream)
	}()

	go func() {
		defer wg.Done()
		n, err := streamBody(w, upstream)
		received += n
		if err != nil && !isClosedConnError(err) {
			logger.Debug("Stream tunnel copy error (upstream to client): %v", err)
		}
		// No half-close on an HTTP/2 response; tear down the socket so the
		// client-to-upstream copy unblocks.
		upstream.Close()
	}()

	wg.Wait()
	logger.Debug("HTTP/2 CONNECT stream closed: %s", target.Addr())
	return sent, received
}

// closeWrite half-closes the write side when the transport supports it so
// the peer sees EOF while its own writes still drain.
func closeWrite(conn net.Conn) {
	type writeCloser interface{ CloseWrite() error }
	if wc, ok := conn.(writeCloser); ok {
		wc.CloseWrite()
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
