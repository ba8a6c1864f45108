package proxy

import (
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// hostOverrideHeader carries the original loopback authority to the remote
// preview host, which uses it to reconstruct the address the client typed.
const hostOverrideHeader = "X-Cmux-Host-Override"

// hopByHopHeaders are stripped before a request leaves the proxy and before
// a response is surfaced to the client.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forwarder issues HTTP/1.1 or HTTP/2 requests against rewritten targets.
// Insecure targets always take the shared keep-alive HTTP/1.1 transport;
// secure targets try a pooled HTTP/2 session first and fall back to
// HTTP/1.1 over TLS when session construction fails.
type Forwarder struct {
	plain  *http.Transport
	secure *http.Transport
	pool   *h2SessionPool
}

// NewForwarder builds a forwarder with shared keep-alive transports capped
// at maxSockets connections per upstream host and an HTTP/2 session pool
// with the given idle timeout.
func NewForwarder(maxSockets int, dialTimeout, h2IdleTimeout time.Duration) *Forwarder {
	return &Forwarder{
		plain: &http.Transport{
			MaxConnsPerHost:     maxSockets,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		},
		secure: &http.Transport{
			MaxConnsPerHost:     maxSockets,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig:     &tls.Config{},
			ForceAttemptHTTP2:   false,
		},
		pool: newH2SessionPool(newH2Dialer(dialTimeout), h2IdleTimeout),
	}
}

// Close shuts down pooled sessions and idle keep-alive connections.
func (f *Forwarder) Close() {
	f.pool.close()
	f.plain.CloseIdleConnections()
	f.secure.CloseIdleConnections()
}

// Forward proxies a plain (non-CONNECT, non-upgrade) request to the target
// and streams the response back as soon as its headers arrive. Connect-time
// upstream failures become 502; stream errors after the response started
// are swallowed and the connection torn down. It returns the status sent to
// the client and the body bytes relayed.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target Target, rewritten bool) (int, int64) {
	upstream, err := f.buildUpstreamRequest(r, target, rewritten)
	if err != nil {
		logger.Warn("Failed to build upstream request for %s: %v", target.URL, err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return http.StatusBadRequest, 0
	}

	resp, err := f.roundTrip(upstream, target)
	if err != nil {
		logger.Error("Upstream request to %s failed: %v", target.Addr(), err)
		writeBadGatewayResponse(w, err)
		return http.StatusBadGateway, 0
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debug("Error closing upstream response body: %v", closeErr)
		}
	}()

	for name, values := range resp.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written, err := streamBody(w, resp.Body)
	if err != nil {
		// Headers are already flushed; nothing client-visible left to do.
		logger.Debug("Upstream stream error after response started: %v", err)
	}
	return resp.StatusCode, written
}

// roundTrip picks the protocol path for the target. HTTP/2 session errors
// during construction fall back to the TLS HTTP/1.1 transport; request
// errors on an established session surface to the caller.
func (f *Forwarder) roundTrip(req *http.Request, target Target) (*http.Response, error) {
	if !target.Secure {
		return f.plain.RoundTrip(req)
	}

	ps, err := f.pool.checkout(req.Context(), target.Addr())
	if err != nil {
		logger.Debug("HTTP/2 session unavailable for %s, falling back to HTTP/1.1: %v", target.Addr(), err)
		return f.secure.RoundTrip(req)
	}

	resp, err := ps.session.RoundTrip(req)
	if err != nil {
		f.pool.fail(ps)
		return nil, NewUpstreamError(ErrCodeUpstreamConnectFailed, GetErrorDescription(ErrCodeUpstreamConnectFailed), err)
	}

	resp.Body = &releasingBody{
		ReadCloser: resp.Body,
		release:    func() { f.pool.release(ps) },
	}
	return resp, nil
}

// buildUpstreamRequest clones the inbound request against the rewritten
// target URL with proxy and hop-by-hop headers stripped and the Host set to
// the rewritten authority.
func (f *Forwarder) buildUpstreamRequest(r *http.Request, target Target, rewritten bool) (*http.Request, error) {
	outURL := *target.URL
	if outURL.Scheme == "" {
		outURL.Scheme = "http"
	}
	if outURL.Host == "" {
		outURL.Host = r.Host
	}

	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	upstream.ContentLength = r.ContentLength

	for name, values := range r.Header {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, value := range values {
			upstream.Header.Add(name, value)
		}
	}

	upstream.Host = outURL.Host
	if rewritten {
		upstream.Header.Set(hostOverrideHeader, originalAuthority(r))
	} else {
		upstream.Header.Del(hostOverrideHeader)
	}

	return upstream, nil
}

// originalAuthority returns the authority the client addressed before the
// loopback rewrite.
func originalAuthority(r *http.Request) string {
	if r.URL != nil && r.URL.Host != "" {
		return r.URL.Host
	}
	return r.Host
}

// streamBody relays the upstream body to the client, flushing after each
// chunk so responses stream instead of buffering. It returns the number of
// bytes written to the client.
func streamBody(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// writeBadGatewayResponse renders the coded 502 page for a connect-time
// upstream failure.
func writeBadGatewayResponse(w http.ResponseWriter, originalErr error) {
	errorCode := ErrCodeUpstreamConnectFailed
	if proxyErr, ok := originalErr.(*Error); ok {
		errorCode = proxyErr.Code
	}

	resp := NewBadGatewayResponse(errorCode)
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug("Failed to write bad gateway response body: %v", err)
	}
}

// isUpgradeRequest reports whether a request asks for a protocol upgrade
// (Connection: upgrade plus an Upgrade header).
func isUpgradeRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		r.Header.Get("Upgrade") != ""
}
