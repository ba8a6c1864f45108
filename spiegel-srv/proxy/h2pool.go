package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
	"golang.org/x/net/http2"
)

// h2Session is the slice of an HTTP/2 client connection the pool needs.
// The indirection lets tests count session constructions and simulate
// GOAWAY without a TLS upstream.
type h2Session interface {
	RoundTrip(*http.Request) (*http.Response, error)
	CanTakeNewRequest() bool
	Close() error
}

// h2DialFunc constructs a new HTTP/2 session to host:port.
type h2DialFunc func(ctx context.Context, addr string) (h2Session, error)

type sessionState int

const (
	sessionActive sessionState = iota
	sessionClosing
	sessionEvicted
)

type sessionEvent int

const (
	eventIdleTimeout sessionEvent = iota
	eventRequestError
	eventUnusable
)

// pooledSession tracks one live HTTP/2 session and its lifecycle state.
type pooledSession struct {
	key      string
	session  h2Session
	state    sessionState
	inflight int
	idle     *time.Timer
}

// h2SessionPool caches at most one live HTTP/2 session per host:port.
// Idle timeout, GOAWAY detection and request errors all funnel through a
// single reducer under the pool lock, so concurrent eviction triggers
// cannot race each other deleting the same entry.
type h2SessionPool struct {
	mu          sync.Mutex
	sessions    map[string]*pooledSession
	dial        h2DialFunc
	idleTimeout time.Duration
	closed      bool
}

func newH2SessionPool(dial h2DialFunc, idleTimeout time.Duration) *h2SessionPool {
	return &h2SessionPool{
		sessions:    make(map[string]*pooledSession),
		dial:        dial,
		idleTimeout: idleTimeout,
	}
}

// checkout returns a usable session for addr, constructing one if the
// cached session is missing or no longer accepting streams. The returned
// session has one in-flight reservation that must be paired with release.
func (p *h2SessionPool) checkout(ctx context.Context, addr string) (*pooledSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, NewUpstreamError(ErrCodeSessionConstructError, GetErrorDescription(ErrCodeSessionConstructError), fmt.Errorf("pool closed"))
	}

	if ps, exists := p.sessions[addr]; exists {
		if ps.state == sessionActive && ps.session.CanTakeNewRequest() {
			ps.inflight++
			if ps.idle != nil {
				ps.idle.Stop()
			}
			p.mu.Unlock()
			return ps, nil
		}
		// Peer sent GOAWAY or the session is closing down.
		p.reduceLocked(ps, eventUnusable)
	}
	p.mu.Unlock()

	session, err := p.dial(ctx, addr)
	if err != nil {
		return nil, NewUpstreamError(ErrCodeSessionConstructError, GetErrorDescription(ErrCodeSessionConstructError), fmt.Errorf("dial %s: %w", addr, err))
	}

	ps := &pooledSession{key: addr, session: session, state: sessionActive, inflight: 1}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = session.Close()
		return nil, NewUpstreamError(ErrCodeSessionConstructError, GetErrorDescription(ErrCodeSessionConstructError), fmt.Errorf("pool closed"))
	}
	if old, exists := p.sessions[addr]; exists {
		// A concurrent checkout constructed first; keep the fresher session.
		p.reduceLocked(old, eventUnusable)
	}
	p.sessions[addr] = ps
	p.mu.Unlock()

	logger.Debug("Constructed HTTP/2 session for %s", addr)
	return ps, nil
}

// release returns an in-flight reservation. Once nothing is in flight the
// idle timer is armed; firing it closes the session after idleTimeout with
// no pending activity.
func (p *h2SessionPool) release(ps *pooledSession) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps.inflight--
	if ps.inflight > 0 || ps.state != sessionActive {
		return
	}

	if ps.idle != nil {
		ps.idle.Stop()
	}
	ps.idle = time.AfterFunc(p.idleTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if ps.inflight == 0 {
			p.reduceLocked(ps, eventIdleTimeout)
		}
	})
}

// fail reports a request-level error on a checked-out session. The session
// is evicted so the next request constructs a fresh one.
func (p *h2SessionPool) fail(ps *pooledSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps.inflight--
	p.reduceLocked(ps, eventRequestError)
}

// reduceLocked is the single state transition point for pooled sessions:
// Active -> Closing -> Evicted. Callers hold the pool lock.
func (p *h2SessionPool) reduceLocked(ps *pooledSession, event sessionEvent) {
	if ps.state == sessionEvicted {
		return
	}

	switch event {
	case eventIdleTimeout:
		logger.Debug("Closing idle HTTP/2 session for %s", ps.key)
	case eventRequestError:
		logger.Debug("Evicting HTTP/2 session for %s after request error", ps.key)
	case eventUnusable:
		logger.Debug("Evicting unusable HTTP/2 session for %s", ps.key)
	}

	ps.state = sessionClosing
	if ps.idle != nil {
		ps.idle.Stop()
		ps.idle = nil
	}
	if current, exists := p.sessions[ps.key]; exists && current == ps {
		delete(p.sessions, ps.key)
	}
	if err := ps.session.Close(); err != nil {
		logger.Debug("Error closing HTTP/2 session for %s: %v", ps.key, err)
	}
	ps.state = sessionEvicted
}

// close tears down every pooled session; the pool rejects further checkouts.
func (p *h2SessionPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, ps := range p.sessions {
		p.reduceLocked(ps, eventUnusable)
	}
}

// sessionCount is used by tests to observe the pool size.
func (p *h2SessionPool) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// clientConnSession adapts an http2.ClientConn (plus its underlying TLS
// socket) to the h2Session interface.
type clientConnSession struct {
	cc   *http2.ClientConn
	conn net.Conn
}

func (s *clientConnSession) RoundTrip(req *http.Request) (*http.Response, error) {
	return s.cc.RoundTrip(req)
}

func (s *clientConnSession) CanTakeNewRequest() bool {
	return s.cc.CanTakeNewRequest()
}

func (s *clientConnSession) Close() error {
	err := s.cc.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// newH2Dialer builds the production dial function: TLS with ALPN restricted
// to h2, then an http2.ClientConn over the negotiated connection.
func newH2Dialer(timeout time.Duration) h2DialFunc {
	transport := &http2.Transport{}

	return func(ctx context.Context, addr string) (h2Session, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream address %q: %w", addr, err)
		}

		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: timeout},
			Config: &tls.Config{
				ServerName: host,
				NextProtos: []string{http2.NextProtoTLS},
			},
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}

		tlsConn := conn.(*tls.Conn)
		if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("upstream %s negotiated %q instead of h2", addr, proto)
		}

		cc, err := transport.NewClientConn(tlsConn)
		if err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
		return &clientConnSession{cc: cc, conn: tlsConn}, nil
	}
}

// releasingBody releases the pool reservation when the response body is
// fully consumed or closed, so the idle timer only runs while the session
// is truly quiet.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
