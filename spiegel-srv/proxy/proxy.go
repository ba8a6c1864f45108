package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http2"

	"github.com/codefionn/spiegel/spiegel-srv/config"
	"github.com/codefionn/spiegel/spiegel-srv/logger"
	"github.com/codefionn/spiegel/spiegel-srv/stats"
)

// Server is one loopback proxy instance: a single TCP listener whose
// connections are protocol-sniffed and dispatched to an HTTP/1.1 or HTTP/2
// engine sharing one request handler. Each instance owns its registry,
// forwarder and statistics collector; nothing is process-global.
type Server struct {
	config    *config.Config
	registry  *Registry
	forwarder *Forwarder
	stats     stats.Collector

	h1srv *http.Server
	h2srv *http2.Server

	startOnce sync.Once
	startErr  error
	port      int

	mu       sync.Mutex
	stopped  bool
	listener net.Listener
	queue    *queueListener

	wg sync.WaitGroup
}

// NewServer creates a proxy instance from the given configuration. The
// listener is not bound until Start.
func NewServer(cfg *config.Config, collector stats.Collector) *Server {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	return &Server{
		config:   cfg,
		registry: NewRegistry(),
		forwarder: NewForwarder(
			cfg.MaxUpstreamSockets,
			time.Duration(cfg.TimeoutSeconds)*time.Second,
			time.Duration(cfg.H2IdleSeconds)*time.Second,
		),
		stats: collector,
	}
}

// Start binds the listener and begins serving. It is idempotent: the first
// call performs the bind, concurrent and later calls share its outcome and
// the memoized port.
func (s *Server) Start() (int, error) {
	s.startOnce.Do(func() {
		s.startErr = s.start()
	})
	if s.startErr != nil {
		return 0, s.startErr
	}
	return s.port, nil
}

// Port returns the bound port, or 0 before a successful Start.
func (s *Server) Port() int {
	return s.port
}

// Registry exposes the credential registry, mainly for tests.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return NewListenerError(ErrCodeServerStopped, GetErrorDescription(ErrCodeServerStopped), nil)
	}
	s.mu.Unlock()

	listener, port, err := s.bind()
	if err != nil {
		return err
	}

	handler := http.HandlerFunc(s.handleRequest)
	queue := newQueueListener(listener.Addr())

	s.mu.Lock()
	s.listener = listener
	s.queue = queue
	s.mu.Unlock()
	s.port = port

	s.h1srv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(s.config.TimeoutSeconds) * time.Second,
	}
	s.h2srv = &http2.Server{
		IdleTimeout: time.Duration(s.config.TimeoutSeconds) * time.Second,
	}

	s.wg.Add(2)
	go s.serveQueued()
	go s.acceptLoop()

	logger.Info("Proxy listening on %s", listener.Addr())
	return nil
}

// bind probes consecutive ports starting at the configured base port,
// skipping ports that are already taken. Any other bind error aborts the
// probe.
func (s *Server) bind() (net.Listener, int, error) {
	for attempt := 0; attempt < s.config.PortAttempts; attempt++ {
		port := s.config.BasePort + attempt
		addr := net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port))

		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return listener, port, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Debug("Port %d in use, probing next", port)
			continue
		}
		return nil, 0, NewListenerError(ErrCodeListenerBindFailed, GetErrorDescription(ErrCodeListenerBindFailed), err)
	}
	return nil, 0, NewListenerError(ErrCodePortsExhausted,
		fmt.Sprintf("no free port in %d..%d", s.config.BasePort, s.config.BasePort+s.config.PortAttempts-1), nil)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("Accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.dispatch(conn)
	}
}

// dispatch sniffs one connection's protocol and hands it to the matching
// engine with the sniffed bytes replayed.
func (s *Server) dispatch(conn net.Conn) {
	defer s.wg.Done()

	detectTimeout := time.Duration(s.config.DetectTimeoutSeconds) * time.Second
	replay, isHTTP2, err := sniffPreface(conn, detectTimeout)
	if err != nil {
		logger.Debug("Closing connection from %s before protocol decision: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	if isHTTP2 {
		logger.Trace("HTTP/2 preface from %s", conn.RemoteAddr())
		s.h2srv.ServeConn(replay, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(s.handleRequest),
		})
		return
	}

	logger.Trace("HTTP/1.1 connection from %s", conn.RemoteAddr())
	s.queue.enqueue(replay)
}

// serveQueued runs the HTTP/1.1 engine over the sniffed-connection queue.
func (s *Server) serveQueued() {
	defer s.wg.Done()

	if err := s.h1srv.Serve(s.queue); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP/1.1 engine stopped: %v", err)
	}
}

// Stop shuts the instance down: the listener closes immediately, in-flight
// connections get until ctx expires to drain, then everything is torn down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	listener := s.listener
	queue := s.queue
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if queue != nil {
		queue.Close()
	}
	if s.h1srv != nil {
		if err := s.h1srv.Shutdown(ctx); err != nil {
			logger.Debug("HTTP/1.1 engine shutdown: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Timed out waiting for proxy connections to drain")
	}

	s.forwarder.Close()
	if err := s.stats.Close(); err != nil {
		logger.Warn("Failed to close statistics collector: %v", err)
	}

	logger.Info("Proxy stopped")
	return nil
}

// handleRequest is the shared entry point of both protocol engines.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	pctx := s.registry.Authenticate(r.Header.Get("Proxy-Authorization"))
	if pctx == nil {
		if err := s.stats.RecordAuthFailure(r.Context(), r.RemoteAddr); err != nil {
			logger.Debug("Failed to record auth failure: %v", err)
		}
		w.Header().Set("Proxy-Authenticate", fmt.Sprintf("Basic realm=%q", s.config.Realm))
		http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
		return
	}

	if r.Method == http.MethodConnect {
		s.handleConnect(w, r, pctx)
		return
	}

	normalizeRequestURL(r)

	if isUpgradeRequest(r) {
		s.handleUpgrade(w, r, pctx)
		return
	}

	rewritten := pctx.Policy != nil && isLoopbackHost(r.URL.Hostname())
	target := RewriteTarget(r.URL, pctx.Policy)

	connID, err := s.stats.StartConnection(r.Context(), r.RemoteAddr, target.URL.Hostname(), target.ConnectPort, "http")
	if err != nil {
		logger.Debug("Failed to record connection start: %v", err)
	}
	started := time.Now()

	status, written := s.forwarder.Forward(w, r, target, rewritten)

	// The request context may already be canceled; record in the background.
	recordCtx := context.Background()
	if err := s.stats.RecordRequest(recordCtx, connID, r.Method, target.URL.Host, status); err != nil {
		logger.Debug("Failed to record request: %v", err)
	}
	if err := s.stats.EndConnection(recordCtx, connID, 0, written, time.Since(started), "completed"); err != nil {
		logger.Debug("Failed to record connection end: %v", err)
	}
}

// normalizeRequestURL fills in the URL parts origin-form and HTTP/2
// requests leave empty, so the rewrite always sees an absolute URL.
func normalizeRequestURL(r *http.Request) {
	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}
}

// queueListener is a channel-backed net.Listener feeding sniffed HTTP/1.1
// connections to the stdlib server so hijacking keeps working.
type queueListener struct {
	conns chan net.Conn
	addr  net.Addr
	done  chan struct{}
	once  sync.Once
}

func newQueueListener(addr net.Addr) *queueListener {
	return &queueListener{
		conns: make(chan net.Conn),
		addr:  addr,
		done:  make(chan struct{}),
	}
}

func (l *queueListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *queueListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *queueListener) Addr() net.Addr {
	return l.addr
}

// enqueue hands a connection to the HTTP/1.1 engine, closing it instead if
// the listener already shut down.
func (l *queueListener) enqueue(conn net.Conn) {
	select {
	case l.conns <- conn:
	case <-l.done:
		conn.Close()
	}
}
