package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testForwarder(t *testing.T) *Forwarder {
	t.Helper()
	f := NewForwarder(16, 5*time.Second, time.Minute)
	t.Cleanup(f.Close)
	return f
}

func passthroughTarget(t *testing.T, rawURL string) Target {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return RewriteTarget(u, nil)
}

func TestForwardRelaysRequestAndResponse(t *testing.T) {
	var gotProxyAuth, gotHost, gotOverride string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProxyAuth = r.Header.Get("Proxy-Authorization")
		gotHost = r.Host
		gotOverride = r.Header.Get("X-Cmux-Host-Override")
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "hello from backend")
	}))
	defer backend.Close()

	forwarder := testForwarder(t)
	target := passthroughTarget(t, backend.URL+"/resource")

	r := httptest.NewRequest(http.MethodGet, backend.URL+"/resource", nil)
	r.Header.Set("Proxy-Authorization", basicAuth("user", "pass"))
	r.Header.Set("X-Custom", "kept")

	w := httptest.NewRecorder()
	status, written := forwarder.Forward(w, r, target, false)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(len("hello from backend")), written)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "hello from backend", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Backend"))

	assert.Empty(t, gotProxyAuth, "Proxy-Authorization must not reach the upstream")
	assert.Empty(t, gotOverride)
	assert.Equal(t, strings.TrimPrefix(backend.URL, "http://"), gotHost)
}

func TestForwardSetsHostOverrideWhenRewritten(t *testing.T) {
	var gotOverride string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOverride = r.Header.Get("X-Cmux-Host-Override")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	forwarder := testForwarder(t)
	target := passthroughTarget(t, backend.URL+"/")

	r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:5173/", nil)

	w := httptest.NewRecorder()
	status, _ := forwarder.Forward(w, r, target, true)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "127.0.0.1:5173", gotOverride)
}

func TestForwardBodyIsRelayedUpstream(t *testing.T) {
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	forwarder := testForwarder(t)
	target := passthroughTarget(t, backend.URL+"/upload")

	r := httptest.NewRequest(http.MethodPost, backend.URL+"/upload", strings.NewReader("payload bytes"))

	w := httptest.NewRecorder()
	status, _ := forwarder.Forward(w, r, target, false)

	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, "payload bytes", gotBody)
}

func TestForwardConnectErrorYields502(t *testing.T) {
	forwarder := testForwarder(t)

	// A listener that is already closed guarantees a refused connect.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := backend.URL
	backend.Close()

	target := passthroughTarget(t, deadURL+"/")
	r := httptest.NewRequest(http.MethodGet, deadURL+"/", nil)

	w := httptest.NewRecorder()
	status, written := forwarder.Forward(w, r, target, false)

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Zero(t, written)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Proxy-Error"))
	assert.Contains(t, w.Body.String(), "502 Bad Gateway")
}

func TestForwardCancellationPropagates(t *testing.T) {
	upstreamCanceled := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		close(upstreamCanceled)
	}))
	defer backend.Close()

	forwarder := testForwarder(t)
	target := passthroughTarget(t, backend.URL+"/slow")

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, backend.URL+"/slow", nil).WithContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	w := httptest.NewRecorder()
	status, _ := forwarder.Forward(w, r, target, false)

	assert.Equal(t, http.StatusBadGateway, status)

	select {
	case <-upstreamCanceled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request was not canceled")
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	assert.False(t, isUpgradeRequest(r))

	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	assert.True(t, isUpgradeRequest(r))

	r.Header.Set("Connection", "keep-alive, Upgrade")
	assert.True(t, isUpgradeRequest(r))

	r.Header.Del("Upgrade")
	assert.False(t, isUpgradeRequest(r))
}
