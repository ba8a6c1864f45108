package proxy

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivePolicy(t *testing.T) {
	tests := []struct {
		name       string
		initialURL string
		want       *Policy
	}{
		{
			name:       "multi segment grammar",
			initialURL: "https://cmux-abc-def-base-8080.cmux.app/",
			want:       &Policy{WorkloadID: "abc-def", Scope: "base", DomainSuffix: "cmux.app"},
		},
		{
			name:       "single segment grammar maps to default suffix",
			initialURL: "http://port-8080-workload-xyz.cmux.local/",
			want:       &Policy{WorkloadID: "xyz", Scope: "base", DomainSuffix: "cmux.app"},
		},
		{
			name:       "hyphenated workload id",
			initialURL: "https://cmux-my-long-workload-name-base-3000.cmux.dev/path",
			want:       &Policy{WorkloadID: "my-long-workload-name", Scope: "base", DomainSuffix: "cmux.dev"},
		},
		{
			name:       "uppercase hostname",
			initialURL: "https://CMUX-ABC-BASE-8080.CMUX.APP/",
			want:       &Policy{WorkloadID: "abc", Scope: "base", DomainSuffix: "cmux.app"},
		},
		{
			name:       "too few segments",
			initialURL: "https://cmux-ab.cmux.app/",
			want:       nil,
		},
		{
			name:       "non numeric port segment",
			initialURL: "https://cmux-abc-base-http.cmux.app/",
			want:       nil,
		},
		{
			name:       "unknown domain suffix",
			initialURL: "https://cmux-abc-base-8080.example.com/",
			want:       nil,
		},
		{
			name:       "extra label before domain",
			initialURL: "https://cmux-abc-base-8080.sub.cmux.app/",
			want:       nil,
		},
		{
			name:       "workload grammar without id",
			initialURL: "http://port-8080-workload-.cmux.app/",
			want:       nil,
		},
		{
			name:       "plain hostname",
			initialURL: "https://example.com/",
			want:       nil,
		},
		{
			name:       "unparseable url",
			initialURL: "://not-a-url",
			want:       nil,
		},
		{
			name:       "empty string",
			initialURL: "",
			want:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DerivePolicy(tt.initialURL)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRewriteTargetLoopback(t *testing.T) {
	policy := &Policy{WorkloadID: "abc", Scope: "base", DomainSuffix: "cmux.app"}

	u, err := url.Parse("http://127.0.0.1:5173/")
	require.NoError(t, err)

	target := RewriteTarget(u, policy)

	assert.Equal(t, "https://cmux-abc-base-5173.cmux.app/", target.URL.String())
	assert.True(t, target.Secure)
	assert.Equal(t, 443, target.ConnectPort)
	assert.Equal(t, "cmux-abc-base-5173.cmux.app:443", target.Addr())
}

func TestRewriteTargetLoopbackDefaultPorts(t *testing.T) {
	policy := &Policy{WorkloadID: "w", Scope: "base", DomainSuffix: "cmux.sh"}

	tests := []struct {
		name    string
		rawURL  string
		wantURL string
	}{
		{"http default port", "http://localhost/", "https://cmux-w-base-80.cmux.sh/"},
		{"https default port", "https://localhost/", "https://cmux-w-base-443.cmux.sh/"},
		{"explicit port wins", "http://localhost:3000/api", "https://cmux-w-base-3000.cmux.sh/api"},
		{"ipv6 loopback", "http://[::1]:8080/", "https://cmux-w-base-8080.cmux.sh/"},
		{"127 subnet", "http://127.1.2.3:9000/", "https://cmux-w-base-9000.cmux.sh/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)

			target := RewriteTarget(u, policy)
			assert.Equal(t, tt.wantURL, target.URL.String())
			assert.True(t, target.Secure)
			assert.Equal(t, 443, target.ConnectPort)
		})
	}
}

func TestRewriteTargetPassthrough(t *testing.T) {
	policy := &Policy{WorkloadID: "abc", Scope: "base", DomainSuffix: "cmux.app"}

	tests := []struct {
		name        string
		rawURL      string
		policy      *Policy
		wantSecure  bool
		wantConnect int
	}{
		{"non loopback with policy", "https://example.com/x", policy, true, 443},
		{"non loopback http", "http://example.com:8080/", policy, false, 8080},
		{"loopback without policy", "http://127.0.0.1:5173/", nil, false, 5173},
		{"wss scheme", "wss://example.com/socket", policy, true, 443},
		{"ws scheme", "ws://example.com/socket", nil, false, 80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.rawURL)
			require.NoError(t, err)

			target := RewriteTarget(u, tt.policy)
			assert.Same(t, u, target.URL, "passthrough must not rewrite the URL")
			assert.Equal(t, tt.wantSecure, target.Secure)
			assert.Equal(t, tt.wantConnect, target.ConnectPort)
		})
	}
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, isLoopbackHost("localhost"))
	assert.True(t, isLoopbackHost("LOCALHOST"))
	assert.True(t, isLoopbackHost("127.0.0.1"))
	assert.True(t, isLoopbackHost("127.255.0.9"))
	assert.True(t, isLoopbackHost("::1"))
	assert.True(t, isLoopbackHost("[::1]"))

	assert.False(t, isLoopbackHost("example.com"))
	assert.False(t, isLoopbackHost("10.0.0.1"))
	assert.False(t, isLoopbackHost("128.0.0.1"))
	assert.False(t, isLoopbackHost(""))
}
