package proxy

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// Credentials are the generated Basic-auth credentials for one browser view.
type Credentials struct {
	Username string
	Password string
}

// ProxyContext holds the per-session authentication and routing state for
// one browser view. The policy is immutable after creation; a nil policy
// means requests for this session pass through without rewriting.
type ProxyContext struct {
	Username   string
	Password   string
	Policy     *Policy
	OwnerID    int
	PersistKey string
	session    NetworkSession
}

// Registry maps generated credentials to routing policies. It keeps two
// indices consistent under one lock: by-username for inbound auth and
// by-owner for credential retrieval and cleanup. Each Server owns its own
// Registry so multiple proxy instances can coexist in tests.
type Registry struct {
	mu         sync.Mutex
	byUsername map[string]*ProxyContext
	byOwner    map[int]*ProxyContext
}

// NewRegistry creates an empty context registry.
func NewRegistry() *Registry {
	return &Registry{
		byUsername: make(map[string]*ProxyContext),
		byOwner:    make(map[int]*ProxyContext),
	}
}

// Create registers a new proxy context for the given owner and returns its
// generated credentials. Callers must release a previous context for the
// same owner first; a stale one is released here as a safety net.
func (r *Registry) Create(ownerID int, persistKey string, policy *Policy, session NetworkSession) Credentials {
	username := fmt.Sprintf("view-%d-%s", ownerID, randomHex(4))
	password := randomHex(12)

	ctx := &ProxyContext{
		Username:   username,
		Password:   password,
		Policy:     policy,
		OwnerID:    ownerID,
		PersistKey: persistKey,
		session:    session,
	}

	r.mu.Lock()
	if old, exists := r.byOwner[ownerID]; exists {
		logger.Warn("Owner %d already has a proxy context, releasing the old one", ownerID)
		delete(r.byUsername, old.Username)
	}
	r.byUsername[username] = ctx
	r.byOwner[ownerID] = ctx
	r.mu.Unlock()

	logger.Info("Created proxy context for owner %d (username %s)", ownerID, username)
	return Credentials{Username: username, Password: password}
}

// Authenticate decodes a Proxy-Authorization header value and returns the
// matching context. Only the exact `Basic <base64(user:pass)>` scheme is
// accepted. Every failure returns nil; authentication never raises.
func (r *Registry) Authenticate(proxyAuthorization string) *ProxyContext {
	encoded, ok := strings.CutPrefix(proxyAuthorization, "Basic ")
	if !ok {
		return nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}

	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil
	}

	r.mu.Lock()
	ctx := r.byUsername[username]
	r.mu.Unlock()

	if ctx == nil {
		return nil
	}
	if ctx.Password != password {
		return nil
	}
	return ctx
}

// LookupByOwner returns the credentials registered for an owner, or nil.
func (r *Registry) LookupByOwner(ownerID int) *Credentials {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, exists := r.byOwner[ownerID]
	if !exists {
		return nil
	}
	return &Credentials{Username: ctx.Username, Password: ctx.Password}
}

// Release removes the owner's context from both indices and resets the
// owner's externally-configured proxy settings. It is idempotent; session
// reset failures are logged, never raised.
func (r *Registry) Release(ownerID int) {
	r.mu.Lock()
	ctx, exists := r.byOwner[ownerID]
	if exists {
		delete(r.byUsername, ctx.Username)
		delete(r.byOwner, ownerID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	if ctx.session != nil {
		if err := ctx.session.ClearProxy(); err != nil {
			logger.Warn("Failed to reset proxy configuration for owner %d: %v", ownerID, err)
		}
	}
	logger.Info("Released proxy context for owner %d", ownerID)
}

// randomHex returns n random bytes hex-encoded via crypto/rand.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		logger.Fatal("Random source unavailable: %v", err)
	}
	return hex.EncodeToString(buf)
}
