package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// NetworkSession is the slice of the embedding application's browser-view
// session this package needs: pointing it at the proxy and resetting it.
type NetworkSession interface {
	// SetProxy directs the session's traffic to the given proxy rules,
	// bypassing hosts matched by the bypass list.
	SetProxy(rules, bypass string) error
	// ClearProxy restores direct connections.
	ClearProxy() error
}

// loopbackBypass keeps loopback traffic out of the proxy at the session
// level. "<-loopback>" is the conventional bypass token for 127.0.0.0/8
// and ::1 in browser proxy-rule strings.
const loopbackBypass = "<-loopback>"

// ConfigureSession derives a routing policy from initialURL, registers a
// proxy context for the owner, and points the session at this proxy. The
// returned function releases the context and is idempotent. A URL that
// matches no routing grammar still configures credentials; requests for
// that session pass through unrewritten.
func (s *Server) ConfigureSession(ownerID int, initialURL, persistKey string, sess NetworkSession) (func(), error) {
	port, err := s.Start()
	if err != nil {
		return nil, err
	}

	policy := DerivePolicy(initialURL)
	if policy == nil {
		logger.Debug("No routing policy for owner %d from %q, proxying without rewrite", ownerID, initialURL)
	}

	s.registry.Create(ownerID, persistKey, policy, sess)

	rules := fmt.Sprintf("127.0.0.1:%d", port)
	if err := sess.SetProxy(rules, loopbackBypass); err != nil {
		s.registry.Release(ownerID)
		return nil, fmt.Errorf("failed to configure session proxy for owner %d: %w", ownerID, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		s.registry.Release(ownerID)
	}, nil
}

// ReleaseSession tears down the owner's proxy context and resets its
// session proxy settings. Safe to call for unknown owners.
func (s *Server) ReleaseSession(ownerID int) {
	s.registry.Release(ownerID)
}

// CredentialsFor returns the credentials registered for an owner, or nil
// when the owner has no live context.
func (s *Server) CredentialsFor(ownerID int) *Credentials {
	return s.registry.LookupByOwner(ownerID)
}

// IsManagedPersistKey reports whether a browser-view persist key belongs to
// this proxy layer, judged by the configured key prefix.
func (s *Server) IsManagedPersistKey(key string) bool {
	return isManagedPersistKey(s.config.PersistKeyPrefix, key)
}

// PartitionFor maps a managed persist key to a stable storage-partition
// name. Unmanaged keys map to the empty string.
func (s *Server) PartitionFor(key string) string {
	return partitionFor(s.config.PersistKeyPrefix, key)
}

func isManagedPersistKey(prefix, key string) bool {
	return prefix != "" && strings.HasPrefix(key, prefix)
}

// partitionFor hashes the key so partition names stay filesystem-safe and
// stable regardless of what the key contains.
func partitionFor(prefix, key string) string {
	if !isManagedPersistKey(prefix, key) {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return "persist:spiegel-" + hex.EncodeToString(sum[:])[:12]
}
