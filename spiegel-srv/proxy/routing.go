package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/codefionn/spiegel/spiegel-srv/logger"
)

// allowedDomains is the fixed set of preview domains the multi-segment
// hostname grammar may resolve to. The first entry doubles as the default
// suffix for policies derived from the single-segment grammar.
var allowedDomains = []string{
	"cmux.app",
	"cmux.sh",
	"cmux.dev",
	"cmux.local",
	"cmux.localhost",
	"autobuild.app",
}

const defaultScope = "base"

// Policy is the routing policy derived once from a browser view's initial
// URL. It is immutable after derivation; a nil policy disables rewriting
// for the whole session.
type Policy struct {
	WorkloadID   string
	Scope        string
	DomainSuffix string
}

// Target is the result of applying the rewrite rule to an inbound request
// URL. ConnectPort is the effective TCP port for raw dials (CONNECT,
// WebSocket upgrades).
type Target struct {
	URL         *url.URL
	Secure      bool
	ConnectPort int
}

// Addr returns the host:port to dial for this target.
func (t Target) Addr() string {
	return net.JoinHostPort(t.URL.Hostname(), strconv.Itoa(t.ConnectPort))
}

// DerivePolicy parses the hostname of a browser view's initial URL into a
// routing policy. It returns nil on any parse failure; callers must treat
// nil as "do not proxy".
func DerivePolicy(initialURL string) *Policy {
	u, err := url.Parse(initialURL)
	if err != nil {
		logger.Warn("Cannot derive routing policy, unparseable URL %q: %v", initialURL, err)
		return nil
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return nil
	}

	if policy := parseWorkloadHost(hostname); policy != nil {
		return policy
	}
	return parseCmuxHost(hostname)
}

// parseWorkloadHost parses the single-segment grammar
// port-<port>-workload-<id>.<suffix>. The derived policy maps onto the
// default scope and domain suffix.
func parseWorkloadHost(hostname string) *Policy {
	label, _, found := strings.Cut(hostname, ".")
	if !found {
		return nil
	}

	rest, ok := strings.CutPrefix(label, "port-")
	if !ok {
		return nil
	}
	portStr, id, ok := strings.Cut(rest, "-workload-")
	if !ok || id == "" {
		return nil
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return nil
	}

	return &Policy{
		WorkloadID:   id,
		Scope:        defaultScope,
		DomainSuffix: allowedDomains[0],
	}
}

// parseCmuxHost parses the multi-segment grammar
// cmux-<workloadId>-<scope>-<port>.<oneOfAllowedDomains>. The workload id
// may itself contain hyphens, so the port and scope are taken from the end.
func parseCmuxHost(hostname string) *Policy {
	for _, domain := range allowedDomains {
		label, ok := strings.CutSuffix(hostname, "."+domain)
		if !ok || strings.Contains(label, ".") {
			continue
		}

		rest, ok := strings.CutPrefix(label, "cmux-")
		if !ok {
			continue
		}

		segments := strings.Split(rest, "-")
		if len(segments) < 3 {
			continue
		}

		portStr := segments[len(segments)-1]
		if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
			continue
		}

		return &Policy{
			WorkloadID:   strings.Join(segments[:len(segments)-2], "-"),
			Scope:        segments[len(segments)-2],
			DomainSuffix: domain,
		}
	}
	return nil
}

// isLoopbackHost reports whether a request hostname addresses the local
// machine. These are the hosts the rewrite substitutes.
func isLoopbackHost(hostname string) bool {
	lower := strings.ToLower(hostname)
	return lower == "localhost" ||
		lower == "127.0.0.1" ||
		strings.HasPrefix(lower, "127.") ||
		lower == "::1" ||
		lower == "[::1]"
}

// RewriteTarget applies the loopback rewrite to a request URL. With a
// non-nil policy and a loopback hostname the target is forced to https on
// the reconstructed preview hostname; everything else passes through
// unchanged.
func RewriteTarget(u *url.URL, policy *Policy) Target {
	if policy != nil && isLoopbackHost(u.Hostname()) {
		port := effectivePort(u)
		rewritten := *u
		rewritten.Scheme = "https"
		rewritten.Host = fmt.Sprintf("cmux-%s-%s-%d.%s", policy.WorkloadID, policy.Scope, port, policy.DomainSuffix)
		return Target{
			URL:         &rewritten,
			Secure:      true,
			ConnectPort: 443,
		}
	}

	secure := isSecureScheme(u.Scheme)
	connectPort := effectivePort(u)
	return Target{
		URL:         u,
		Secure:      secure,
		ConnectPort: connectPort,
	}
}

// effectivePort returns the explicit URL port, or the scheme default.
func effectivePort(u *url.URL) int {
	if portStr := u.Port(); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			return port
		}
	}
	if isSecureScheme(u.Scheme) {
		return 443
	}
	return 80
}

func isSecureScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return true
	}
	return false
}
