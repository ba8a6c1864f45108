package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/codefionn/spiegel/spiegel-srv/proxy"
)

// rewrite-check prints the routing policy derived from an initial URL and,
// optionally, the rewritten target for a request URL under that policy.
// Useful when debugging why a preview hostname does or does not route.
func main() {
	requestURL := flag.String("request", "", "Request URL to rewrite under the derived policy")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: rewrite-check [-request URL] <initial-url>\n")
		os.Exit(2)
	}
	initialURL := flag.Arg(0)

	policy := proxy.DerivePolicy(initialURL)
	if policy == nil {
		fmt.Printf("no routing policy for %q (proxying would be disabled)\n", initialURL)
		os.Exit(1)
	}

	fmt.Printf("workload-id:   %s\n", policy.WorkloadID)
	fmt.Printf("scope:         %s\n", policy.Scope)
	fmt.Printf("domain-suffix: %s\n", policy.DomainSuffix)

	if *requestURL == "" {
		return
	}

	u, err := url.Parse(*requestURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid request URL %q: %v\n", *requestURL, err)
		os.Exit(2)
	}

	target := proxy.RewriteTarget(u, policy)
	fmt.Printf("target:        %s\n", target.URL)
	fmt.Printf("secure:        %t\n", target.Secure)
	fmt.Printf("connect-addr:  %s\n", target.Addr())
}
