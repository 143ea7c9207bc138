package dnsforward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
)

// defaultUpstreamTimeout is used when an Upstream implementation doesn't
// impose its own deadline and the caller's context carries none either.
const defaultUpstreamTimeout = 5 * time.Second

// Upstream is the system boundary to a concrete wire transport (UDP, TCP,
// DoT, DoH, DoQ, DNSCrypt). The core never parses any of those protocols
// itself; it only calls Exchange and reads back RTT for adaptive ordering.
type Upstream interface {
	// Exchange sends req and returns the parsed response. Implementations
	// must honor ctx's deadline and cancellation.
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)

	// Address returns the upstream's configured address, used for logging
	// and as the upstream_id recorded on a cache entry and RequestProcessed
	// event.
	Address() string

	// RTT returns the most recently observed round-trip time, used by
	// the ordered-failover upstream-selection policy.
	RTT() time.Duration
}

// TLSParams carries the parameters a SocketFactory needs to negotiate a
// TLS-secured stream: the SNI, the ALPN protocol list, a session-cache
// handle, and a certificate verification callback.
type TLSParams struct {
	ServerName   string
	NextProtos   []string
	SessionCache tls.ClientSessionCache
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error
}

// SocketFactory produces plain or TLS-secured streams for an Upstream
// implementation. The core depends on this interface but never implements
// it — concrete transports live outside C1–C8.
type SocketFactory interface {
	Dial(ctx context.Context, network, outboundInterface string, ignoreProxy bool) (net.Conn, error)
	DialTLS(ctx context.Context, network, outboundInterface string, ignoreProxy bool, params TLSParams) (net.Conn, error)
}

// UpstreamSelector picks an Upstream (or an ordered sequence of them) from a
// configured pool for one query. The three policies named in §4.6 —
// parallel race, ordered failover, round-robin — are all expressible as
// implementations of this one method.
type UpstreamSelector interface {
	Select(pool []Upstream) []Upstream
}

// orderedFailover tries each upstream in ascending order of its most
// recently observed RTT, stopping at the first to answer: the "feed back
// [RTT] to the upstream for adaptive ordering" policy. An upstream with no
// observation yet (RTT zero) sorts first, so every pool member gets probed
// before the ranking settles. Ties keep the configured pool order.
type orderedFailover struct{}

func (orderedFailover) Select(pool []Upstream) []Upstream {
	out := make([]Upstream, len(pool))
	copy(out, pool)

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RTT() < out[j].RTT()
	})

	return out
}

// roundRobin rotates the starting point of the pool on each call so load is
// spread across upstreams over time.
type roundRobin struct {
	next int
}

func (r *roundRobin) Select(pool []Upstream) []Upstream {
	n := len(pool)
	if n == 0 {
		return pool
	}

	start := r.next % n
	r.next++

	out := make([]Upstream, n)
	for i := range out {
		out[i] = pool[(start+i)%n]
	}

	return out
}
