package dnsforward

import (
	"net"
	"time"
)

// BlockingMode selects how a blocking decision (adblock-rules mode or
// hosts-rules mode, configured independently) is rendered into a response.
type BlockingMode string

const (
	// BlockingModeREFUSED answers with RCODE=REFUSED and nothing else.
	BlockingModeREFUSED BlockingMode = "refused"
	// BlockingModeNXDomain answers with RCODE=NXDOMAIN plus a synthesized
	// SOA in the authority section.
	BlockingModeNXDomain BlockingMode = "nxdomain"
	// BlockingModeAddress answers A/AAAA queries with a configured or
	// default null address, and every other qtype with NOERROR+SOA. It is
	// the default for hosts rules.
	BlockingModeAddress BlockingMode = "address"
)

// defaultBlockedResponseTTL is used for synthesized blocking responses
// (null-address answers and SOA records) when none is configured.
const defaultBlockedResponseTTL uint32 = 3600

// UpstreamPolicy selects how a pool of upstreams is ordered for one query,
// the "implementation latitude" named for the §4.6 UpstreamTried step.
type UpstreamPolicy string

const (
	// UpstreamPolicyOrderedFailover tries upstreams in ascending order of
	// observed RTT, falling back through the rest of the pool on error.
	// This is the default.
	UpstreamPolicyOrderedFailover UpstreamPolicy = "ordered_failover"
	// UpstreamPolicyRoundRobin rotates the pool's starting point on every
	// call, spreading load evenly instead of favoring the fastest upstream.
	UpstreamPolicyRoundRobin UpstreamPolicy = "round_robin"
)

// newSelector builds the UpstreamSelector named by policy, defaulting to
// UpstreamPolicyOrderedFailover for an empty or unrecognized value.
func newSelector(policy UpstreamPolicy) UpstreamSelector {
	if policy == UpstreamPolicyRoundRobin {
		return &roundRobin{}
	}

	return orderedFailover{}
}

// Config holds everything the forwarder needs to process a query, mirroring
// the teacher's own Server configuration shape but scoped to C4–C7.
type Config struct {
	// Upstreams is the primary upstream pool, tried first for every
	// non-retransmitted, non-fallback-domain query.
	Upstreams []Upstream
	// Fallbacks is tried when every primary upstream errors or times out,
	// when the question matches FallbackDomains, or when the query was
	// flagged as a retransmission by C5.
	Fallbacks []Upstream
	// FallbackDomains is a glob set (e.g. "*.local", "mygateway") whose
	// matches always go straight to Fallbacks.
	FallbackDomains []string
	// UpstreamPolicy selects the primary/fallback pool ordering policy.
	// Defaults to UpstreamPolicyOrderedFailover.
	UpstreamPolicy UpstreamPolicy

	AdblockBlockingMode BlockingMode
	HostsBlockingMode   BlockingMode
	CustomBlockingIPv4  net.IP
	CustomBlockingIPv6  net.IP
	BlockedResponseTTL  uint32

	CacheSize       int
	CacheOptimistic bool

	UseDNS64      bool
	DNS64Prefixes []string
	DNS64Exclude  []string

	RetransmissionWindow  time.Duration
	RetransmissionMaxKeys uint

	// ClientTimeout bounds every suspension point of one request (cache
	// wait, upstream exchange, DNS64 sub-exchange) when the caller's
	// context carries no deadline of its own.
	ClientTimeout time.Duration

	OnRequestProcessed EventHook
}

// defaultRetransmissionWindow matches the teacher's recursion-detector TTL
// philosophy: long enough to catch a genuine client retransmit, short
// enough not to misclassify an unrelated repeat query.
const defaultRetransmissionWindow = 3 * time.Second

// defaultRetransmissionMaxKeys bounds the retransmission detector's LRU so a
// spray of distinct bogus signatures cannot grow memory without limit.
const defaultRetransmissionMaxKeys = 10_000

func (c *Config) withDefaults() Config {
	out := *c

	if out.AdblockBlockingMode == "" {
		out.AdblockBlockingMode = BlockingModeREFUSED
	}
	if out.HostsBlockingMode == "" {
		out.HostsBlockingMode = BlockingModeAddress
	}
	if out.BlockedResponseTTL == 0 {
		out.BlockedResponseTTL = defaultBlockedResponseTTL
	}
	if out.RetransmissionWindow == 0 {
		out.RetransmissionWindow = defaultRetransmissionWindow
	}
	if out.RetransmissionMaxKeys == 0 {
		out.RetransmissionMaxKeys = defaultRetransmissionMaxKeys
	}
	if out.ClientTimeout == 0 {
		out.ClientTimeout = defaultUpstreamTimeout
	}

	return out
}
