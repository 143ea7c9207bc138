package dnsforward

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/miekg/dns"
)

const (
	// maxNAT64PrefixBitLen is the maximum length of a NAT64 prefix in bits.
	// See https://datatracker.ietf.org/doc/html/rfc6147#section-5.2.
	maxNAT64PrefixBitLen = 96

	// nat64PrefixLen is the length of a NAT64 prefix in bytes.
	nat64PrefixLen = net.IPv6len - net.IPv4len

	// maxDNS64SynTTL is the ceiling on a synthesized AAAA's TTL when the
	// upstream A answer carries no SOA to bound it against. See
	// https://datatracker.ietf.org/doc/html/rfc6147#section-5.1.7.
	maxDNS64SynTTL uint32 = 600
)

// dns64WellKnownPrefix is used when DNS64 is enabled but no prefix was
// configured. See https://datatracker.ietf.org/doc/html/rfc6052#section-2.1.
var dns64WellKnownPrefix = netip.MustParsePrefix("64:ff9b::/96")

// dns64Config holds the NAT64 prefixes used for synthesis and the exclusion
// ranges synthesized addresses are filtered against.
type dns64Config struct {
	prefixes []netip.Prefix
	exclude  []netip.Prefix
}

// newDNS64Config parses prefixes/exclude per §4.7; an empty prefixes list
// falls back to dns64WellKnownPrefix.
func newDNS64Config(prefixes, exclude []string) (*dns64Config, error) {
	cfg := &dns64Config{}

	if len(prefixes) == 0 {
		cfg.prefixes = []netip.Prefix{dns64WellKnownPrefix}
	} else {
		for i, s := range prefixes {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("dns64 prefix at index %d: %w", i, err)
			}

			if !p.Addr().Is6() {
				return nil, fmt.Errorf("dns64 prefix at index %d: %q is not an ipv6 prefix", i, s)
			}

			if p.Bits() > maxNAT64PrefixBitLen {
				return nil, fmt.Errorf("dns64 prefix at index %d: %q is too long for dns64", i, s)
			}

			cfg.prefixes = append(cfg.prefixes, p.Masked())
		}
	}

	for i, s := range exclude {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("dns64 exclusion at index %d: %w", i, err)
		}

		cfg.exclude = append(cfg.exclude, p)
	}

	return cfg, nil
}

func (c *dns64Config) withinExclusion(ip netip.Addr) bool {
	for _, p := range c.exclude {
		if p.Contains(ip) {
			return true
		}
	}

	return false
}

// mapToAAAA embeds ip's 4 bytes after the first configured prefix's 12
// network bytes, the algorithmic mapping of RFC 6052 §2.2.
func (c *dns64Config) mapToAAAA(ip netip.Addr) net.IP {
	pref := c.prefixes[0].Addr().As16()
	data := ip.As4()

	mapped := make(net.IP, net.IPv6len)
	copy(mapped[:nat64PrefixLen], pref[:])
	copy(mapped[nat64PrefixLen:], data[:])

	return mapped
}

// shouldSynthesize reports whether req/resp is a candidate for DNS64
// synthesis: an AAAA/IN query whose answer carries no usable, non-excluded
// AAAA or CNAME.
func shouldSynthesize(req, resp *dns.Msg, cfg *dns64Config) bool {
	if len(req.Question) == 0 {
		return false
	}

	q := req.Question[0]
	if q.Qtype != dns.TypeAAAA || q.Qclass != dns.ClassINET {
		return false
	}

	if resp.Rcode == dns.RcodeNameError {
		return false
	}

	if resp.Rcode != dns.RcodeSuccess {
		return true
	}

	_, hasAnswers := filterExcludedAAAA(resp.Answer, cfg)

	return !hasAnswers
}

// filterExcludedAAAA drops AAAA answers that fall within an exclusion
// prefix; cfg may be nil, in which case no address is excluded and the call
// is only used to detect whether any usable answer already exists.
func filterExcludedAAAA(rrs []dns.RR, cfg *dns64Config) (filtered []dns.RR, hasAnswers bool) {
	filtered = make([]dns.RR, 0, len(rrs))

	for _, rr := range rrs {
		switch ans := rr.(type) {
		case *dns.AAAA:
			addr, err := netutil.IPToAddrNoMapped(ans.AAAA)
			if err != nil {
				log.Error("dnsforward: bad AAAA record: %s", err)

				continue
			}

			if cfg != nil && cfg.withinExclusion(addr) {
				continue
			}

			filtered = append(filtered, ans)
			hasAnswers = true
		case *dns.CNAME, *dns.DNAME:
			filtered = append(filtered, ans)
			hasAnswers = true
		default:
			filtered = append(filtered, ans)
		}
	}

	return filtered, hasAnswers
}

// synthesize rewrites the A answers of aResp (the response to the parallel
// A query the forwarder dispatched for DNS64 purposes) into DNS64-mapped
// AAAA records.
func (c *dns64Config) synthesize(aResp *dns.Msg) (synthesized []dns.RR, ok bool) {
	if len(aResp.Answer) == 0 {
		return nil, false
	}

	soaTTL := maxDNS64SynTTL
	for _, rr := range aResp.Ns {
		if hdr := rr.Header(); hdr.Rrtype == dns.TypeSOA {
			soaTTL = hdr.Ttl

			break
		}
	}

	out := make([]dns.RR, 0, len(aResp.Answer))
	for _, rr := range aResp.Answer {
		a, isA := rr.(*dns.A)
		if !isA {
			out = append(out, rr)

			continue
		}

		addr, err := netutil.IPToAddr(a.A, netutil.AddrFamilyIPv4)
		if err != nil {
			log.Error("dnsforward: bad A record for dns64 synthesis: %s", err)

			return nil, false
		}

		mapped := c.mapToAAAA(addr)

		mappedAddr, err := netutil.IPToAddrNoMapped(mapped)
		if err == nil && c.withinExclusion(mappedAddr) {
			continue
		}

		ttl := a.Hdr.Ttl
		if ttl > soaTTL {
			ttl = soaTTL
		}

		out = append(out, &dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   a.Hdr.Name,
				Rrtype: dns.TypeAAAA,
				Class:  a.Hdr.Class,
				Ttl:    ttl,
			},
			AAAA: mapped,
		})
	}

	return out, true
}
