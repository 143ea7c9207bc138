package dnsforward

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/foxcross/dnsguardian/dnsfilter"
)

// buildDNSRewriteResponse implements the union/annulment rule of §4.7: every
// non-exception dnsrewrite rule among matched contributes an answer, unless
// an exception dnsrewrite rule with the same (RRType, Value) annuls it. If
// nothing survives annulment, ok is false and the caller falls through to
// the plain block/exception decision.
func buildDNSRewriteResponse(req *dns.Msg, matched []*dnsfilter.Rule) (resp *dns.Msg, ok bool) {
	var actions []*dnsfilter.DNSRewriteAction
	annulled := map[dnsrewriteKey]bool{}

	for _, r := range matched {
		if r.DNSRewrite == nil {
			continue
		}

		if r.Props.Has(dnsfilter.PropException) {
			annulled[keyOf(r.DNSRewrite)] = true

			continue
		}

		actions = append(actions, r.DNSRewrite)
	}

	var surviving []*dnsfilter.DNSRewriteAction
	for _, a := range actions {
		if !annulled[keyOf(a)] {
			surviving = append(surviving, a)
		}
	}

	if len(surviving) == 0 {
		return nil, false
	}

	resp = makeReply(req)

	q := req.Question[0]
	rcode := dns.RcodeSuccess

	for _, a := range surviving {
		if a.RCode != dns.RcodeSuccess {
			rcode = a.RCode

			continue
		}

		rr, err := dnsRewriteToRR(q.Name, a)
		if err != nil {
			continue
		}

		resp.Answer = append(resp.Answer, rr)
	}

	resp.Rcode = rcode

	return resp, true
}

type dnsrewriteKey struct {
	rrType uint16
	value  string
}

func keyOf(a *dnsfilter.DNSRewriteAction) dnsrewriteKey {
	return dnsrewriteKey{rrType: a.RRType, value: a.Value}
}

// dnsRewriteToRR renders one dnsrewrite action into a resource record
// rooted at name. A/AAAA/CNAME are built directly from their typed
// fields; any other record type is assembled from its presentation-format
// text via dns.NewRR, the same way the teacher's rule parser lets miekg/dns
// own the format for record types it doesn't special-case.
func dnsRewriteToRR(name string, a *dnsfilter.DNSRewriteAction) (dns.RR, error) {
	switch a.RRType {
	case dns.TypeA:
		ip := net.ParseIP(a.Value)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("dnsrewrite: %q is not an ipv4 address", a.Value)
		}

		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: defaultBlockedResponseTTL},
			A:   ip,
		}, nil
	case dns.TypeAAAA:
		ip := net.ParseIP(a.Value)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("dnsrewrite: %q is not an ipv6 address", a.Value)
		}

		return &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: defaultBlockedResponseTTL},
			AAAA: ip,
		}, nil
	case dns.TypeCNAME:
		return &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: defaultBlockedResponseTTL},
			Target: dns.Fqdn(a.Value),
		}, nil
	default:
		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", name, defaultBlockedResponseTTL, dns.TypeToString[a.RRType], a.Value))
		if err != nil {
			return nil, fmt.Errorf("dnsrewrite: rendering %s record: %w", dns.TypeToString[a.RRType], err)
		}

		return rr, nil
	}
}
