package dnsforward

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxcross/dnsguardian/dnsfilter"
)

func TestBuildDNSRewriteResponse_UnionsMultipleRules(t *testing.T) {
	req := newQuery("example.com", dns.TypeA)

	rules := []*dnsfilter.Rule{
		{Text: "example.com$dnsrewrite=1.2.3.4", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "1.2.3.4",
		}},
		{Text: "example.com$dnsrewrite=NOERROR;A;100.200.200.100", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "100.200.200.100",
		}},
	}

	resp, ok := buildDNSRewriteResponse(req, rules)
	require.True(t, ok)
	require.Len(t, resp.Answer, 2)
}

func TestBuildDNSRewriteResponse_ExceptionAnnulsMatchingAction(t *testing.T) {
	req := newQuery("example.com", dns.TypeA)

	rules := []*dnsfilter.Rule{
		{Text: "example.com$dnsrewrite=1.2.3.4", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "1.2.3.4",
		}},
		{Text: "@@example.com$dnsrewrite=1.2.3.4", Props: dnsfilter.PropException, DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "1.2.3.4",
		}},
	}

	_, ok := buildDNSRewriteResponse(req, rules)
	assert.False(t, ok, "the sole action is annulled by its exception counterpart, leaving nothing to synthesize")
}

func TestBuildDNSRewriteResponse_AnnulmentIsPerValue(t *testing.T) {
	req := newQuery("example.com", dns.TypeA)

	rules := []*dnsfilter.Rule{
		{Text: "example.com$dnsrewrite=1.2.3.4", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "1.2.3.4",
		}},
		{Text: "example.com$dnsrewrite=NOERROR;A;100.200.200.100", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "100.200.200.100",
		}},
		{Text: "@@example.com$dnsrewrite=1.2.3.4", Props: dnsfilter.PropException, DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: "1.2.3.4",
		}},
	}

	resp, ok := buildDNSRewriteResponse(req, rules)
	require.True(t, ok)
	require.Len(t, resp.Answer, 1)

	a := resp.Answer[0].(*dns.A)
	assert.Equal(t, "100.200.200.100", a.A.String())
}

func TestBuildDNSRewriteResponse_NonMatchingRRTypePassesThrough(t *testing.T) {
	req := newQuery("example.com", dns.TypeA)

	rules := []*dnsfilter.Rule{
		{Text: "example.com$dnsrewrite=NOERROR;MX;42 example.mail", DNSRewrite: &dnsfilter.DNSRewriteAction{
			RCode: dns.RcodeSuccess, RRType: dns.TypeMX, Value: "42 example.mail",
		}},
	}

	resp, ok := buildDNSRewriteResponse(req, rules)
	require.True(t, ok)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.TypeMX, resp.Answer[0].Header().Rrtype)
}
