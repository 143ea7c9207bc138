package dnsforward

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenBlockedResponse_REFUSED(t *testing.T) {
	req := newQuery("blocked.example.com", dns.TypeA)
	resp := genBlockedResponse(req, BlockingModeREFUSED, nil, nil, nil, "", 0)

	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
	assert.Empty(t, resp.Answer)
}

func TestGenBlockedResponse_NXDomainCarriesSOA(t *testing.T) {
	req := newQuery("blocked.example.com", dns.TypeA)
	resp := genBlockedResponse(req, BlockingModeNXDomain, nil, nil, nil, "", 0)

	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Ns, 1)

	soa, ok := resp.Ns[0].(*dns.SOA)
	require.True(t, ok)
	assert.Equal(t, soaNs, soa.Ns)
}

func TestGenBlockedResponse_AddressModeDefaultsToNull(t *testing.T) {
	req := newQuery("blocked.example.com", dns.TypeA)
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, nil, "", 60)

	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(net.IPv4zero))
}

func TestGenBlockedResponse_AddressModeCustomIP(t *testing.T) {
	req := newQuery("blocked.example.com", dns.TypeA)
	custom := net.ParseIP("203.0.113.1")
	resp := genBlockedResponse(req, BlockingModeAddress, custom, nil, nil, "", 60)

	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(custom))
}

func TestGenBlockedResponse_AddressModeOtherQtypeGetsSOA(t *testing.T) {
	req := newQuery("blocked.example.com", dns.TypeMX)
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, nil, "", 60)

	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Ns, 1)
	assert.Empty(t, resp.Answer)
}

func TestGenBlockedResponse_HostsRuleSpecificIP(t *testing.T) {
	req := newQuery("hosts.example.com", dns.TypeA)
	ruleIP := net.ParseIP("192.168.1.1")
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, ruleIP, "", 60)

	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(ruleIP))
}

func TestGenBlockedResponse_HostsRuleLoopbackMapsToNull(t *testing.T) {
	req := newQuery("hosts.example.com", dns.TypeA)
	ruleIP := net.ParseIP("127.0.0.1")
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, ruleIP, "", 60)

	require.Len(t, resp.Answer, 1)
	a := resp.Answer[0].(*dns.A)
	assert.True(t, a.A.Equal(net.IPv4zero))
}

func TestGenBlockedResponse_HostsRuleOtherFamilyGetsSOA(t *testing.T) {
	req := newQuery("hosts.example.com", dns.TypeAAAA)
	ruleIP := net.ParseIP("192.168.1.1")
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, ruleIP, "", 60)

	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
}

func TestGenBlockedResponse_PTRTargetSynthesizesPTRRecord(t *testing.T) {
	req := newQuery("40.30.20.10.in-addr.arpa.", dns.TypePTR)
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, net.ParseIP("10.20.30.40"), "blocked.example.com", 60)

	require.Len(t, resp.Answer, 1)
	ptr, ok := resp.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "blocked.example.com.", ptr.Ptr)
}

func TestGenBlockedResponse_PTRWithoutTargetGetsSOA(t *testing.T) {
	req := newQuery("40.30.20.10.in-addr.arpa.", dns.TypePTR)
	resp := genBlockedResponse(req, BlockingModeAddress, nil, nil, nil, "", 60)

	assert.Empty(t, resp.Answer)
	require.Len(t, resp.Ns, 1)
}

func TestStripDNSSEC_RemovesUnrequestedRecords(t *testing.T) {
	resp := &dns.Msg{}
	resp.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Rrtype: dns.TypeA}},
		&dns.RRSIG{Hdr: dns.RR_Header{Rrtype: dns.TypeRRSIG}},
	}

	stripDNSSEC(resp, dns.TypeA)

	require.Len(t, resp.Answer, 1)
	assert.Equal(t, dns.TypeA, resp.Answer[0].Header().Rrtype)
}

func TestStripDNSSEC_KeepsRecordsWhenQueriedDirectly(t *testing.T) {
	resp := &dns.Msg{}
	resp.Answer = []dns.RR{
		&dns.RRSIG{Hdr: dns.RR_Header{Rrtype: dns.TypeRRSIG}},
	}

	stripDNSSEC(resp, dns.TypeRRSIG)

	assert.Len(t, resp.Answer, 1)
}

func TestTruncateForUDP_SetsFlagAndShrinksAnswers(t *testing.T) {
	req := newQuery("many.example.com", dns.TypeA)
	resp := makeReply(req)

	for i := 0; i < 200; i++ {
		resp.Answer = append(resp.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
			Txt: []string{"0123456789012345678901234567890123456789"},
		})
	}

	truncateForUDP(resp, 512)

	assert.True(t, resp.Truncated)

	packed, err := resp.Pack()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(packed), 512)
}
