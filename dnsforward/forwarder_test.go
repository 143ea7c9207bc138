package dnsforward

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxcross/dnsguardian/dnsfilter"
)

// fakeUpstream answers every query with a canned response (or error),
// counting how many times it was called.
type fakeUpstream struct {
	addr    string
	answer  func(req *dns.Msg) (*dns.Msg, error)
	calls   int
	lastReq *dns.Msg
}

func (u *fakeUpstream) Exchange(_ context.Context, req *dns.Msg) (*dns.Msg, error) {
	u.calls++
	u.lastReq = req

	return u.answer(req)
}

func (u *fakeUpstream) Address() string    { return u.addr }
func (u *fakeUpstream) RTT() time.Duration { return time.Millisecond }

func aAnswer(req *dns.Msg, ip string, ttl uint32) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetReply(req)
	resp.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP(ip),
		},
	}

	return resp
}

func newTestForwarder(t *testing.T, up *fakeUpstream, conf Config) *Forwarder {
	t.Helper()

	conf.Upstreams = []Upstream{up}

	f, ok, warning := NewForwarder(conf, nil)
	require.True(t, ok)
	require.NoError(t, warning)

	return f
}

func newTestFilterSet(t *testing.T, rules string) *dnsfilter.Set {
	t.Helper()

	filter, err := dnsfilter.NewFilter(dnsfilter.FilterParams{
		ID:       1,
		Data:     rules,
		InMemory: true,
	}, dnsfilter.NewBudget(1<<30))
	require.NoError(t, err)

	return dnsfilter.NewSet(filter)
}

func newQuery(name string, qtype uint16) *dns.Msg {
	req := &dns.Msg{}
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.Id = dns.Id()

	return req
}

func TestHandleRequest_CacheMissThenHit(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "1.2.3.4", 300), nil
	}}

	f := newTestForwarder(t, up, Config{CacheSize: 100})
	req := newQuery("example.com", dns.TypeA)

	resp1, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, resp1.Answer, 1)
	assert.Equal(t, 1, up.calls)

	resp2, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, resp2.Answer, 1)

	// Second call must be served from cache, not a second upstream round trip.
	assert.Equal(t, 1, up.calls)
	assert.LessOrEqual(t, resp2.Answer[0].Header().Ttl, uint32(300))
}

func TestHandleRequest_CacheTTLMonotonicallyShrinks(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "1.2.3.4", 300), nil
	}}

	f := newTestForwarder(t, up, Config{CacheSize: 100})
	req := newQuery("ttl.example.com", dns.TypeA)

	resp1, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	ttl1 := resp1.Answer[0].Header().Ttl

	// Without a fake clock, assert the invariant via a second immediate
	// read instead of sleeping in the test.
	resp2, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	ttl2 := resp2.Answer[0].Header().Ttl

	assert.LessOrEqual(t, ttl2, ttl1)
	assert.Equal(t, 1, up.calls)
}

func TestHandleRequest_AdblockBlockDefaultsToRefused(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		t.Fatal("upstream should not be consulted for a blocked domain")

		return nil, nil
	}}

	filters := newTestFilterSet(t, "blocked.example.com\n")
	f := newTestForwarder(t, up, Config{})
	f.filters = filters

	req := newQuery("blocked.example.com", dns.TypeA)
	resp, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestHandleRequest_HostsRuleDefaultAddress(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		t.Fatal("upstream should not be consulted for a hosts-blocked domain")

		return nil, nil
	}}

	filters := newTestFilterSet(t, "127.0.0.1 hosts.example.com\n")
	f := newTestForwarder(t, up, Config{})
	f.filters = filters

	req := newQuery("hosts.example.com", dns.TypeA)
	resp, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	// 127.0.0.1 is a null address for hosts-rule purposes: it maps to the
	// default "no route" answer, not the literal loopback address.
	assert.True(t, a.A.Equal(net.IPv4zero))
}

func TestHandleRequest_PTRQueryAgainstHostsRuleAnswersWithPTRRecord(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		t.Fatal("upstream should not be consulted for a hosts-rule PTR match")

		return nil, nil
	}}

	filters := newTestFilterSet(t, "10.20.30.40 blocked.example.com\n")
	f := newTestForwarder(t, up, Config{})
	f.filters = filters

	req := newQuery("40.30.20.10.in-addr.arpa.", dns.TypePTR)
	resp, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)

	ptr, ok := resp.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "blocked.example.com.", ptr.Ptr)
}

func TestHandleRequest_CacheHitTruncatesForCurrentRequestBufsize(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		resp := aAnswer(req, "1.2.3.4", 300)
		for i := 0; i < 200; i++ {
			resp.Answer = append(resp.Answer, &dns.TXT{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
				Txt: []string{"0123456789012345678901234567890123456789"},
			})
		}

		return resp, nil
	}}

	f := newTestForwarder(t, up, Config{CacheSize: 100})

	// Populate the cache via a TCP request, which is never truncated.
	bigReq := newQuery("many.example.com", dns.TypeA)
	full, err := f.HandleRequest(context.Background(), bigReq, nil, false)
	require.NoError(t, err)
	require.False(t, full.Truncated)
	require.Greater(t, len(full.Answer), 1)
	assert.Equal(t, 1, up.calls)

	// A second, differently-shaped UDP request with a small bufsize must
	// still be truncated on the cache hit, not served the cached
	// full-size answer unmodified.
	smallReq := newQuery("many.example.com", dns.TypeA)
	smallReq.SetEdns0(512, false)

	hit, err := f.HandleRequest(context.Background(), smallReq, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)
	assert.True(t, hit.Truncated)

	packed, err := hit.Pack()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(packed), 512)

	// The cache itself must still hold the untruncated answer: a later
	// large-bufsize request must not come back truncated from residue
	// left by the small request above.
	bigReq2 := newQuery("many.example.com", dns.TypeA)
	again, err := f.HandleRequest(context.Background(), bigReq2, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, up.calls)
	assert.False(t, again.Truncated)
	assert.Greater(t, len(again.Answer), 1)
}

func TestHandleRequest_BadfilterAnnulsBlockAndForwards(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "5.6.7.8", 60), nil
	}}

	filters := newTestFilterSet(t, "badfiltered.example.com\nbadfiltered.example.com$badfilter\n")
	f := newTestForwarder(t, up, Config{})
	f.filters = filters

	req := newQuery("badfiltered.example.com", dns.TypeA)
	resp, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, 1, up.calls)
}

func TestHandleRequest_RetransmissionGoesToFallback(t *testing.T) {
	primary := &fakeUpstream{addr: "primary:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "1.1.1.1", 60), nil
	}}
	fallback := &fakeUpstream{addr: "fallback:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "2.2.2.2", 60), nil
	}}

	f := newTestForwarder(t, primary, Config{
		Fallbacks:            []Upstream{fallback},
		RetransmissionWindow: time.Minute,
	})

	endpoint := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5000}
	req := newQuery("retransmit.example.com", dns.TypeA)
	req.Id = 42

	resp1, err := f.HandleRequest(context.Background(), req, endpoint, true)
	require.NoError(t, err)
	require.Len(t, resp1.Answer, 1)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, fallback.calls)

	// Same client, id, and question within the window: this must be
	// recognized as a retransmission and routed to the fallback pool.
	resp2, err := f.HandleRequest(context.Background(), req, endpoint, true)
	require.NoError(t, err)
	require.Len(t, resp2.Answer, 1)
	assert.Equal(t, 1, fallback.calls)

	ip := resp2.Answer[0].(*dns.A).A
	assert.True(t, ip.Equal(net.ParseIP("2.2.2.2")))
}

func TestHandleRequest_AllUpstreamsFailedReturnsServerFailure(t *testing.T) {
	up := &fakeUpstream{addr: "dead:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return nil, errUpstreamDown
	}}

	f := newTestForwarder(t, up, Config{})
	req := newQuery("fails.example.com", dns.TypeA)

	resp, err := f.HandleRequest(context.Background(), req, nil, false)
	require.NoError(t, err)
	assert.Equal(t, dns.RcodeServerFailure, resp.Rcode)
}

var errUpstreamDown = &net.DNSError{Err: "connection refused", IsTimeout: false}

func TestHandleRequest_CacheSizeOneEvictionSequence(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		return aAnswer(req, "1.2.3.4", 300), nil
	}}

	f := newTestForwarder(t, up, Config{CacheSize: 1})

	// Each step is a separate client request with its own id, so no step
	// is taken for a retransmission of an earlier one.
	names := []string{"google.com", "yandex.ru", "yandex.ru", "google.com"}
	queries := make([]*dns.Msg, len(names))
	for i, name := range names {
		queries[i] = newQuery(name, dns.TypeA)
		queries[i].Id = uint16(i + 1)
	}
	wantCacheHit := []bool{false, false, true, false}

	for i, req := range queries {
		before := up.calls

		_, err := f.HandleRequest(context.Background(), req, nil, false)
		require.NoError(t, err)

		gotHit := up.calls == before
		assert.Equal(t, wantCacheHit[i], gotHit, "query %d", i)
	}
}

func TestHandleRequest_EmptyQuestionIsRejected(t *testing.T) {
	up := &fakeUpstream{addr: "8.8.8.8:53", answer: func(req *dns.Msg) (*dns.Msg, error) {
		t.Fatal("upstream should not be consulted for a malformed request")

		return nil, nil
	}}

	f := newTestForwarder(t, up, Config{})

	_, err := f.HandleRequest(context.Background(), &dns.Msg{}, nil, false)
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}
