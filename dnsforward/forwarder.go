package dnsforward

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"github.com/foxcross/dnsguardian/dnsfilter"
)

// defaultFallbackDomains mirrors the teacher's published list of
// private-use and gateway suffixes that always bypass the primary upstream
// set: local-discovery names and VoWiFi EPDG domains that only resolve on a
// carrier or LAN network.
var defaultFallbackDomains = []string{
	"*.local",
	"mygateway",
	"*.epdg.epc.*.pub.3gppnetwork.org",
}

// Forwarder is C6: it orchestrates one request end-to-end across C2–C5 and
// the configured upstreams.
type Forwarder struct {
	conf Config

	filters *dnsfilter.Set
	cache   *responseCache
	retx    *retransmissionDetector
	dns64   *dns64Config

	primarySelector  UpstreamSelector
	fallbackSelector UpstreamSelector

	sf singleflight.Group
}

// NewForwarder validates conf and builds a Forwarder. It follows the §6
// Init contract: ok is false only on a fatal configuration error; a non-nil
// warning with ok=true is advisory (e.g. DNS64 misconfiguration falls back
// to disabled rather than refusing to start).
func NewForwarder(conf Config, filters *dnsfilter.Set) (f *Forwarder, ok bool, warning error) {
	if len(conf.Upstreams) == 0 {
		return nil, false, ErrNoUpstreams
	}

	if conf.CustomBlockingIPv4 != nil && conf.CustomBlockingIPv4.To4() == nil {
		return nil, false, fmt.Errorf("%w: %s is not ipv4", ErrInvalidBlockingIP, conf.CustomBlockingIPv4)
	}

	if ip := conf.CustomBlockingIPv6; ip != nil && (len(ip) != net.IPv6len || ip.To4() != nil) {
		return nil, false, fmt.Errorf("%w: %s is not ipv6", ErrInvalidBlockingIP, conf.CustomBlockingIPv6)
	}

	c := conf.withDefaults()

	f = &Forwarder{
		conf:             c,
		filters:          filters,
		cache:            newResponseCache(c.CacheSize, c.CacheOptimistic),
		retx:             newRetransmissionDetector(c.RetransmissionWindow, c.RetransmissionMaxKeys),
		primarySelector:  newSelector(c.UpstreamPolicy),
		fallbackSelector: newSelector(c.UpstreamPolicy),
	}

	if c.UseDNS64 {
		dns64, err := newDNS64Config(c.DNS64Prefixes, c.DNS64Exclude)
		if err != nil {
			return f, true, fmt.Errorf("dns64 disabled: %w", err)
		}

		f.dns64 = dns64
	}

	return f, true, nil
}

// HandleRequest runs req through the C6 pipeline and returns the response to
// write back to endpoint. udp indicates whether the response may need
// RFC 1035 truncation before being returned.
func (f *Forwarder) HandleRequest(ctx context.Context, req *dns.Msg, endpoint net.Addr, udp bool) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, ErrEmptyQuestion
	}

	dctx := &dnsContext{
		ctx:       ctx,
		req:       req,
		endpoint:  endpoint,
		udp:       udp,
		startTime: time.Now(),
	}

	mods := []modProcessFunc{
		f.processRetransmission,
		f.processCacheLookup,
		f.processQuestionFilter,
		f.processUpstream,
		f.processResponseFilter,
		f.processCacheInsert,
		f.processTransportFilter,
	}

loop:
	for _, mod := range mods {
		switch mod(dctx) {
		case resultCodeSuccess:
			continue
		case resultCodeFinish:
			break loop
		case resultCodeError:
			f.emit(dctx)

			return nil, dctx.err
		}
	}

	f.emit(dctx)

	return dctx.resp, nil
}

func (f *Forwarder) processRetransmission(dctx *dnsContext) resultCode {
	q := dctx.req.Question[0]

	if f.retx.Check(dctx.endpoint, dctx.req.Id, q.Qtype, q.Name) {
		dctx.isRetransmission = true
	}

	f.retx.Add(dctx.endpoint, dctx.req.Id, q.Qtype, q.Name)

	return resultCodeSuccess
}

func (f *Forwarder) processCacheLookup(dctx *dnsContext) resultCode {
	resp, upstreamID, expired, hit := f.cache.Get(dctx.req)
	if !hit {
		return resultCodeSuccess
	}

	dctx.resp = resp
	dctx.cacheHit = true
	dctx.upstreamID = upstreamID

	if expired {
		go f.refreshCache(dctx.req)
	}

	// Fall through to processTransportFilter so DNSSEC stripping and UDP
	// truncation are still applied against this request's own DO bit and
	// EDNS bufsize, rather than whatever they were when the entry was
	// cached.
	return resultCodeSuccess
}

// refreshCache re-resolves req in the background after an optimistic cache
// hit, so the next caller finds a fresh entry.
func (f *Forwarder) refreshCache(req *dns.Msg) {
	bgCtx, cancel := context.WithTimeout(context.Background(), f.conf.ClientTimeout)
	defer cancel()

	resp, upstreamID, _, err := f.resolve(&dnsContext{ctx: bgCtx, req: req})
	if err != nil {
		log.Debug("dnsforward: background cache refresh for %q: %s", req.Question[0].Name, err)

		return
	}

	f.cache.Set(resp, upstreamID)
}

func (f *Forwarder) processQuestionFilter(dctx *dnsContext) resultCode {
	if dctx.resp != nil {
		// Already answered from cache; the cached entry already reflects
		// whatever question-filter decision produced it.
		return resultCodeSuccess
	}

	if f.filters == nil {
		return resultCodeSuccess
	}

	q := dctx.req.Question[0]
	mctx := dnsfilter.NewMatchContext(normalizeHost(q.Name), q.Qtype)

	for _, id := range f.filters.Match(mctx) {
		log.Debug("dnsforward: filter %d outdated during question match", id)
	}

	if len(mctx.MatchedRules) == 0 {
		return resultCodeSuccess
	}

	dctx.matchedRules = append(dctx.matchedRules, mctx.MatchedRules...)
	dctx.filterListIDs = append(dctx.filterListIDs, filterIDsOf(mctx.MatchedRules)...)

	if resp := f.synthesizeDecision(dctx.req, mctx.MatchedRules, mctx.ReverseLookupFQDN); resp != nil {
		dctx.resp = resp
		dctx.blocked = true
	}

	return resultCodeSuccess
}

func (f *Forwarder) processUpstream(dctx *dnsContext) resultCode {
	if dctx.resp != nil {
		return resultCodeSuccess
	}

	key, hasKey := cacheKey(dctx.req)
	resolveOnce := func() (any, error) {
		resp, upstreamID, fromFallback, err := f.resolve(dctx)

		return resolveOutcome{resp: resp, upstreamID: upstreamID, fromFallback: fromFallback, err: err}, nil
	}

	var v any
	if hasKey {
		v, _, _ = f.sf.Do(key, resolveOnce)
	} else {
		v, _ = resolveOnce()
	}

	out := v.(resolveOutcome)
	if out.err != nil {
		dctx.err = out.err
		dctx.resp = genServerFailure(dctx.req)

		return resultCodeSuccess
	}

	dctx.resp = out.resp
	dctx.upstreamID = out.upstreamID
	dctx.fromFallback = out.fromFallback
	dctx.responseFromUpstream = true

	return resultCodeSuccess
}

// resolveOutcome carries a singleflight call's result so every waiter
// (not just the one goroutine that actually ran the exchange) sees which
// upstream answered.
type resolveOutcome struct {
	resp         *dns.Msg
	upstreamID   string
	fromFallback bool
	err          error
}

func (f *Forwarder) processResponseFilter(dctx *dnsContext) resultCode {
	if dctx.resp == nil || !dctx.responseFromUpstream {
		return resultCodeSuccess
	}

	if f.filters != nil {
		if resp := f.filterAnswerRecords(dctx); resp != nil {
			dctx.resp = resp
			dctx.blocked = true
			dctx.responseFromUpstream = false
		}
	}

	if dctx.responseFromUpstream {
		f.performDNS64(dctx)
	}

	return resultCodeSuccess
}

// processTransportFilter applies DNSSEC stripping and UDP truncation against
// this request's own DO bit and transport/bufsize. It runs after
// processCacheInsert so the cache always stores the pristine upstream
// answer: a response populated by one client's TCP or large-bufsize query
// must still come out correctly stripped and truncated for the next
// client's small-bufsize UDP query, cache hit or not.
func (f *Forwarder) processTransportFilter(dctx *dnsContext) resultCode {
	if dctx.resp == nil {
		return resultCodeSuccess
	}

	clientDO := false
	if opt := dctx.req.IsEdns0(); opt != nil {
		clientDO = opt.Do()
	}

	if !clientDO {
		stripDNSSEC(dctx.resp, dctx.req.Question[0].Qtype)
	}

	if dctx.udp {
		size := uint16(0)
		if opt := dctx.req.IsEdns0(); opt != nil {
			size = opt.UDPSize()
		}

		truncateForUDP(dctx.resp, size)
	}

	return resultCodeSuccess
}

// filterAnswerRecords re-runs C2+C3 over every CNAME target and A/AAAA
// literal in the answer section. It returns a synthesized blocked response
// if any of them resolves to a block, or nil if the answer passes through
// unchanged.
func (f *Forwarder) filterAnswerRecords(dctx *dnsContext) *dns.Msg {
	qtype := dctx.req.Question[0].Qtype

	for _, rr := range dctx.resp.Answer {
		var host string

		switch r := rr.(type) {
		case *dns.CNAME:
			host = normalizeHost(r.Target)
		case *dns.A:
			host = r.A.String()
		case *dns.AAAA:
			host = r.AAAA.String()
		default:
			continue
		}

		mctx := dnsfilter.NewMatchContext(host, qtype)
		for _, id := range f.filters.Match(mctx) {
			log.Debug("dnsforward: filter %d outdated during response match", id)
		}

		if len(mctx.MatchedRules) == 0 {
			continue
		}

		dctx.matchedRules = append(dctx.matchedRules, mctx.MatchedRules...)
		dctx.filterListIDs = append(dctx.filterListIDs, filterIDsOf(mctx.MatchedRules)...)

		if resp := f.synthesizeDecision(dctx.req, mctx.MatchedRules, mctx.ReverseLookupFQDN); resp != nil {
			return resp
		}
	}

	return nil
}

// performDNS64 tries the DNS64 AAAA synthesis sub-exchange described in
// §4.6/§4.7, replacing dctx.resp's answers in place on success.
func (f *Forwarder) performDNS64(dctx *dnsContext) {
	if f.dns64 == nil || !shouldSynthesize(dctx.req, dctx.resp, f.dns64) {
		return
	}

	log.Debug("dnsforward: received an empty AAAA response, checking dns64")

	aReq := &dns.Msg{}
	aReq.SetQuestion(dctx.req.Question[0].Name, dns.TypeA)
	aReq.RecursionDesired = dctx.req.RecursionDesired

	aResp, _, _, err := f.resolve(&dnsContext{ctx: dctx.ctx, req: aReq})
	if err != nil {
		log.Debug("dnsforward: dns64: resolving a query: %s", err)

		return
	}

	synthesized, ok := f.dns64.synthesize(aResp)
	if !ok {
		return
	}

	dctx.resp.Answer = synthesized
	log.Debug("dnsforward: synthesized dns64 response for %q", dctx.req.Question[0].Name)
}

func (f *Forwarder) processCacheInsert(dctx *dnsContext) resultCode {
	if !dctx.cacheHit && dctx.resp != nil {
		f.cache.Set(dctx.resp, dctx.upstreamID)
	}

	return resultCodeSuccess
}

// synthesizeDecision turns a set of matched rules into a response, giving
// dnsrewrite actions precedence over plain block/exception tiering per
// §4.7. ptrTarget is the forward hostname a PTR query's hosts-rule reverse
// lookup matched, from MatchContext.ReverseLookupFQDN; it is empty for
// every query that isn't a reverse lookup matched that way.
func (f *Forwarder) synthesizeDecision(req *dns.Msg, rules []*dnsfilter.Rule, ptrTarget string) *dns.Msg {
	if resp, ok := buildDNSRewriteResponse(req, rules); ok {
		return resp
	}

	eff := dnsfilter.EffectiveRule(rules)
	if eff == nil || !dnsfilter.IsBlock(eff) {
		return nil
	}

	mode := f.conf.AdblockBlockingMode

	var ruleIP net.IP
	if eff.Kind == dnsfilter.KindHosts {
		mode = f.conf.HostsBlockingMode
		ruleIP = eff.IP
	}

	return genBlockedResponse(req, mode, f.conf.CustomBlockingIPv4, f.conf.CustomBlockingIPv6, ruleIP, ptrTarget, f.conf.BlockedResponseTTL)
}

// resolve performs the upstream/fallback exchange for dctx.req, returning
// whichever upstream actually answered.
func (f *Forwarder) resolve(dctx *dnsContext) (resp *dns.Msg, upstreamID string, fromFallback bool, err error) {
	ctx, cancel := f.withDeadline(dctx.ctx)
	defer cancel()

	q := dctx.req.Question[0]
	tryFallbackFirst := dctx.isRetransmission || f.matchesFallbackDomain(q.Name)

	if !tryFallbackFirst {
		resp, upstreamID, err = tryPool(ctx, f.primarySelector.Select(f.conf.Upstreams), dctx.req)
		if err == nil {
			return resp, upstreamID, false, nil
		}

		log.Debug("dnsforward: primary upstreams failed for %q: %s", q.Name, err)
	}

	resp, upstreamID, err = tryPool(ctx, f.fallbackSelector.Select(f.conf.Fallbacks), dctx.req)
	if err == nil {
		return resp, upstreamID, true, nil
	}

	return nil, "", false, ErrAllUpstreamsFailed
}

func (f *Forwarder) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, f.conf.ClientTimeout)
}

// tryPool exchanges req with each upstream in pool in order, stopping at the
// first non-error, non-SERVFAIL reply.
func tryPool(ctx context.Context, pool []Upstream, req *dns.Msg) (*dns.Msg, string, error) {
	var lastErr error

	for _, u := range pool {
		resp, err := u.Exchange(ctx, req)
		if err != nil {
			lastErr = err

			continue
		}

		if resp.Rcode == dns.RcodeServerFailure {
			lastErr = fmt.Errorf("upstream %s: servfail", u.Address())

			continue
		}

		return resp, u.Address(), nil
	}

	if lastErr == nil {
		lastErr = ErrAllUpstreamsFailed
	}

	return nil, "", lastErr
}

func (f *Forwarder) matchesFallbackDomain(name string) bool {
	host := normalizeHost(name)

	for _, pattern := range f.conf.FallbackDomains {
		if matchesDomainGlob(pattern, host) {
			return true
		}
	}

	for _, pattern := range defaultFallbackDomains {
		if matchesDomainGlob(pattern, host) {
			return true
		}
	}

	return false
}

// matchesDomainGlob supports the small glob dialect fallback-domain
// patterns actually need: a single leading "*." wildcard, or an exact
// match. Neither the teacher nor the rest of the retrieved pack carries a
// general-purpose glob library, and the pattern set here is narrow enough
// that reaching for one would trade four lines of stdlib string matching
// for a whole dependency.
func matchesDomainGlob(pattern, host string) bool {
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == rest || strings.HasSuffix(host, "."+rest)
	}

	return host == pattern
}

func filterIDsOf(rules []*dnsfilter.Rule) []int32 {
	ids := make([]int32, 0, len(rules))
	for _, r := range rules {
		ids = append(ids, r.FilterID)
	}

	return ids
}

// emit reports the finished request via the configured hook, per the
// Event boundary in §6.
func (f *Forwarder) emit(dctx *dnsContext) {
	if f.conf.OnRequestProcessed == nil {
		return
	}

	q := dctx.req.Question[0]

	ev := Event{
		ID:               uuid.New(),
		Elapsed:          time.Since(dctx.startTime),
		Domain:           q.Name,
		Type:             dns.TypeToString[q.Qtype],
		UpstreamID:       dctx.upstreamID,
		Error:            dctx.err,
		CacheHit:         dctx.cacheHit,
		Whitelist:        isWhitelistDecision(dctx.matchedRules),
		IsRetransmission: dctx.isRetransmission,
		Blocked:          dctx.blocked,
		FromFallback:     dctx.fromFallback,
		FilterListIDs:    dctx.filterListIDs,
		Rules:            ruleTextsOf(dctx.matchedRules),
	}

	if dctx.resp != nil {
		ev.Status = dns.RcodeToString[dctx.resp.Rcode]
		ev.AnswerText = answerText(dctx.resp.Answer)
		ev.DNSSEC = dctx.resp.AuthenticatedData
	}

	f.conf.OnRequestProcessed(ev)
}

// answerText renders an answer section the way a RequestProcessed event
// needs it for display: one record per line, in their wire String form.
func answerText(rrs []dns.RR) string {
	var b strings.Builder
	for i, rr := range rrs {
		if i > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(rr.String())
	}

	return b.String()
}

func isWhitelistDecision(rules []*dnsfilter.Rule) bool {
	eff := dnsfilter.EffectiveRule(rules)

	return eff != nil && !dnsfilter.IsBlock(eff)
}

func ruleTextsOf(rules []*dnsfilter.Rule) []string {
	texts := make([]string, 0, len(rules))
	for _, r := range rules {
		texts = append(texts, r.Text)
	}

	return texts
}
