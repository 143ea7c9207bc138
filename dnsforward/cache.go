package dnsforward

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/bluele/gcache"
	"github.com/miekg/dns"
)

// cacheItem is what responseCache stores per key: the upstream's raw answer
// plus the bookkeeping needed to recompute per-record TTLs on every Get.
type cacheItem struct {
	msg        *dns.Msg
	upstreamID string
	when       time.Time
	ttl        uint32
}

// responseCache is C4: a bounded LRU keyed by the normalized question, with
// minimum-TTL bookkeeping and optimistic-serve layered on top of gcache,
// which is itself TTL-agnostic. Capacity and eviction are gcache's job;
// responseCache only owns the key shape and the TTL arithmetic.
type responseCache struct {
	mu         sync.RWMutex
	lru        gcache.Cache
	optimistic bool
}

// newResponseCache builds a responseCache of the given capacity. size <= 0
// disables caching; Get always misses and Set is a no-op.
func newResponseCache(size int, optimistic bool) *responseCache {
	if size <= 0 {
		return nil
	}

	return &responseCache{
		lru:        gcache.New(size).LRU().Build(),
		optimistic: optimistic,
	}
}

// cacheKey builds the key described in §3: qtype, qclass, the (CD, DO) pair,
// and the lowercased question name, binary little-endian in sequence as the
// teacher's own cache.go does for the qtype/qclass prefix.
func cacheKey(m *dns.Msg) (key string, ok bool) {
	if len(m.Question) != 1 {
		return "", false
	}

	q := m.Question[0]

	var cd, do byte
	if m.CheckingDisabled {
		cd = 1
	}
	if opt := m.IsEdns0(); opt != nil && opt.Do() {
		do = 1
	}

	b := make([]byte, 2)
	var bb strings.Builder
	binary.LittleEndian.PutUint16(b, q.Qtype)
	bb.Write(b)
	binary.LittleEndian.PutUint16(b, q.Qclass)
	bb.Write(b)
	bb.WriteByte(cd)
	bb.WriteByte(do)
	bb.WriteString(strings.ToLower(q.Name))

	return bb.String(), true
}

// findLowestTTL returns the minimum TTL across answer, authority, and extra
// (excluding OPT, which repurposes the TTL field) records, or 0 if none was
// found.
func findLowestTTL(m *dns.Msg) uint32 {
	var ttl uint32 = math.MaxUint32
	found := false

	for _, r := range m.Answer {
		if r.Header().Ttl < ttl {
			ttl, found = r.Header().Ttl, true
		}
	}

	for _, r := range m.Ns {
		if r.Header().Ttl < ttl {
			ttl, found = r.Header().Ttl, true
		}
	}

	for _, r := range m.Extra {
		if r.Header().Rrtype == dns.TypeOPT {
			continue
		}

		if r.Header().Ttl < ttl {
			ttl, found = r.Header().Ttl, true
		}
	}

	if !found {
		return 0
	}

	return ttl
}

func isRequestCacheable(m *dns.Msg) bool {
	if m.Truncated {
		return false
	}

	if len(m.Question) != 1 {
		return false
	}

	switch m.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
		return true
	default:
		return false
	}
}

func isResponseCacheable(m *dns.Msg) bool {
	return findLowestTTL(m) > 0
}

// Get looks up req's key. ok is false on a flat miss. expired is true when
// the entry is being served past its TTL under optimistic-serve, in which
// case the returned message's TTLs are clamped to 1 per §4.4.
func (c *responseCache) Get(req *dns.Msg) (resp *dns.Msg, upstreamID string, expired bool, ok bool) {
	if c == nil {
		return nil, "", false, false
	}

	key, keyOK := cacheKey(req)
	if !keyOK {
		return nil, "", false, false
	}

	c.mu.RLock()
	v, err := c.lru.Get(key)
	c.mu.RUnlock()
	if err != nil {
		return nil, "", false, false
	}

	item := v.(*cacheItem)
	elapsed := time.Since(item.when)
	ttlLeft := int64(item.ttl) - int64(math.Round(elapsed.Seconds()))

	if ttlLeft > 0 {
		return fromCacheItem(item, req, uint32(ttlLeft)), item.upstreamID, false, true
	}

	if !c.optimistic {
		c.mu.Lock()
		c.lru.Remove(key)
		c.mu.Unlock()

		return nil, "", false, false
	}

	return fromCacheItem(item, req, 1), item.upstreamID, true, true
}

// Set inserts resp under its own question's key, recording upstreamID as
// the id of whichever upstream actually produced it (§9 resolves the
// primary-vs-fallback question this way).
func (c *responseCache) Set(resp *dns.Msg, upstreamID string) {
	if c == nil || resp == nil {
		return
	}

	if !isRequestCacheable(resp) || !isResponseCacheable(resp) {
		return
	}

	key, ok := cacheKey(resp)
	if !ok {
		return
	}

	// Store a copy: the caller still mutates resp in place afterwards
	// (DNSSEC stripping, UDP truncation) for the current request's own
	// transport, and that must never leak into what later lookups see.
	item := &cacheItem{
		msg:        resp.Copy(),
		upstreamID: upstreamID,
		when:       time.Now(),
		ttl:        findLowestTTL(resp),
	}

	c.mu.Lock()
	err := c.lru.Set(key, item)
	c.mu.Unlock()
	if err != nil {
		log.Debug("dnsforward: caching response: %s", err)
	}
}

// fromCacheItem rebuilds a reply to request out of the cached message,
// rewriting every record's TTL to ttl.
func fromCacheItem(item *cacheItem, request *dns.Msg, ttl uint32) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetReply(request)

	resp.Authoritative = false
	resp.AuthenticatedData = item.msg.AuthenticatedData
	resp.RecursionAvailable = item.msg.RecursionAvailable
	resp.Rcode = item.msg.Rcode

	for _, r := range item.msg.Answer {
		a := dns.Copy(r)
		a.Header().Ttl = ttl
		resp.Answer = append(resp.Answer, a)
	}

	for _, r := range item.msg.Ns {
		a := dns.Copy(r)
		a.Header().Ttl = ttl
		resp.Ns = append(resp.Ns, a)
	}

	for _, r := range item.msg.Extra {
		if r.Header().Rrtype == dns.TypeOPT {
			continue
		}

		a := dns.Copy(r)
		a.Header().Ttl = ttl
		resp.Extra = append(resp.Extra, a)
	}

	return resp
}
