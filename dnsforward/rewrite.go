package dnsforward

import (
	"net"

	"github.com/miekg/dns"
)

// Synthesized SOA fields, grounded in the teacher's dnsforward/msg.go:genSOA
// and preserved exactly per §4.7 — their specific values don't matter
// operationally, only that negative-caching resolvers see a well-formed SOA.
const (
	soaRefresh uint32 = 1800
	soaRetry   uint32 = 900
	soaExpire  uint32 = 604800
	soaMinttl  uint32 = 86400
	soaNs             = "fake-for-negative-caching.adguard.com."
	soaSerial  uint32 = 100500
	soaMbox           = "hostmaster."
)

// dnssecTypes are stripped from a response when the client's query didn't
// set the DO bit, unless the question itself asked for one of them.
var dnssecTypes = map[uint16]bool{
	dns.TypeRRSIG:  true,
	dns.TypeNSEC:   true,
	dns.TypeNSEC3:  true,
	dns.TypeDNSKEY: true,
	dns.TypeDS:     true,
}

func makeReply(req *dns.Msg) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetReply(req)
	resp.RecursionAvailable = true
	resp.Compress = true

	return resp
}

func genSOA(req *dns.Msg, ttl uint32) []dns.RR {
	zone := ""
	if len(req.Question) > 0 {
		zone = req.Question[0].Name
	}

	if ttl == 0 {
		ttl = defaultBlockedResponseTTL
	}

	soa := &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   zone,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Ns:      soaNs,
		Mbox:    soaMbox,
		Serial:  soaSerial,
		Refresh: soaRefresh,
		Retry:   soaRetry,
		Expire:  soaExpire,
		Minttl:  soaMinttl,
	}

	if len(zone) > 0 && zone != "." {
		soa.Mbox += zone
	}

	return []dns.RR{soa}
}

// genServerFailure answers req with SERVFAIL, used when every upstream
// attempt for a query failed.
func genServerFailure(req *dns.Msg) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetRcode(req, dns.RcodeServerFailure)
	resp.RecursionAvailable = true

	return resp
}

func genRefused(req *dns.Msg) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetRcode(req, dns.RcodeRefused)
	resp.RecursionAvailable = true

	return resp
}

func genNXDomain(req *dns.Msg, ttl uint32) *dns.Msg {
	resp := &dns.Msg{}
	resp.SetRcode(req, dns.RcodeNameError)
	resp.RecursionAvailable = true
	resp.Ns = genSOA(req, ttl)

	return resp
}

func genNoErrorSOA(req *dns.Msg, ttl uint32) *dns.Msg {
	resp := makeReply(req)
	resp.Ns = genSOA(req, ttl)

	return resp
}

// genAnswerWithIP answers req with ip if ip matches the question's address
// family, else returns an empty NOERROR response.
func genAnswerWithIP(req *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	resp := makeReply(req)
	q := req.Question[0]

	switch q.Qtype {
	case dns.TypeA:
		if v4 := ip.To4(); v4 != nil {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   v4,
			})
		}
	case dns.TypeAAAA:
		if len(ip) == net.IPv6len && ip.To4() == nil {
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
				AAAA: ip,
			})
		}
	}

	return resp
}

// isNullAddress reports whether ip is one of the loopback/unspecified
// addresses that hosts rules use interchangeably as "no route here" — per
// §4.7 both map to the unspecified address for answer synthesis.
func isNullAddress(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsUnspecified()
}

// genPTRAnswer answers a PTR query with a single PTR record pointing at
// fqdn, the hostname a hosts rule matched by reverse address.
func genPTRAnswer(req *dns.Msg, fqdn string, ttl uint32) *dns.Msg {
	resp := makeReply(req)
	q := req.Question[0]

	resp.Answer = append(resp.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
		Ptr: dns.Fqdn(fqdn),
	})

	return resp
}

// genBlockedResponse synthesizes the response for a winning block decision,
// per the blocking-mode table in §4.7. ruleIP is non-nil only for a hosts
// rule carrying a specific address. ptrTarget is the forward hostname a
// hosts rule's reverse-address lookup matched, non-empty only for a PTR
// query that matched that way.
func genBlockedResponse(req *dns.Msg, mode BlockingMode, customV4, customV6, ruleIP net.IP, ptrTarget string, ttl uint32) *dns.Msg {
	q := req.Question[0]

	if q.Qtype == dns.TypePTR && ptrTarget != "" {
		return genPTRAnswer(req, ptrTarget, ttl)
	}

	if ruleIP != nil {
		v4 := ruleIP.To4()

		switch q.Qtype {
		case dns.TypeA:
			if v4 != nil {
				ip := v4
				if isNullAddress(ruleIP) {
					ip = net.IPv4zero
				}

				return genAnswerWithIP(req, ip, ttl)
			}
		case dns.TypeAAAA:
			if v4 == nil {
				ip := ruleIP
				if isNullAddress(ruleIP) {
					ip = net.IPv6unspecified
				}

				return genAnswerWithIP(req, ip, ttl)
			}
		}

		return genNoErrorSOA(req, ttl)
	}

	switch mode {
	case BlockingModeREFUSED:
		return genRefused(req)
	case BlockingModeNXDomain:
		return genNXDomain(req, ttl)
	default: // BlockingModeAddress
		switch q.Qtype {
		case dns.TypeA:
			ip := customV4
			if ip == nil {
				ip = net.IPv4zero
			}

			return genAnswerWithIP(req, ip, ttl)
		case dns.TypeAAAA:
			ip := customV6
			if ip == nil {
				ip = net.IPv6unspecified
			}

			return genAnswerWithIP(req, ip, ttl)
		default:
			return genNoErrorSOA(req, ttl)
		}
	}
}

// stripDNSSEC removes RRSIG/NSEC/NSEC3/DNSKEY/DS records from resp's answer
// and authority sections, unless qtype itself is one of them.
func stripDNSSEC(resp *dns.Msg, qtype uint16) {
	if dnssecTypes[qtype] {
		return
	}

	resp.Answer = filterDNSSECTypes(resp.Answer)
	resp.Ns = filterDNSSECTypes(resp.Ns)
}

func filterDNSSECTypes(rrs []dns.RR) []dns.RR {
	if len(rrs) == 0 {
		return rrs
	}

	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if dnssecTypes[rr.Header().Rrtype] {
			continue
		}

		out = append(out, rr)
	}

	return out
}

// truncateForUDP sets TC and drops trailing answers until resp's wire size
// fits within udpSize, per RFC 1035. udpSize 0 means the default 512-byte
// limit for a client that advertised no EDNS0 buffer size.
func truncateForUDP(resp *dns.Msg, udpSize uint16) {
	if udpSize == 0 {
		udpSize = dns.MinMsgSize
	}

	packed, err := resp.Pack()
	if err != nil || len(packed) <= int(udpSize) {
		return
	}

	resp.Truncated = true

	for len(resp.Answer) > 0 {
		resp.Answer = resp.Answer[:len(resp.Answer)-1]

		packed, err = resp.Pack()
		if err == nil && len(packed) <= int(udpSize) {
			return
		}
	}
}
