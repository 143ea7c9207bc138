package dnsfilter

import (
	"net"

	"github.com/miekg/dns"
)

// Properties is a bitset of rule flags drawn from a small fixed set.
type Properties uint8

const (
	// PropException marks a rule as an exception ("@@" prefix): it
	// whitelists rather than blocks.
	PropException Properties = 1 << iota
	// PropImportant marks a rule as high-precedence: it outranks any
	// ordinary rule of the opposite polarity.
	PropImportant
	// PropBadfilter marks a rule as an annuller: it has no pattern effect
	// of its own, it only cancels another rule with matching text.
	PropBadfilter
	// PropDNSType marks a rule as carrying a dnstype modifier.
	PropDNSType
	// PropDNSRewrite marks a rule as carrying a dnsrewrite modifier.
	PropDNSRewrite
)

// Has reports whether p contains all the bits in other.
func (p Properties) Has(other Properties) bool { return p&other == other }

// MatchMethod selects how a rule's matching parts are evaluated against a
// host.
type MatchMethod uint8

const (
	// MatchExact requires the host to equal one of the matching parts.
	MatchExact MatchMethod = iota
	// MatchSubdomains requires some matching part to equal some entry of
	// the query's subdomain list.
	MatchSubdomains
	// MatchShortcuts requires every matching part to be found in the host
	// in order.
	MatchShortcuts
	// MatchShortcutsAndRegex is MatchShortcuts followed by a regex test.
	MatchShortcutsAndRegex
	// MatchRegex requires some subdomain entry to match the compiled
	// regex.
	MatchRegex
)

// DNSTypeMode selects whether a dnstype modifier's type list is an allow
// list or a deny list.
type DNSTypeMode uint8

const (
	// DNSTypeEnable means rr_type must be one of Types.
	DNSTypeEnable DNSTypeMode = iota
	// DNSTypeExclude means rr_type must not be one of Types.
	DNSTypeExclude
)

// DNSTypeConstraint is the parsed form of a dnstype modifier.
type DNSTypeConstraint struct {
	Types []uint16
	Mode  DNSTypeMode
}

// Allows reports whether rrType satisfies the constraint.
func (c *DNSTypeConstraint) Allows(rrType uint16) bool {
	found := false
	for _, t := range c.Types {
		if t == rrType {
			found = true

			break
		}
	}

	if c.Mode == DNSTypeEnable {
		return found
	}

	return !found
}

// DNSRewriteAction is the parsed form of a dnsrewrite modifier.
type DNSRewriteAction struct {
	// RCode is the response code the synthesized answer should carry.
	RCode int
	// RRType is the record type of Value; when the modifier names no
	// type, it is inferred from Value's shape at parse time (A, AAAA or
	// CNAME). It is zero for an RCODE-only rewrite.
	RRType uint16
	// Value is the rewrite target: an IP literal, a domain name (CNAME),
	// or an opaque value for other record types.
	Value string
}

// dnsRewriteCompatible reports whether a dnsrewrite action with record type rrType
// (zero meaning "no specific type", e.g. for RCODE-only rewrites) is
// compatible with a query of type qtype, per the A/AAAA/PTR/CNAME
// compatibility rule in §4.3.
func dnsRewriteCompatible(rrType, qtype uint16) bool {
	if rrType == 0 {
		return true
	}

	switch rrType {
	case dns.TypeA:
		return qtype == dns.TypeA
	case dns.TypeAAAA:
		return qtype == dns.TypeAAAA
	case dns.TypePTR:
		return qtype == dns.TypePTR
	case dns.TypeCNAME:
		return qtype == dns.TypeA || qtype == dns.TypeAAAA
	default:
		return true
	}
}

// Kind distinguishes a rule's body variant.
type Kind uint8

const (
	// KindAdblock is an adblock-syntax rule.
	KindAdblock Kind = iota
	// KindHosts is a /etc/hosts-style rule.
	KindHosts
)

// Rule is the output of C1: a classified, typed rule line. The zero value
// is not meaningful; use ParseLine to build one.
type Rule struct {
	// Text is the original rule text, unmodified, used as the badfilter
	// hash key and for duplicate-suppression comparisons.
	Text string
	// FilterID is the numeric id of the filter list this rule belongs to,
	// assigned by the update coordinator (C8) at load time.
	FilterID int32
	Props    Properties
	Kind     Kind

	// Adblock-only fields.
	Method        MatchMethod
	MatchingParts []string
	DNSType       *DNSTypeConstraint
	DNSRewrite    *DNSRewriteAction
	Regexp        *compiledRegexp

	// Hosts-only fields.
	IP net.IP
}
