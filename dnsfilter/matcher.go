package dnsfilter

import (
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/netutil"
	"github.com/miekg/dns"
)

// MatchContext is C3's input: a normalized query plus the accumulator of
// rules matched so far.
type MatchContext struct {
	Host       string
	Subdomains []string
	RRType     uint16

	// reverseLookupAddr is the address decoded from a PTR query's
	// in-addr.arpa./ip6.arpa. name. Its zero value (an invalid
	// netip.Addr) means no address was decoded.
	reverseLookupAddr netip.Addr

	// ReverseLookupFQDN is set once a PTR query matches a hosts-style rule:
	// the forward name that rule pairs with the queried address, per §4.2.
	ReverseLookupFQDN string

	// seenRuleText de-duplicates MatchedRules by rule text in O(1) rather
	// than scanning the accumulator on every candidate.
	seenRuleText *container.MapSet[string]

	MatchedRules []*Rule
}

// NewMatchContext builds a MatchContext for host and rrType, computing
// the subdomain list (host plus every proper suffix above the TLD, in
// order) per the GLOSSARY definition. For a PTR query on a recognized
// in-addr.arpa./ip6.arpa. name, it also decodes the queried address so
// Lookup can probe the hosts-rule reverse index.
func NewMatchContext(host string, rrType uint16) *MatchContext {
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	ctx := &MatchContext{
		Host:         host,
		Subdomains:   subdomainsOf(host),
		RRType:       rrType,
		seenRuleText: container.NewMapSet[string](),
	}

	if rrType == dns.TypePTR {
		if addr, err := netutil.IPFromReversedAddr(host); err == nil {
			ctx.reverseLookupAddr = addr
		}
	}

	return ctx
}

// subdomainsOf returns host itself followed by every proper suffix down
// to (but excluding) the TLD: for "a.b.c.tld" that is
// ["a.b.c.tld", "b.c.tld", "c.tld"].
func subdomainsOf(host string) []string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return []string{host}
	}

	out := make([]string, 0, len(labels)-1)
	for i := 0; i < len(labels)-1; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}

	return out
}

// alreadyMatched reports whether a rule with this exact text has already
// been recorded in ctx.MatchedRules (the duplicate-suppression step of
// §4.2).
func alreadyMatched(ctx *MatchContext, text string) bool {
	return ctx.seenRuleText.Has(text)
}

// recordMatch appends rule to ctx.MatchedRules and its text to the
// dedup set in one step, so the two never drift apart.
func recordMatch(ctx *MatchContext, rule *Rule) {
	ctx.MatchedRules = append(ctx.MatchedRules, rule)
	ctx.seenRuleText.Add(rule.Text)
}

// EvaluateRule is C3: it checks rule's dnstype/dnsrewrite/badfilter/
// pattern conditions against ctx, per §4.3, without mutating ctx.
func EvaluateRule(rule *Rule, ctx *MatchContext) bool {
	if rule.Props.Has(PropDNSType) && rule.DNSType != nil {
		if !rule.DNSType.Allows(ctx.RRType) {
			return false
		}
	}

	if rule.Props.Has(PropDNSRewrite) && rule.DNSRewrite != nil {
		if !dnsRewriteCompatible(rule.DNSRewrite.RRType, ctx.RRType) {
			return false
		}
	}

	if rule.Props.Has(PropBadfilter) {
		return true
	}

	return matchPattern(rule, ctx)
}

func matchPattern(rule *Rule, ctx *MatchContext) bool {
	switch rule.Method {
	case MatchExact:
		for _, p := range rule.MatchingParts {
			if p == ctx.Host {
				return true
			}
		}

		return false
	case MatchSubdomains:
		for _, p := range rule.MatchingParts {
			for _, s := range ctx.Subdomains {
				if p == s {
					return true
				}
			}
			if p == ctx.Host {
				return true
			}
		}

		return false
	case MatchShortcuts:
		return shortcutsFoundInOrder(rule.MatchingParts, ctx.Host)
	case MatchShortcutsAndRegex:
		if !shortcutsFoundInOrder(rule.MatchingParts, ctx.Host) {
			return false
		}

		return rule.Regexp != nil && rule.Regexp.MatchString(ctx.Host)
	case MatchRegex:
		if rule.Regexp == nil {
			return false
		}

		for _, s := range ctx.Subdomains {
			if rule.Regexp.MatchString(s) {
				return true
			}
		}

		return rule.Regexp.MatchString(ctx.Host)
	default:
		return false
	}
}

// Lookup runs C2's candidate stream through C3's evaluation, appending
// every rule whose pattern actually matches to ctx.MatchedRules (after
// duplicate suppression and badfilter annulment). It returns the first
// error reparse reports, which stops the lookup, or nil. Callers
// supply reparse, a function that turns a byte offset back into a Rule,
// since only the caller (Filter) knows which Source and filter id to use.
func Lookup(idx *Index, ctx *MatchContext, reparse func(offset int64) (*Rule, error)) error {
	var firstErr error

	idx.Candidates(ctx, func(offset int64) bool {
		rule, err := reparse(offset)
		if err != nil {
			firstErr = err

			return false
		}
		if rule == nil || alreadyMatched(ctx, rule.Text) {
			return true
		}

		if EvaluateRule(rule, ctx) {
			recordMatch(ctx, rule)
		}

		return true
	})

	if firstErr == nil && ctx.RRType == dns.TypePTR && ctx.reverseLookupAddr.IsValid() {
		idx.CandidatesByAddr(ctx.reverseLookupAddr, func(offset int64) bool {
			rule, err := reparse(offset)
			if err != nil {
				firstErr = err

				return false
			}
			if rule == nil || alreadyMatched(ctx, rule.Text) {
				return true
			}

			// The address already matched; pattern matching doesn't apply
			// to a hosts rule probed this way, only the dnstype gate does.
			if rule.Props.Has(PropDNSType) && rule.DNSType != nil && !rule.DNSType.Allows(ctx.RRType) {
				return true
			}

			recordMatch(ctx, rule)
			if ctx.ReverseLookupFQDN == "" && len(rule.MatchingParts) > 0 {
				ctx.ReverseLookupFQDN = rule.MatchingParts[0]
			}

			return true
		})
	}

	if firstErr != nil {
		return firstErr
	}

	// Badfilter pass: for every rule already matched, probe the
	// badfilter table for an annulling entry (§4.2 step 4).
	annulled := make(map[int]bool)
	for i, r := range ctx.MatchedRules {
		if off, ok := idx.BadfilterOffset(r.Text); ok {
			_ = off
			annulled[i] = true
		}
	}

	if len(annulled) > 0 {
		kept := ctx.MatchedRules[:0]
		for i, r := range ctx.MatchedRules {
			if !annulled[i] {
				kept = append(kept, r)
			}
		}
		ctx.MatchedRules = kept
	}

	return nil
}

// ruleTier ranks a rule for effective-rule selection:
// IMPORTANT-exception(3) > IMPORTANT-block(2) > exception(1) > block(0).
func ruleTier(r *Rule) int {
	important := r.Props.Has(PropImportant)
	exception := r.Props.Has(PropException)

	switch {
	case important && exception:
		return 3
	case important:
		return 2
	case exception:
		return 1
	default:
		return 0
	}
}

// EffectiveRule selects the single highest-precedence rule from matched,
// per §4.3: highest tier wins; within a tier, the last-inserted rule
// shadows earlier ones. Badfilter-annulled rules must already have been
// removed by the caller (Lookup does this). Returns nil if matched is
// empty.
func EffectiveRule(matched []*Rule) *Rule {
	var best *Rule
	bestTier := -1

	for _, r := range matched {
		if r.Props.Has(PropBadfilter) {
			continue
		}

		t := ruleTier(r)
		if t >= bestTier {
			bestTier = t
			best = r
		}
	}

	return best
}

// IsBlock reports whether the effective rule (as returned by
// EffectiveRule) represents a block rather than a whitelist/exception.
func IsBlock(r *Rule) bool {
	if r == nil {
		return false
	}

	if r.Kind == KindHosts {
		return true
	}

	return !r.Props.Has(PropException)
}
