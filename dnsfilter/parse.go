package dnsfilter

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

const (
	maxDomainLength = 255
	maxLabelLength  = 63
	maxIPAddrLength = 45
)

// ParseLine classifies one logical rule-source line and produces a typed
// Rule, per §4.1. A nil Rule with a nil error means the line was a
// comment or blank and carries no rule.
func ParseLine(line string, filterID int32) (*Rule, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '!' || line[0] == '#' {
		return nil, nil
	}

	if isDomainName(line) {
		return &Rule{
			Text:          line,
			FilterID:      filterID,
			Kind:          KindAdblock,
			Method:        MatchExact,
			MatchingParts: []string{strings.ToLower(line)},
		}, nil
	}

	ip, hosts, err := splitHostsLine(line)
	if err != nil {
		return nil, err
	}

	if ip != nil {
		parts := make([]string, len(hosts))
		for i, h := range hosts {
			parts[i] = strings.ToLower(h)
		}

		return &Rule{
			Text:          line,
			FilterID:      filterID,
			Kind:          KindHosts,
			Method:        MatchSubdomains,
			MatchingParts: parts,
			IP:            ip,
		}, nil
	}

	return parseAdblockRule(line, filterID)
}

// splitHostsLine reports whether the line's first whitespace token is a
// literal IP address, in which case the remaining tokens (up to a "#"
// comment) are domain-like hostnames. A nil ip with a nil error means the
// line isn't hosts-shaped at all; a non-nil error means it is, but the IP
// field itself is malformed.
func splitHostsLine(line string) (ip net.IP, hosts []string, err error) {
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, nil, nil
	}

	if !validIPLiteralLength(fields[0]) {
		return nil, nil, fmt.Errorf("%w: ip literal longer than %d bytes", ErrInvalidSyntax, maxIPAddrLength)
	}

	ip = net.ParseIP(fields[0])
	if ip == nil {
		return nil, nil, nil
	}

	for _, h := range fields[1:] {
		if !isDomainName(h) {
			return nil, nil, nil
		}
	}

	return ip, fields[1:], nil
}

// isDomainName is a permissive domain-name syntax check: ASCII letters,
// digits, '-', '_' and '.' only, bounded label/overall lengths, at least one
// dot. It intentionally accepts more than strict RFC 1035 (e.g. leading
// digits in a label) since rule lists routinely contain such names.
func isDomainName(s string) bool {
	if s == "" || len(s) > maxDomainLength {
		return false
	}

	if net.ParseIP(s) != nil {
		return false
	}

	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}

	for _, l := range labels {
		if l == "" || len(l) > maxLabelLength {
			return false
		}

		for _, r := range l {
			ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
				(r >= '0' && r <= '9') || r == '-' || r == '_'
			if !ok {
				return false
			}
		}
	}

	return true
}

const (
	exceptionMarker = "@@"
)

func parseAdblockRule(line string, filterID int32) (*Rule, error) {
	text := line
	props := Properties(0)

	if strings.HasPrefix(line, exceptionMarker) {
		props |= PropException
		line = line[len(exceptionMarker):]
	}

	if len(line) >= 2 && line[0] == '/' && line[len(line)-1] == '/' {
		body := line[1 : len(line)-1]

		return finishRegexRule(text, filterID, props, body, nil)
	}

	pattern, modText := splitModifierSection(line)

	var dnsType *DNSTypeConstraint
	var dnsRewrite *DNSRewriteAction

	if modText != "" {
		mods, err := parseModifiers(modText)
		if err != nil {
			return nil, err
		}

		for _, m := range mods {
			switch m.name {
			case "important":
				if m.arg != "" {
					return nil, fmt.Errorf("%w: %s takes no argument", ErrBadModifierArg, m.name)
				}
				props |= PropImportant
			case "badfilter":
				if m.arg != "" {
					return nil, fmt.Errorf("%w: %s takes no argument", ErrBadModifierArg, m.name)
				}
				props |= PropBadfilter
			case "dnstype":
				dt, err := parseDNSTypeModifier(m.arg)
				if err != nil {
					return nil, err
				}
				dnsType = dt
				props |= PropDNSType
			case "dnsrewrite":
				dr, err := parseDNSRewriteModifier(m.arg)
				if err != nil {
					return nil, err
				}
				dnsRewrite = dr
				props |= PropDNSRewrite
			default:
				return nil, fmt.Errorf("%w: %s", ErrUnknownModifier, m.name)
			}
		}
	}

	if props.Has(PropBadfilter) {
		// A pure badfilter marker carries no pattern of its own.
		return &Rule{
			Text:     text,
			FilterID: filterID,
			Props:    props,
			Kind:     KindAdblock,
			Method:   MatchExact,
		}, nil
	}

	a := anchors{}

	if stripped, ok := stripSkippablePrefix(pattern); ok {
		pattern = stripped
		a.domainStart = true
	}

	switch {
	case strings.HasPrefix(pattern, "||"):
		a.domainStart = true
		pattern = pattern[2:]
	case strings.HasPrefix(pattern, "|"):
		a.lineStart = true
		pattern = pattern[1:]
	}

	if rest, hadPort, bracketed := stripPort(pattern); hadPort {
		pattern = rest
		a.lineEnd = true
		if bracketed {
			a.lineStart = true
		}
	}

	if rest, stripped := stripSpecialSuffixes(pattern); stripped {
		pattern = rest
		a.lineEnd = true
	}

	hasDNSType := props.Has(PropDNSType)
	hasDNSRewrite := props.Has(PropDNSRewrite)

	if isTooWideRule(pattern, hasDNSType, hasDNSRewrite) {
		return nil, fmt.Errorf("%w: %q", ErrTooWideRule, pattern)
	}

	rule := &Rule{
		Text:       text,
		FilterID:   filterID,
		Props:      props,
		Kind:       KindAdblock,
		DNSType:    dnsType,
		DNSRewrite: dnsRewrite,
	}

	switch {
	case a.lineStart && a.lineEnd:
		rule.Method = MatchExact
		rule.MatchingParts = []string{strings.ToLower(pattern)}
	case a.domainStart && a.lineEnd && !strings.Contains(pattern, "*"):
		rule.Method = MatchSubdomains
		rule.MatchingParts = []string{strings.ToLower(pattern)}
	case !a.domainStart && !a.lineStart && !a.lineEnd && strings.Contains(pattern, "*"):
		rule.Method = MatchShortcuts
		parts := strings.Split(pattern, "*")
		rule.MatchingParts = lowerNonEmpty(parts)
	default:
		re := synthesizeRegexp(pattern, a)
		compiled, err := compileRegexp(re)
		if err != nil {
			return nil, err
		}

		rule.Regexp = compiled
		shortcuts, hasQM := extractRegexShortcuts(pattern)
		if len(shortcuts) > 0 && !hasQM {
			rule.Method = MatchShortcutsAndRegex
			rule.MatchingParts = lowerNonEmpty(shortcuts)
		} else {
			rule.Method = MatchRegex
		}
	}

	return rule, nil
}

func finishRegexRule(text string, filterID int32, props Properties, body string, _ *DNSTypeConstraint) (*Rule, error) {
	compiled, err := compileRegexp(body)
	if err != nil {
		return nil, err
	}

	rule := &Rule{
		Text:     text,
		FilterID: filterID,
		Props:    props,
		Kind:     KindAdblock,
		Regexp:   compiled,
	}

	shortcuts, hasQM := extractRegexShortcuts(body)
	if len(shortcuts) > 0 && !hasQM {
		rule.Method = MatchShortcutsAndRegex
		rule.MatchingParts = lowerNonEmpty(shortcuts)
	} else {
		rule.Method = MatchRegex
	}

	return rule, nil
}

func lowerNonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, strings.ToLower(p))
	}

	return out
}

// lastUnescapedDollar finds the last "$" in s that is not preceded by a
// backslash, used to split pattern from the modifier section.
func lastUnescapedDollar(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '$' {
			continue
		}

		if i > 0 && s[i-1] == '\\' {
			continue
		}

		return i
	}

	return -1
}

func splitModifierSection(line string) (pattern, modifiers string) {
	idx := lastUnescapedDollar(line)
	if idx < 0 {
		return line, ""
	}

	return line[:idx], line[idx+1:]
}

// splitModifiers splits a comma-separated modifier list on unescaped
// commas.
func splitModifiers(s string) []string {
	if s == "" {
		return nil
	}

	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] != ',' {
			continue
		}

		if i > 0 && s[i-1] == '\\' {
			continue
		}

		out = append(out, s[start:i])
		start = i + 1
	}

	out = append(out, s[start:])

	return out
}

func joinModifiers(mods []string) string {
	return strings.Join(mods, ",")
}

type modifier struct {
	name string
	arg  string
}

// parseModifiers parses a "$a,b=c,d" section into individual modifiers,
// rejecting duplicates.
func parseModifiers(s string) ([]modifier, error) {
	toks := splitModifiers(s)
	seen := make(map[string]bool, len(toks))
	out := make([]modifier, 0, len(toks))

	for _, t := range toks {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		name, arg, _ := strings.Cut(t, "=")
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModifier, name)
		}
		seen[name] = true

		out = append(out, modifier{name: name, arg: arg})
	}

	return out, nil
}

// parseDNSTypeModifier parses the "T|T2|~T3" argument of a dnstype
// modifier into a DNSTypeConstraint, rejecting a type appearing both
// enabled and excluded and a modifier with no types.
func parseDNSTypeModifier(arg string) (*DNSTypeConstraint, error) {
	if arg == "" {
		return nil, fmt.Errorf("%w: dnstype requires an argument", ErrBadModifierArg)
	}

	var enabled, excluded []uint16
	for _, tok := range strings.Split(arg, "|") {
		tok = strings.TrimSpace(tok)
		excl := strings.HasPrefix(tok, "~")
		if excl {
			tok = tok[1:]
		}

		t, ok := dns.StringToType[strings.ToUpper(tok)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown DNS type %q", ErrBadModifierArg, tok)
		}

		if excl {
			excluded = append(excluded, t)
		} else {
			enabled = append(enabled, t)
		}
	}

	for _, e := range enabled {
		for _, x := range excluded {
			if e == x {
				return nil, fmt.Errorf("%w: type both enabled and excluded", ErrBadModifierArg)
			}
		}
	}

	if len(enabled) == 0 && len(excluded) == 0 {
		return nil, fmt.Errorf("%w: dnstype requires at least one type", ErrBadModifierArg)
	}

	if len(excluded) > 0 {
		return &DNSTypeConstraint{Types: excluded, Mode: DNSTypeExclude}, nil
	}

	return &DNSTypeConstraint{Types: enabled, Mode: DNSTypeEnable}, nil
}

// parseDNSRewriteModifier parses either a bare value or the
// "RCODE;RRTYPE;value" three-part form.
func parseDNSRewriteModifier(arg string) (*DNSRewriteAction, error) {
	if arg == "" {
		return nil, fmt.Errorf("%w: dnsrewrite requires an argument", ErrBadModifierArg)
	}

	parts := strings.Split(arg, ";")
	switch len(parts) {
	case 1:
		return inferDNSRewrite(parts[0])
	case 3:
		rcode, ok := dns.StringToRcode[strings.ToUpper(parts[0])]
		if !ok {
			return nil, fmt.Errorf("%w: unknown RCODE %q", ErrBadModifierArg, parts[0])
		}

		rrType, ok := dns.StringToType[strings.ToUpper(parts[1])]
		if !ok {
			return nil, fmt.Errorf("%w: unknown RR type %q", ErrBadModifierArg, parts[1])
		}

		return &DNSRewriteAction{RCode: rcode, RRType: rrType, Value: parts[2]}, nil
	default:
		return nil, fmt.Errorf("%w: dnsrewrite has 1 or 3 fields", ErrBadModifierArg)
	}
}

func inferDNSRewrite(value string) (*DNSRewriteAction, error) {
	if ip := net.ParseIP(value); ip != nil {
		if ip.To4() != nil {
			return &DNSRewriteAction{RCode: dns.RcodeSuccess, RRType: dns.TypeA, Value: value}, nil
		}

		return &DNSRewriteAction{RCode: dns.RcodeSuccess, RRType: dns.TypeAAAA, Value: value}, nil
	}

	return &DNSRewriteAction{RCode: dns.RcodeSuccess, RRType: dns.TypeCNAME, Value: value}, nil
}

// validIPLiteralLength bounds a hosts-rule IP literal to MAX_IPADDR_LENGTH
// from the original source.
func validIPLiteralLength(s string) bool {
	return len(s) <= maxIPAddrLength
}
