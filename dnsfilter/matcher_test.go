package dnsfilter

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveRule_Precedence(t *testing.T) {
	block := &Rule{Text: "block.com"}
	exception := &Rule{Text: "@@block.com", Props: PropException}
	importantBlock := &Rule{Text: "block.com$important", Props: PropImportant}
	importantException := &Rule{Text: "@@block.com$important", Props: PropException | PropImportant}

	assert.Equal(t, exception, EffectiveRule([]*Rule{block, exception}))
	assert.Equal(t, importantBlock, EffectiveRule([]*Rule{block, exception, importantBlock}))
	assert.Equal(t, importantException, EffectiveRule([]*Rule{block, exception, importantBlock, importantException}))
}

func TestEffectiveRule_LastInsertedShadowsWithinTier(t *testing.T) {
	first := &Rule{Text: "first.com"}
	second := &Rule{Text: "second.com"}

	assert.Same(t, second, EffectiveRule([]*Rule{first, second}))
}

func TestScenario_DNSTypeBlocksOnlyMatchingType(t *testing.T) {
	idx, src := loadIndex(t, "example.com$dnstype=A|AAAA\n")

	matched := matchOne(t, idx, src, "example.com", dns.TypeA)
	require.Len(t, matched, 1)
	assert.True(t, IsBlock(EffectiveRule(matched)))

	matched = matchOne(t, idx, src, "example.com", dns.TypeMX)
	assert.Empty(t, matched)
}

func TestScenario_DNSRewriteUnion(t *testing.T) {
	text := "example.com$dnsrewrite=1.2.3.4\n" +
		"example.com$dnsrewrite=NOERROR;A;100.200.200.100\n" +
		"example.com$dnsrewrite=NOERROR;MX;42 example.mail\n" +
		"@@example.com$dnsrewrite=1.2.3.4\n"

	idx, src := loadIndex(t, text)

	matched := matchOne(t, idx, src, "example.com", dns.TypeA)
	require.Len(t, matched, 4, "the MX dnsrewrite rule is reachable too: the A/AAAA/PTR/CNAME compatibility check in dnsRewriteCompatible only restricts those four target types, it does not reject other types for an unrelated qtype")

	var aRewrites, otherRewrites, exceptions int
	for _, r := range matched {
		if r.Props.Has(PropException) {
			exceptions++

			continue
		}

		switch r.DNSRewrite.RRType {
		case dns.TypeA:
			aRewrites++
		default:
			otherRewrites++
		}
	}

	assert.Equal(t, 2, aRewrites)
	assert.Equal(t, 1, otherRewrites)
	assert.Equal(t, 1, exceptions)
}

func TestHostsRule_DefaultAddress(t *testing.T) {
	r, err := ParseLine("127.0.0.1 hosts-style-loopback.com", 1)
	require.NoError(t, err)

	assert.True(t, IsBlock(r))
	assert.Equal(t, "127.0.0.1", r.IP.String())
}

func TestScenario_PTRQueryMatchesHostsRuleByAddress(t *testing.T) {
	idx, src := loadIndex(t, "10.20.30.40 blocked.example.com\n")

	matched := matchOne(t, idx, src, "40.30.20.10.in-addr.arpa.", dns.TypePTR)
	require.Len(t, matched, 1)
	assert.True(t, IsBlock(EffectiveRule(matched)))
}

func TestScenario_PTRQuerySetsReverseLookupFQDN(t *testing.T) {
	idx, src := loadIndex(t, "10.20.30.40 blocked.example.com\n")

	ctx := NewMatchContext("40.30.20.10.in-addr.arpa.", dns.TypePTR)
	err := Lookup(idx, ctx, func(off int64) (*Rule, error) {
		line, rerr := src.ReadLineAt(off)
		require.NoError(t, rerr)

		return ParseLine(line, 1)
	})
	require.NoError(t, err)

	assert.Equal(t, "blocked.example.com", ctx.ReverseLookupFQDN)
}

func TestScenario_PTRQueryWithoutMatchingHostsRuleStaysUnmatched(t *testing.T) {
	idx, src := loadIndex(t, "10.20.30.40 blocked.example.com\n")

	matched := matchOne(t, idx, src, "99.99.99.99.in-addr.arpa.", dns.TypePTR)
	assert.Empty(t, matched)
}
