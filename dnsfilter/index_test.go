package dnsfilter

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadIndex(t *testing.T, text string) (*Index, Source) {
	t.Helper()

	src := NewMemSource(text)
	idx := NewIndex()
	err := idx.Load(src, 1, NewBudget(1<<30))
	require.NoError(t, err)

	return idx, src
}

func matchOne(t *testing.T, idx *Index, src Source, host string, rrType uint16) []*Rule {
	t.Helper()

	ctx := NewMatchContext(host, rrType)
	err := Lookup(idx, ctx, func(off int64) (*Rule, error) {
		line, err := src.ReadLineAt(off)
		require.NoError(t, err)

		return ParseLine(line, 1)
	})
	require.NoError(t, err)

	return ctx.MatchedRules
}

func TestIndex_UniqueDomainPromotion(t *testing.T) {
	idx, src := loadIndex(t, "one.com\ntwo.com\n")

	matched := matchOne(t, idx, src, "one.com", dns.TypeA)
	require.Len(t, matched, 1)
	assert.Equal(t, "one.com", matched[0].Text)

	// a second rule with the same hash-colliding domain text promotes to
	// the multi-entry table; re-declaring the identical domain under a
	// different filter line exercises the promotion path without
	// depending on a real hash collision.
	idx2, src2 := loadIndex(t, "dup.com\n||dup.com^\n")
	matched2 := matchOne(t, idx2, src2, "dup.com", dns.TypeA)
	assert.Len(t, matched2, 2)
}

func TestIndex_Subdomains(t *testing.T) {
	idx, src := loadIndex(t, "||example.com^\n")

	matched := matchOne(t, idx, src, "ads.example.com", dns.TypeA)
	require.Len(t, matched, 1)

	matched = matchOne(t, idx, src, "example.com", dns.TypeA)
	require.Len(t, matched, 1)

	matched = matchOne(t, idx, src, "notexample.com", dns.TypeA)
	assert.Empty(t, matched)
}

func TestIndex_Shortcuts(t *testing.T) {
	idx, src := loadIndex(t, "trackers*.adsystem.example\n")

	matched := matchOne(t, idx, src, "trackers1.adsystem.example", dns.TypeA)
	assert.Len(t, matched, 1)

	matched = matchOne(t, idx, src, "other.example", dns.TypeA)
	assert.Empty(t, matched)
}

func TestIndex_Badfilter(t *testing.T) {
	idx, src := loadIndex(t, "ads.example.com\nads.example.com$badfilter\n")

	ctx := NewMatchContext("ads.example.com", dns.TypeA)
	err := Lookup(idx, ctx, func(off int64) (*Rule, error) {
		line, err := src.ReadLineAt(off)
		require.NoError(t, err)

		return ParseLine(line, 1)
	})
	require.NoError(t, err)

	assert.Empty(t, ctx.MatchedRules, "badfilter must annul the matching block rule")
}

func TestIndex_CaseInsensitive(t *testing.T) {
	idx, src := loadIndex(t, "Example.COM\n")

	lower := matchOne(t, idx, src, "example.com", dns.TypeA)
	upper := matchOne(t, idx, src, "EXAMPLE.COM", dns.TypeA)

	assert.Equal(t, len(lower), len(upper))
	require.Len(t, lower, 1)
}

func TestIndex_MemLimitReached(t *testing.T) {
	src := NewMemSource("one.com\ntwo.com\nthree.com\n")
	idx := NewIndex()
	budget := NewBudget(1)

	err := idx.Load(src, 1, budget)
	assert.ErrorIs(t, err, ErrMemLimitReached)
}
