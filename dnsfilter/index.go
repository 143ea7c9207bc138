package dnsfilter

import (
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/log"
)

// leftoverEntry is a rule indexable by neither a short domain nor a
// 5-byte shortcut: it carries its extracted shortcuts (possibly none)
// and/or a compiled regex, scanned linearly at lookup time.
type leftoverEntry struct {
	shortcuts []string
	regexp    *compiledRegexp
	offset    int64
}

// Index is C2: the multi-table rule container for one loaded filter
// list. Once Load returns, an Index is read-only; concurrent readers
// never synchronize (§5).
type Index struct {
	uniqueDomains map[uint32]int64
	domains       map[uint32][]int64
	shortcuts     map[uint32][]int64
	leftovers     []leftoverEntry
	badfilter     map[uint32]int64

	// byAddr indexes hosts-style rules by their literal IP, the reverse
	// direction of domains/uniqueDomains, so a PTR query's address can find
	// the hosts rule that names it without scanning every rule.
	byAddr map[netip.Addr][]int64

	approxMem int64
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{
		uniqueDomains: make(map[uint32]int64),
		domains:       make(map[uint32][]int64),
		shortcuts:     make(map[uint32][]int64),
		badfilter:     make(map[uint32]int64),
		byAddr:        make(map[netip.Addr][]int64),
	}
}

// ruleCounts is the first-pass tally used to pre-size the tables before
// the second insertion pass.
type ruleCounts struct {
	simpleDomainRules int
	shortcutRules     int
	leftoverRules     int
	badfilterRules    int
}

// Load performs the two-pass load described in §4.2: a counting pass
// over src, then an insertion pass that respects budget. It returns
// ErrMemLimitReached (non-nil, but the Index remains usable) if the
// budget was exhausted partway through.
func (idx *Index) Load(src Source, filterID int32, budget *Budget) error {
	var counts ruleCounts

	err := src.ForEachLine(func(_ int64, line string) error {
		rule, perr := ParseLine(line, filterID)
		if perr != nil {
			log.Debug("dnsfilter: dropping unparsable rule %q: %s", line, perr)

			return nil
		}
		if rule == nil {
			return nil
		}

		tallyRule(&counts, rule)

		return nil
	})
	if err != nil {
		return err
	}

	idx.presize(counts)

	budgetHit := false

	err = src.ForEachLine(func(off int64, line string) error {
		if budgetHit {
			return nil
		}

		rule, perr := ParseLine(line, filterID)
		if perr != nil {
			return nil
		}
		if rule == nil {
			return nil
		}

		cost := approxRuleCost(rule.Text, rule.Regexp != nil)
		if budget != nil && !budget.TryReserve(cost) {
			budgetHit = true
			log.Info("dnsfilter: memory limit reached loading filter %d", filterID)

			return nil
		}

		idx.approxMem += cost
		idx.insert(rule, off)

		return nil
	})
	if err != nil {
		return err
	}

	if budgetHit {
		return ErrMemLimitReached
	}

	return nil
}

func tallyRule(c *ruleCounts, r *Rule) {
	switch {
	case r.Props.Has(PropBadfilter):
		c.badfilterRules++
	case r.Kind == KindHosts, r.Method == MatchExact, r.Method == MatchSubdomains:
		c.simpleDomainRules++
	case r.Method == MatchShortcuts, r.Method == MatchShortcutsAndRegex:
		if _, ok := firstLongPart(r.MatchingParts); ok {
			c.shortcutRules++
		} else {
			c.leftoverRules++
		}
	default:
		c.leftoverRules++
	}
}

func (idx *Index) presize(c ruleCounts) {
	idx.uniqueDomains = make(map[uint32]int64, c.simpleDomainRules)
	idx.domains = make(map[uint32][]int64, c.simpleDomainRules/4+1)
	idx.shortcuts = make(map[uint32][]int64, c.shortcutRules)
	idx.leftovers = make([]leftoverEntry, 0, c.leftoverRules)
	idx.badfilter = make(map[uint32]int64, c.badfilterRules)
}

// insert places one parsed rule at byte offset off into the appropriate
// table, per §4.2's second-pass rules.
func (idx *Index) insert(r *Rule, off int64) {
	if r.Props.Has(PropBadfilter) {
		idx.badfilter[badfilterKey(r.Text)] = off

		return
	}

	if r.Kind == KindHosts {
		if addr, ok := netip.AddrFromSlice(r.IP); ok {
			addr = addr.Unmap()
			idx.byAddr[addr] = append(idx.byAddr[addr], off)
		}
	}

	switch r.Method {
	case MatchExact, MatchSubdomains:
		for _, part := range r.MatchingParts {
			idx.putHash(hash32(part), off)
		}
	case MatchShortcuts, MatchShortcutsAndRegex:
		if part, ok := firstLongPart(r.MatchingParts); ok {
			key := shortcutKey(part)
			idx.shortcuts[key] = append(idx.shortcuts[key], off)

			return
		}

		idx.leftovers = append(idx.leftovers, leftoverEntry{
			shortcuts: r.MatchingParts,
			regexp:    r.Regexp,
			offset:    off,
		})
	default: // MatchRegex, or any fallthrough
		idx.leftovers = append(idx.leftovers, leftoverEntry{
			shortcuts: r.MatchingParts,
			regexp:    r.Regexp,
			offset:    off,
		})
	}
}

// putHash implements the unique_domains→domains promotion algorithm
// from put_hash_into_tables: first insertion goes to uniqueDomains; a
// second insertion for the same key moves the stored offset into
// domains alongside the new one and deletes the uniqueDomains entry.
func (idx *Index) putHash(key uint32, off int64) {
	if existing, ok := idx.domains[key]; ok {
		idx.domains[key] = append(existing, off)

		return
	}

	if first, ok := idx.uniqueDomains[key]; ok {
		idx.domains[key] = []int64{first, off}
		delete(idx.uniqueDomains, key)

		return
	}

	idx.uniqueDomains[key] = off
}

// Candidates streams the byte offsets of rules that might match ctx,
// visiting lookup sources in the exact order specified by §4.2: domains
// (unique then promoted), shortcuts, leftovers. Badfilter probing is a
// separate step (BadfilterOffset) performed by the matcher after the
// matched-rules accumulator is populated, since it depends on which
// rules actually matched.
func (idx *Index) Candidates(ctx *MatchContext, yield func(offset int64) bool) {
	for _, suffix := range ctx.Subdomains {
		key := hash32(suffix)

		if off, ok := idx.uniqueDomains[key]; ok {
			if !yield(off) {
				return
			}
		}

		for _, off := range idx.domains[key] {
			if !yield(off) {
				return
			}
		}
	}

	host := ctx.Host
	for i := 0; i+shortcutLength <= len(host); i++ {
		key := shortcutKey(host[i:])
		for _, off := range idx.shortcuts[key] {
			if !yield(off) {
				return
			}
		}
	}

	for _, le := range idx.leftovers {
		if !leftoverCandidateMatches(le, host) {
			continue
		}

		if !yield(le.offset) {
			return
		}
	}
}

// leftoverCandidateMatches is the cheap pre-filter applied before a
// leftover entry's offset is even handed to the matcher: it mirrors
// search_in_leftovers's own shortcut/regex gate so the matcher doesn't
// have to re-parse entries that plainly can't apply.
func leftoverCandidateMatches(le leftoverEntry, host string) bool {
	if len(le.shortcuts) > 0 && !shortcutsFoundInOrder(le.shortcuts, host) {
		return false
	}

	if le.regexp != nil && !le.regexp.MatchString(host) {
		return false
	}

	return true
}

// shortcutsFoundInOrder requires each shortcut to be found in host in
// order, each search starting where the previous one ended.
func shortcutsFoundInOrder(shortcuts []string, host string) bool {
	pos := 0
	for _, s := range shortcuts {
		idx := strings.Index(host[pos:], s)
		if idx < 0 {
			return false
		}

		pos += idx + len(s)
	}

	return true
}

// CandidatesByAddr streams the byte offsets of hosts-style rules whose
// literal IP equals addr, the reverse-lookup counterpart of Candidates used
// when ctx carries a PTR query's decoded address.
func (idx *Index) CandidatesByAddr(addr netip.Addr, yield func(offset int64) bool) {
	for _, off := range idx.byAddr[addr] {
		if !yield(off) {
			return
		}
	}
}

// BadfilterOffset looks up the badfilter table for an annulling entry
// whose key is the hash of ruleText-sans-badfilter, returning the
// offset and true on a hit.
func (idx *Index) BadfilterOffset(ruleText string) (int64, bool) {
	off, ok := idx.badfilter[badfilterKey(ruleText)]

	return off, ok
}

// ApproxMem returns the index's accounted memory cost, used by the
// update coordinator (C8) to release the budget on rebuild.
func (idx *Index) ApproxMem() int64 { return idx.approxMem }
