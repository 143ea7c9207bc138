package dnsfilter

import "hash/fnv"

// shortcutLength is SHORTCUT_LENGTH from the original source: the fixed
// prefix length used as a shortcuts-table key.
const shortcutLength = 5

// hash32 is the 32-bit hash used to key unique_domains/domains/shortcuts/
// badfilter. FNV-1a is used rather than a bespoke hash since it is
// collision-adequate for this purpose and has a stdlib implementation.
func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))

	return h.Sum32()
}

// shortcutKey returns the hash of the first shortcutLength bytes of s.
// Callers must ensure len(s) >= shortcutLength.
func shortcutKey(s string) uint32 {
	return hash32(s[:shortcutLength])
}

// firstLongPart returns the first matching part of length >= shortcutLength
// and true, or ("", false) if none qualifies.
func firstLongPart(parts []string) (string, bool) {
	for _, p := range parts {
		if len(p) >= shortcutLength {
			return p, true
		}
	}

	return "", false
}

// badfilterKey computes the hash key for a badfilter rule: the hash of
// the rule text with the "badfilter" token removed and any orphan ","/"$"
// cleaned up, per get_text_without_badfilter in the original source.
func badfilterKey(ruleText string) uint32 {
	return hash32(textWithoutBadfilter(ruleText))
}

func textWithoutBadfilter(ruleText string) string {
	idx := lastUnescapedDollar(ruleText)
	if idx < 0 {
		return ruleText
	}

	pattern := ruleText[:idx]
	mods := ruleText[idx+1:]

	out := make([]string, 0, 4)
	for _, m := range splitModifiers(mods) {
		if m == "badfilter" {
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 {
		return pattern
	}

	return pattern + "$" + joinModifiers(out)
}
