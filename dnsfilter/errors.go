package dnsfilter

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors returned by rule parsing and filter loading.
var (
	// ErrInvalidSyntax is returned when a hosts-shaped line (two or more
	// whitespace-separated fields) has a first field longer than any IP
	// literal can be. Other unparsable lines fail with the more specific
	// errors below.
	ErrInvalidSyntax = errors.Error("invalid rule syntax")

	// ErrDuplicateModifier is returned when the same modifier name appears
	// more than once in a rule's modifier list.
	ErrDuplicateModifier = errors.Error("duplicate modifier")

	// ErrUnknownModifier is returned for a modifier name not in the
	// recognized set.
	ErrUnknownModifier = errors.Error("unknown modifier")

	// ErrBadModifierArg is returned when a modifier's argument is missing,
	// empty, present where none is allowed, or malformed.
	ErrBadModifierArg = errors.Error("bad modifier argument")

	// ErrTooWideRule is returned when a pattern is too short or too
	// unspecific to be a usable rule.
	ErrTooWideRule = errors.Error("rule pattern is too wide")

	// ErrMemLimitReached is returned by Index.Load when the memory budget
	// would be exceeded by the next insertion. Loading stops but whatever
	// was inserted so far remains usable.
	ErrMemLimitReached = errors.Error("memory limit reached")

	// ErrFilterOutdated is returned by Filter.Match when the backing
	// file's mtime no longer matches the mtime recorded at load time.
	ErrFilterOutdated = errors.Error("filter is outdated")
)
