package dnsforward

import "github.com/AdguardTeam/golibs/errors"

var (
	// ErrNoUpstreams is returned by NewForwarder when no upstream was configured.
	ErrNoUpstreams = errors.Error("no upstreams configured")

	// ErrInvalidBlockingIP is returned by NewForwarder when a configured custom
	// blocking address doesn't parse as the address family it claims.
	ErrInvalidBlockingIP = errors.Error("invalid custom blocking ip address")

	// ErrEmptyQuestion is returned when a DNS message carries no question
	// section; such messages are dropped rather than processed.
	ErrEmptyQuestion = errors.Error("dns message has no question section")

	// ErrAllUpstreamsFailed is returned when every primary and fallback
	// exchange attempt for a query errored or timed out.
	ErrAllUpstreamsFailed = errors.Error("all upstreams failed")
)
