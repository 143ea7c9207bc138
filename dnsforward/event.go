package dnsforward

import (
	"time"

	"github.com/google/uuid"
)

// Event is the immutable record emitted once per processed query, observed
// by callers via an OnRequestProcessed hook rather than a channel.
type Event struct {
	ID         uuid.UUID
	Elapsed    time.Duration
	Domain     string
	Type       string
	Status     string
	AnswerText string
	Error      error
	UpstreamID string

	CacheHit         bool
	DNSSEC           bool
	Whitelist        bool
	IsRetransmission bool
	Blocked          bool
	FromFallback     bool

	FilterListIDs []int32
	Rules         []string
}

// EventHook is the callback convention an Event is delivered through.
type EventHook func(Event)
