package dnsforward

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/foxcross/dnsguardian/dnsfilter"
)

// resultCode is the result of one pipeline stage, the same three-value shape
// the teacher's own request-processing pipeline uses.
type resultCode int

const (
	// resultCodeSuccess means the stage ran and the next stage should run.
	resultCodeSuccess resultCode = iota
	// resultCodeFinish means processing is done; later stages are skipped
	// but the response (if any) is still finalized and reported.
	resultCodeFinish
	// resultCodeError means the stage failed fatally; dctx.err holds why.
	resultCodeError
)

// modProcessFunc is one stage of the C6 state machine.
type modProcessFunc func(dctx *dnsContext) resultCode

// dnsContext threads one request through the pipeline, carrying whatever
// state each stage contributed so later stages and the final event can read
// it without re-deriving it.
type dnsContext struct {
	ctx      context.Context
	req      *dns.Msg
	endpoint net.Addr
	udp      bool

	resp *dns.Msg
	err  error

	startTime time.Time

	isRetransmission     bool
	cacheHit             bool
	responseFromUpstream bool
	fromFallback         bool
	blocked              bool

	upstreamID string

	matchedRules  []*dnsfilter.Rule
	filterListIDs []int32
}

func normalizeHost(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
