package main

import (
	"context"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// plainUpstream is the default Upstream implementation the CLI wires up for
// a bare "host:port" address: a plain UDP/TCP exchange via miekg/dns's own
// Client, falling back to TCP on a truncated UDP reply. Anything requiring
// DoT/DoH/DoQ/DNSCrypt goes through a SocketFactory-backed implementation
// instead; dnsguardian's default wiring only needs the plain case.
type plainUpstream struct {
	addr   string
	client *dns.Client

	mu  sync.Mutex
	rtt time.Duration
}

func newPlainUpstream(addr string) *plainUpstream {
	return &plainUpstream{
		addr:   addr,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
	}
}

func (u *plainUpstream) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	resp, rtt, err := u.client.ExchangeContext(ctx, req, u.addr)
	if err != nil {
		return nil, err
	}

	u.mu.Lock()
	u.rtt = rtt
	u.mu.Unlock()

	if resp.Truncated {
		tcp := &dns.Client{Net: "tcp", Timeout: u.client.Timeout}

		resp, _, err = tcp.ExchangeContext(ctx, req, u.addr)
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

func (u *plainUpstream) Address() string { return u.addr }

func (u *plainUpstream) RTT() time.Duration {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.rtt
}
