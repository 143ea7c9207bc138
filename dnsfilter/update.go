package dnsfilter

import (
	"context"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// defaultUpdateInterval is the default polling cadence for the update
// coordinator: cheap to poll, expensive to rebuild, so tens of seconds
// rather than sub-second.
const defaultUpdateInterval = 30 * time.Second

// Set is a named collection of Filters searched together, e.g. the
// combined set of question-filtering lists or the fallback-domain list.
// It owns the filters' lifetime: Close tears all of them down.
type Set struct {
	mu      sync.RWMutex
	filters []*Filter
}

// NewSet builds a Set from already-loaded filters.
func NewSet(filters ...*Filter) *Set {
	return &Set{filters: filters}
}

// Match runs ctx against every filter in the set, in configuration
// order, accumulating matched rules into ctx.MatchedRules. An outdated
// filter is skipped (not fatal to the overall lookup); its id is
// returned for the caller to log.
func (s *Set) Match(ctx *MatchContext) (outdated []int32) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.filters {
		if err := f.Match(ctx); err != nil {
			if err == ErrFilterOutdated {
				outdated = append(outdated, f.ID())
			} else {
				log.Debug("dnsfilter: filter %d: %s", f.ID(), err)
			}
		}
	}

	return outdated
}

// Close releases every filter's Source.
func (s *Set) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.filters {
		_ = f.Close()
	}
}

// Coordinator is C8: it polls each filter in a Set on a fixed cadence
// and rebuilds any whose backing file has a new mtime.
type Coordinator struct {
	set      *Set
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator creates a Coordinator for set with the given poll
// interval; zero uses defaultUpdateInterval.
func NewCoordinator(set *Set, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = defaultUpdateInterval
	}

	return &Coordinator{set: set, interval: interval}
}

// Start runs the poll loop in a new goroutine until ctx is canceled or
// Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	t := time.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.pollOnce()
		}
	}
}

func (c *Coordinator) pollOnce() {
	c.set.mu.RLock()
	filters := make([]*Filter, len(c.set.filters))
	copy(filters, c.set.filters)
	c.set.mu.RUnlock()

	for _, f := range filters {
		if !f.Outdated() {
			continue
		}

		log.Info("dnsfilter: filter %d changed on disk, rebuilding", f.ID())

		if err := f.Rebuild(); err != nil {
			log.Info("dnsfilter: rebuilding filter %d: %s", f.ID(), err)
		}
	}
}

// Stop cancels the poll loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel == nil {
		return
	}

	c.cancel()
	<-c.done
}
