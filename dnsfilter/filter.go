package dnsfilter

import (
	"sync"
	"time"
)

// FilterParams configures one filter list, mirroring the FilterParams
// boundary type from §6: {id, data, in_memory}.
type FilterParams struct {
	ID       int32
	Data     string
	InMemory bool
}

// Filter is one loaded, indexed rule list: a Source plus the Index built
// from it and the mtime recorded at load time. Reads never block on
// Load; once built, a Filter's Index is swapped in by reload under a
// mutex, so lookups always see either the old or the new index, never a
// partially-built one.
type Filter struct {
	params FilterParams
	src    Source
	budget *Budget

	mu        sync.RWMutex
	idx       *Index
	loadedMTime time.Time
	warning   error
}

// NewFilter builds and loads a Filter from params under budget.
func NewFilter(params FilterParams, budget *Budget) (*Filter, error) {
	var src Source
	var err error

	if params.InMemory {
		src = NewMemSource(params.Data)
	} else {
		src, err = OpenFileSource(params.Data)
		if err != nil {
			return nil, err
		}
	}

	f := &Filter{params: params, src: src, budget: budget}
	if err := f.reload(); err != nil && err != ErrMemLimitReached {
		return nil, err
	} else if err == ErrMemLimitReached {
		f.warning = err
	}

	return f, nil
}

func (f *Filter) reload() error {
	idx := NewIndex()
	err := idx.Load(f.src, f.params.ID, f.budget)

	mtime, _ := f.src.ModTime()

	f.mu.Lock()
	f.idx = idx
	f.loadedMTime = mtime
	f.mu.Unlock()

	return err
}

// Warning returns the non-fatal warning from the most recent load, if
// any (e.g. ErrMemLimitReached).
func (f *Filter) Warning() error { return f.warning }

// ID returns the filter's configured id.
func (f *Filter) ID() int32 { return f.params.ID }

// Outdated reports whether the backing file's current mtime differs
// from the one recorded at load time. An in-memory filter is never
// outdated.
func (f *Filter) Outdated() bool {
	if f.params.InMemory {
		return false
	}

	cur, err := f.src.ModTime()
	if err != nil {
		return false
	}

	f.mu.RLock()
	loaded := f.loadedMTime
	f.mu.RUnlock()

	return !cur.Equal(loaded)
}

// Match runs C2+C3 against ctx, appending matched rules to
// ctx.MatchedRules. It returns ErrFilterOutdated (without modifying ctx)
// if the filter is outdated — the caller should skip this filter and let
// the update coordinator rebuild it.
func (f *Filter) Match(ctx *MatchContext) error {
	if f.Outdated() {
		return ErrFilterOutdated
	}

	f.mu.RLock()
	idx := f.idx
	src := f.src
	filterID := f.params.ID
	f.mu.RUnlock()

	return Lookup(idx, ctx, func(offset int64) (*Rule, error) {
		line, err := src.ReadLineAt(offset)
		if err != nil {
			return nil, err
		}

		return ParseLine(line, filterID)
	})
}

// Rebuild discards the current Index, releases its accounted memory back
// to the budget, and reloads from src. Used by the update coordinator
// (C8) on detecting an mtime change.
func (f *Filter) Rebuild() error {
	f.mu.RLock()
	oldMem := int64(0)
	if f.idx != nil {
		oldMem = f.idx.ApproxMem()
	}
	f.mu.RUnlock()

	if f.budget != nil && oldMem > 0 {
		f.budget.Release(oldMem)
	}

	err := f.reload()
	if err == ErrMemLimitReached {
		f.warning = err

		return err
	}

	f.warning = nil

	return err
}

// Close releases any file handle held by the filter's Source.
func (f *Filter) Close() error {
	if c, ok := f.src.(*fileSource); ok {
		return c.Close()
	}

	return nil
}
