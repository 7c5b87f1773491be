// File: reflector/counters.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reflector

import "sync/atomic"

// Counters are cumulative totals since the forwarder was created.
type Counters struct {
	Forwarded     uint64 // accepted by egress
	Dropped       uint64 // rejected by egress and released
	Received      uint64 // delivered by ingress
	Bursts        uint64 // non-empty polls
	EmptyPolls    uint64
	Retries       uint64 // extra TX submissions in retry mode
	ReleaseErrors uint64 // rejected buffers the pool refused back
}

// published mirrors Counters for lock-free readers. The loop is the only
// writer and stores whole values.
type published struct {
	forwarded     atomic.Uint64
	dropped       atomic.Uint64
	received      atomic.Uint64
	bursts        atomic.Uint64
	emptyPolls    atomic.Uint64
	retries       atomic.Uint64
	releaseErrors atomic.Uint64
}

func (p *published) store(c *Counters) {
	p.forwarded.Store(c.Forwarded)
	p.dropped.Store(c.Dropped)
	p.received.Store(c.Received)
	p.bursts.Store(c.Bursts)
	p.emptyPolls.Store(c.EmptyPolls)
	p.retries.Store(c.Retries)
	p.releaseErrors.Store(c.ReleaseErrors)
}

func (p *published) load() Counters {
	return Counters{
		Forwarded:     p.forwarded.Load(),
		Dropped:       p.dropped.Load(),
		Received:      p.received.Load(),
		Bursts:        p.bursts.Load(),
		EmptyPolls:    p.emptyPolls.Load(),
		Retries:       p.retries.Load(),
		ReleaseErrors: p.releaseErrors.Load(),
	}
}
