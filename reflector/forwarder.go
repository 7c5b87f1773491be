// File: reflector/forwarder.go
// Package reflector implements the zero-copy burst forwarding loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each iteration polls a burst of buffers from ingress, submits them to egress
// in order and returns whatever egress refused to the originating pool. Buffer
// contents are never touched or copied.

package reflector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/pool"
)

const (
	// MaxBurstSize bounds Config.BurstSize.
	MaxBurstSize = 64
	// DefaultBurstSize is used when Config.BurstSize is zero.
	DefaultBurstSize = 32
)

// Config describes one forwarding path.
type Config struct {
	BurstSize int     // buffers polled per iteration, 1..MaxBurstSize
	Ingress   RxQueue // polled for received buffers
	Egress    TxQueue // receives every received buffer, in order
	// Retry is how many extra TX submissions a rejected suffix gets before
	// it is dropped. 0 drops immediately.
	Retry int
	// ReportEvery throttles observer notifications. 0 notifies after every
	// non-empty iteration. A positive interval notifies at most once per
	// interval, and only for iterations that forwarded something; drops in
	// between show up in the next report's totals.
	ReportEvery time.Duration
	// IdleBackoff yields the processor on empty polls instead of spinning.
	IdleBackoff bool
}

// Validate checks ranges and fills defaults.
func (c *Config) Validate() error {
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	switch {
	case c.BurstSize < 1 || c.BurstSize > MaxBurstSize:
		return fmt.Errorf("burst size %d outside [1,%d]: %w", c.BurstSize, MaxBurstSize, api.ErrInvalidArgument)
	case c.Ingress == nil || c.Egress == nil:
		return fmt.Errorf("ingress and egress queues are required: %w", api.ErrInvalidArgument)
	case c.Retry < 0:
		return fmt.Errorf("negative retry count: %w", api.ErrInvalidArgument)
	case c.ReportEvery < 0:
		return fmt.Errorf("negative report interval: %w", api.ErrInvalidArgument)
	}
	return nil
}

// Iteration is the outcome of one Step.
type Iteration struct {
	Received int // r: buffers delivered by ingress
	Accepted int // t: buffers egress took ownership of
	Released int // r - t: buffers returned to their pool
	Retries  int // extra TX submissions made for this burst
}

// Option customizes a Forwarder.
type Option func(*Forwarder)

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(f *Forwarder) { f.observers = append(f.observers, o) }
}

// WithRelease replaces the function rejected buffers are handed to.
// The default returns them to their pool via pool.FreeMbuf.
func WithRelease(fn func(api.Mbuf) error) Option {
	return func(f *Forwarder) { f.release = fn }
}

// WithAffinity pins the loop's OS thread to cpu when Run starts.
// A negative cpu disables pinning.
func WithAffinity(a api.Affinity, cpu int) Option {
	return func(f *Forwarder) { f.affinity, f.cpu = a, cpu }
}

// WithLogger sets the logger for loop diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

// Forwarder owns the burst array and the counters. Step and Run must be
// called from one goroutine; Counters and Stop are safe from any.
type Forwarder struct {
	cfg       Config
	bufs      []api.Mbuf
	release   func(api.Mbuf) error
	observers []Observer
	affinity  api.Affinity
	cpu       int
	log       *slog.Logger

	local      Counters
	pub        published
	stop       atomic.Bool
	running    atomic.Bool
	lastReport time.Time
	backoff    time.Duration
}

// New validates cfg and builds a forwarder.
func New(cfg Config, opts ...Option) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Forwarder{
		cfg:     cfg,
		bufs:    make([]api.Mbuf, cfg.BurstSize),
		release: pool.FreeMbuf,
		cpu:     -1,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Config returns the effective configuration.
func (f *Forwarder) Config() Config { return f.cfg }

// Counters returns a consistent-enough snapshot of the running totals.
// Each field is read atomically; fields may be one iteration apart.
func (f *Forwarder) Counters() Counters { return f.pub.load() }

// Stop asks Run to return after the current iteration.
func (f *Forwarder) Stop() { f.stop.Store(true) }

// Running reports whether Run is active.
func (f *Forwarder) Running() bool { return f.running.Load() }

// Step runs one poll/submit/reclaim iteration.
func (f *Forwarder) Step() Iteration {
	bufs := f.bufs
	r := f.cfg.Ingress.RxBurst(bufs)
	if r <= 0 {
		f.local.EmptyPolls++
		f.pub.emptyPolls.Store(f.local.EmptyPolls)
		return Iteration{}
	}
	if r > len(bufs) {
		r = len(bufs)
	}

	t := clampTx(f.cfg.Egress.TxBurst(bufs[:r]), r)
	it := Iteration{Received: r}
	for t < r && it.Retries < f.cfg.Retry {
		t += clampTx(f.cfg.Egress.TxBurst(bufs[t:r]), r-t)
		it.Retries++
	}
	it.Accepted = t

	// [0,t) belongs to egress now.
	api.ZeroMbufs(bufs[:t])
	for i := t; i < r; i++ {
		if err := f.release(bufs[i]); err != nil {
			f.local.ReleaseErrors++
			f.log.Warn("release of rejected buffer failed", "mbuf", uint64(bufs[i]), "err", err)
		}
		bufs[i] = 0
	}
	it.Released = r - t

	f.local.Received += uint64(r)
	f.local.Forwarded += uint64(t)
	f.local.Dropped += uint64(r - t)
	f.local.Bursts++
	f.local.Retries += uint64(it.Retries)
	f.pub.store(&f.local)
	f.notify(it)
	return it
}

// clampTx bounds a TX return value to the n buffers offered.
func clampTx(t, n int) int {
	return max(0, min(t, n))
}

func (f *Forwarder) notify(it Iteration) {
	if len(f.observers) == 0 {
		return
	}
	if f.cfg.ReportEvery > 0 {
		if it.Accepted == 0 {
			return
		}
		now := time.Now()
		if now.Sub(f.lastReport) < f.cfg.ReportEvery {
			return
		}
		f.lastReport = now
	}
	for _, o := range f.observers {
		o.Observe(it, f.local)
	}
}

// Run polls until Stop is called or ctx is done. The stop conditions are
// checked once per iteration. Run returns nil after Stop and ctx.Err() on
// cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return fmt.Errorf("forwarder already running: %w", api.ErrPortState)
	}
	defer f.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if f.affinity != nil && f.cpu >= 0 {
		if err := f.affinity.Pin(f.cpu); err != nil {
			f.log.Warn("CPU affinity not applied", "cpu", f.cpu, "err", err)
		} else {
			defer f.affinity.Unpin()
		}
	}

	done := ctx.Done()
	for {
		if f.stop.Load() {
			return nil
		}
		select {
		case <-done:
			return ctx.Err()
		default:
		}
		it := f.Step()
		if f.cfg.IdleBackoff {
			f.idle(it.Received == 0)
		}
	}
}

// idle backs off exponentially on consecutive empty polls, from a yield up
// to a millisecond sleep.
func (f *Forwarder) idle(empty bool) {
	if !empty {
		f.backoff = 0
		return
	}
	if f.backoff < time.Microsecond {
		runtime.Gosched()
		f.backoff = time.Microsecond
		return
	}
	time.Sleep(f.backoff)
	f.backoff *= 2
	if f.backoff > time.Millisecond {
		f.backoff = time.Millisecond
	}
}
