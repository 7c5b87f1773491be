// File: facade/reflector.go
// Unified facade for hioload-reflector.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reflector aggregates the device table, the per-port pools, the forwarding
// loop and the control layer behind one Start/Run/Close lifecycle.

package facade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/momentics/hioload-reflector/affinity"
	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/control"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/reflector"
)

// Option customizes a Reflector.
type Option func(*Reflector)

// WithTable uses ports already attached to t instead of probing Config.Vdevs.
// The caller keeps ownership of t: Close stops the ports it started but
// leaves t open.
func WithTable(t *device.Table) Option { return func(r *Reflector) { r.table = t } }

// WithOutput redirects the banner and totals report. Default is stdout.
func WithOutput(w io.Writer) Option { return func(r *Reflector) { r.out = w } }

// WithAffinity replaces the CPU pinning implementation.
func WithAffinity(a api.Affinity) Option { return func(r *Reflector) { r.affinity = a } }

// Reflector is the main facade type.
type Reflector struct {
	cfg      *Config
	table    *device.Table
	ownTable bool // table was probed by New and is closed by Close
	out      io.Writer
	affinity api.Affinity

	ports   []*PortSetup // in, then out when it differs
	fwd     *reflector.Forwarder
	metrics *control.Metrics
	probes  *control.DebugProbes
	config  *control.ConfigStore

	runMu     sync.Mutex
	closed    bool
	done      chan struct{} // closed when the active Run returns
	closeOnce sync.Once
	closeErr  error
}

// New probes the devices, brings the ports up and assembles the loop.
// Nothing is left running or allocated on failure.
func New(cfg *Config, opts ...Option) (_ *Reflector, err error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r := &Reflector{
		cfg:      cfg,
		out:      os.Stdout,
		affinity: affinity.New(),
		metrics:  control.NewMetrics(),
		probes:   control.NewDebugProbes(),
		config:   control.NewConfigStore(),
	}
	for _, o := range opts {
		o(r)
	}
	if err := cfg.Validate(); err != nil {
		return nil, setupError(cfg.InPort, api.StageValidate, err)
	}
	if r.table == nil {
		r.table = device.NewTable()
		r.ownTable = true
		if err := r.table.Probe(cfg.Vdevs, cfg.NUMANode); err != nil {
			return nil, errors.Join(fmt.Errorf("device probe: %w", err), r.table.Close())
		}
	}
	defer func() {
		if err != nil {
			_ = r.closePorts()
		}
	}()

	for _, id := range r.portIDs() {
		s, err := PortInit(r.table, id, cfg)
		if err != nil {
			return nil, err
		}
		r.ports = append(r.ports, s)
		fmt.Fprintf(r.out, "Port %d MAC: %s\n", id, s.MAC)
	}

	in, out := r.ports[0], r.ports[len(r.ports)-1]
	r.fwd, err = reflector.New(reflector.Config{
		BurstSize:   cfg.BurstSize,
		Ingress:     reflector.Queue{Port: in.Port},
		Egress:      reflector.Queue{Port: out.Port},
		Retry:       cfg.Retry,
		ReportEvery: cfg.ReportEvery,
		IdleBackoff: cfg.IdleBackoff,
	},
		reflector.WithObserver(reflector.NewLogObserver(r.out)),
		reflector.WithAffinity(r.affinity, cfg.LCore),
	)
	if err != nil {
		return nil, err
	}
	if err := r.register(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reflector) portIDs() []int {
	if out := r.cfg.Out(); out != r.cfg.InPort {
		return []int{r.cfg.InPort, out}
	}
	return []int{r.cfg.InPort}
}

func (r *Reflector) register() error {
	r.config.SetConfig(r.cfg.Map())
	r.probes.RegisterProbe("config", func() any { return r.config.GetSnapshot() })
	control.RegisterPlatformProbes(r.probes)

	path := fmt.Sprintf("%d->%d", r.cfg.InPort, r.cfg.Out())
	errs := []error{r.metrics.WatchForwarder(path, r.fwd)}
	for _, s := range r.ports {
		errs = append(errs,
			r.metrics.WatchPool(s.Pool.Name(), s.Pool),
			r.metrics.WatchPort(s.ID, s.Port))
		r.probes.RegisterProbe(fmt.Sprintf("pool.%s", s.Pool.Name()), func() any { return s.Pool.Stats() })
		r.probes.RegisterProbe(fmt.Sprintf("port.%d", s.ID), func() any {
			return map[string]any{
				"driver": s.Info.Driver,
				"mac":    s.MAC.String(),
				"rx":     s.Desc.Rx,
				"tx":     s.Desc.Tx,
				"stats":  s.Port.Stats(),
			}
		})
	}
	r.probes.RegisterProbe("forwarder", func() any { return r.fwd.Counters() })
	return errors.Join(errs...)
}

// Forwarder returns the forwarding loop.
func (r *Reflector) Forwarder() *reflector.Forwarder { return r.fwd }

// Ports returns the started ports, input first.
func (r *Reflector) Ports() []*PortSetup { return r.ports }

// Metrics returns the Prometheus collectors.
func (r *Reflector) Metrics() *control.Metrics { return r.metrics }

// Probes returns the debug probe registry.
func (r *Reflector) Probes() *control.DebugProbes { return r.probes }

// Run prints the forwarding banner and polls until ctx is done or Close is
// called. It returns nil on Close and ctx.Err() on cancellation.
func (r *Reflector) Run(ctx context.Context) error {
	r.runMu.Lock()
	if r.closed {
		r.runMu.Unlock()
		return nil
	}
	done := make(chan struct{})
	r.done = done
	r.runMu.Unlock()
	defer close(done)

	fmt.Fprintln(r.out, "Starting packet forwarding:")
	fmt.Fprintf(r.out, "  IN:  Port %d\n", r.cfg.InPort)
	fmt.Fprintf(r.out, "  OUT: Port %d\n", r.cfg.Out())
	return r.fwd.Run(ctx)
}

// ServeMetrics exposes /metrics and /debug/state on addr until ctx is done.
func (r *Reflector) ServeMetrics(ctx context.Context, addr string) error {
	return r.metrics.Serve(ctx, addr, func(mux *http.ServeMux) {
		mux.Handle("/debug/state", r.probes.Handler())
	})
}

// Close stops the loop, waits for Run to return, then stops the ports and
// closes their pools. Safe to call more than once.
func (r *Reflector) Close() error {
	r.closeOnce.Do(func() {
		r.runMu.Lock()
		r.closed = true
		done := r.done
		r.runMu.Unlock()

		r.fwd.Stop()
		if done != nil {
			<-done
		}
		c := r.fwd.Counters()
		slog.Info("reflector stopped", "forwarded", c.Forwarded, "dropped", c.Dropped, "received", c.Received)
		r.closeErr = r.closePorts()
	})
	return r.closeErr
}

// closePorts stops ports before their pools are closed so no device still
// references pool memory.
func (r *Reflector) closePorts() error {
	var errs []error
	for _, s := range r.ports {
		if err := s.Port.Stop(); err != nil && !errors.Is(err, api.ErrPortState) {
			errs = append(errs, err)
		}
	}
	if r.ownTable {
		errs = append(errs, r.table.Close())
	}
	for _, s := range r.ports {
		if s.Owned {
			errs = append(errs, s.Pool.Close())
		}
	}
	r.ports = nil
	return errors.Join(errs...)
}
