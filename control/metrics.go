// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus exporter over forwarder counters, pool accounting and port
// statistics. Every collector reads its source on scrape; nothing on the
// forwarding path is touched.

package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/reflector"
)

const namespace = "reflector"

// CounterSource is anything that reports forwarding totals.
type CounterSource interface {
	Counters() reflector.Counters
}

// StatsSource is anything that reports pool accounting.
type StatsSource interface {
	Stats() api.PoolStats
}

// Metrics holds a private registry so tests and multiple reflectors in one
// process do not collide on the default one.
type Metrics struct {
	mu  sync.Mutex
	reg *prometheus.Registry
}

// NewMetrics creates a registry with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{reg: reg}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) register(cs ...prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, c := range cs {
		errs = append(errs, m.reg.Register(c))
	}
	return errors.Join(errs...)
}

func counter(name, help string, labels prometheus.Labels, fn func() float64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
	}, fn)
}

func gauge(name, help string, labels prometheus.Labels, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help, ConstLabels: labels,
	}, fn)
}

// WatchForwarder exports the totals of one forwarding path. The path label
// tells paths apart, e.g. "0->0".
func (m *Metrics) WatchForwarder(path string, src CounterSource) error {
	l := prometheus.Labels{"path": path}
	field := func(get func(reflector.Counters) uint64) func() float64 {
		return func() float64 { return float64(get(src.Counters())) }
	}
	return m.register(
		counter("forwarded_packets_total", "Buffers accepted by the egress queue.", l,
			field(func(c reflector.Counters) uint64 { return c.Forwarded })),
		counter("dropped_packets_total", "Buffers rejected by the egress queue and released.", l,
			field(func(c reflector.Counters) uint64 { return c.Dropped })),
		counter("received_packets_total", "Buffers delivered by the ingress queue.", l,
			field(func(c reflector.Counters) uint64 { return c.Received })),
		counter("bursts_total", "Non-empty polls.", l,
			field(func(c reflector.Counters) uint64 { return c.Bursts })),
		counter("empty_polls_total", "Polls that returned no buffers.", l,
			field(func(c reflector.Counters) uint64 { return c.EmptyPolls })),
		counter("tx_retries_total", "Extra transmit submissions in retry mode.", l,
			field(func(c reflector.Counters) uint64 { return c.Retries })),
		counter("release_errors_total", "Rejected buffers their pool refused back.", l,
			field(func(c reflector.Counters) uint64 { return c.ReleaseErrors })),
	)
}

// WatchPool exports slot accounting of one pool.
func (m *Metrics) WatchPool(name string, src StatsSource) error {
	l := prometheus.Labels{"pool": name}
	return m.register(
		gauge("pool_in_use", "Slots checked out to callers or devices.", l,
			func() float64 { return float64(src.Stats().InUse) }),
		gauge("pool_free", "Slots in the shared free-list.", l,
			func() float64 { return float64(src.Stats().Free) }),
		gauge("pool_cached", "Slots parked in per-goroutine caches.", l,
			func() float64 { return float64(src.Stats().Cached) }),
		gauge("pool_size", "Total slots.", l,
			func() float64 { return float64(src.Stats().Count) }),
		counter("pool_alloc_failures_total", "Checkouts refused because the pool was empty.", l,
			func() float64 { return float64(src.Stats().AllocFail) }),
	)
}

// WatchPort exports the device counters of one port.
func (m *Metrics) WatchPort(id int, p api.Port) error {
	l := prometheus.Labels{"port": strconv.Itoa(id), "driver": p.Info().Driver}
	stat := func(get func(api.PortStats) uint64) func() float64 {
		return func() float64 { return float64(get(p.Stats())) }
	}
	return m.register(
		counter("port_ipackets_total", "Frames received by the port.", l,
			stat(func(s api.PortStats) uint64 { return s.IPackets })),
		counter("port_opackets_total", "Frames completed on the wire.", l,
			stat(func(s api.PortStats) uint64 { return s.OPackets })),
		counter("port_ibytes_total", "Bytes received by the port.", l,
			stat(func(s api.PortStats) uint64 { return s.IBytes })),
		counter("port_obytes_total", "Bytes completed on the wire.", l,
			stat(func(s api.PortStats) uint64 { return s.OBytes })),
		counter("port_imissed_total", "Frames lost for lack of an RX descriptor.", l,
			stat(func(s api.PortStats) uint64 { return s.IMissed })),
		counter("port_rx_nombuf_total", "RX refills that found the pool empty.", l,
			stat(func(s api.PortStats) uint64 { return s.RxNoMbuf })),
		counter("port_oerrors_total", "Transmit errors.", l,
			stat(func(s api.PortStats) uint64 { return s.OErrors })),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Snapshot gathers every single-valued metric of the reflector namespace
// into name{labels} -> value. Used by debug probes and tests.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			key := name
			for _, lp := range metric.GetLabel() {
				key += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out, nil
}

// Serve exposes /metrics (and mux extras registered by the caller) on addr
// until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, extra func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if extra != nil {
		extra(mux)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("metrics endpoint listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
