// File: cmd/reflector/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// reflector [device options] -- <port_id>
//
// Receives frames on one port queue and sends them back out of the same
// port, reporting forwarded and dropped totals.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-reflector/affinity"
	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/facade"
	"github.com/momentics/hioload-reflector/internal/log"
	"github.com/momentics/hioload-reflector/pool"

	_ "github.com/momentics/hioload-reflector/internal/device/afxdp"
	_ "github.com/momentics/hioload-reflector/internal/device/memdev"
	_ "github.com/momentics/hioload-reflector/internal/device/pcapdev"
)

const usageLine = "Usage: reflector [EAL options] -- <port_id>"

const exampleLine = "Example: sudo ./reflector -l 0 --no-huge --no-pci --vdev 'net_pcap0,rx_pcap=test.pcap,tx_pcap=out.pcap' -- 0"

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, " ") }

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg := facade.DefaultConfig()
	var (
		vdevs       listFlag
		lcores      string
		logLevel    string
		metricsAddr string
		noHuge      bool
		noPCI       bool
	)
	fs := flag.NewFlagSet("reflector", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&vdevs, "vdev", "virtual device, repeatable: net_ring0[,loopback=1] | net_pcap0,rx_pcap=in.pcap,tx_pcap=out.pcap[,infinite_rx=1] | net_af_xdp0,iface=eth0[,queue=0][,zerocopy=1][,mode=drv|skb]")
	fs.StringVar(&lcores, "l", "", "core list; the forwarding loop is pinned to the first core")
	fs.IntVar(&cfg.NUMANode, "socket", api.NoNUMA, "NUMA node for pools; -1 uses the port's node")
	fs.IntVar(&cfg.NUMANode, "n", api.NoNUMA, "alias of -socket")
	fs.IntVar(&cfg.NumMbufs, "mbufs", cfg.NumMbufs, "buffers in each port's pool")
	fs.IntVar(&cfg.RingSize, "ring-size", cfg.RingSize, "RX/TX descriptors, power of two in [64,4096]")
	fs.IntVar(&cfg.BurstSize, "burst", cfg.BurstSize, "buffers per poll, 1..64")
	fs.IntVar(&cfg.CacheSize, "cache", cfg.CacheSize, "per-goroutine pool cache size")
	fs.IntVar(&cfg.Retry, "retry", 0, "extra TX submissions for a rejected burst before dropping")
	fs.DurationVar(&cfg.ReportEvery, "report-interval", 0, "minimum time between totals reports; 0 reports every forwarding burst")
	fs.BoolVar(&cfg.CustomPool, "custom-pool", false, "populate pools from a caller-allocated page-aligned region")
	fs.BoolVar(&cfg.IdleBackoff, "idle-backoff", false, "back off on empty polls instead of busy polling")
	fs.BoolVar(&noHuge, "no-huge", false, "do not try hugepage backing for pools")
	fs.BoolVar(&noPCI, "no-pci", false, "accepted for compatibility; PCI devices are never probed")
	fs.StringVar(&logLevel, "log-level", "info", "log level: "+log.SupportedLevels)
	fs.StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /debug/state on this address")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usageLine)
		fmt.Fprintln(fs.Output(), exampleLine)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if err := log.ConfigureTo(stderr, logLevel); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stdout, usageLine)
		fmt.Fprintln(stdout, exampleLine)
		return 1
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port < 0 {
		fmt.Fprintln(stderr, "Invalid port number")
		return 1
	}
	if lcores != "" {
		cores, err := affinity.ParseList(lcores)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg.LCore = cores[0]
		if len(cores) > 1 {
			slog.Warn("single forwarding loop, extra cores unused", "lcore", cores[0], "unused", cores[1:])
		}
	}
	cfg.Vdevs = vdevs
	cfg.InPort = port
	cfg.HugePages = !noHuge
	if cfg.CacheSize > pool.MaxCacheSize {
		slog.Warn("cache size clamped", "requested", cfg.CacheSize, "max", pool.MaxCacheSize)
		cfg.CacheSize = pool.MaxCacheSize
	}
	slog.Debug("configuration", "vdevs", []string(vdevs), "port", port, "lcore", cfg.LCore,
		"ring_size", cfg.RingSize, "mbufs", cfg.NumMbufs, "burst", cfg.BurstSize, "no_pci", noPCI)

	r, err := facade.New(cfg, facade.WithOutput(stdout))
	if err != nil {
		var se *facade.SetupError
		if errors.As(err, &se) {
			fmt.Fprintf(stderr, "Cannot init port %d: %v\n", port, err)
		} else {
			fmt.Fprintf(stderr, "Error with device initialization: %v\n", err)
		}
		return 1
	}
	fmt.Fprintf(stdout, "Starting single-port loopback on port %d\n", port)
	fmt.Fprintf(stdout, "Packets received on port %d will be sent back out port %d\n", port, port)

	if err := serve(ctx, r, metricsAddr); err != nil {
		slog.Error("reflector failed", "err", err)
		_ = r.Close()
		return 1
	}
	if err := r.Close(); err != nil {
		slog.Error("shutdown", "err", err)
		return 1
	}
	return 0
}

// serve runs the forwarding loop and, when addr is set, the metrics
// endpoint until ctx is done or either fails.
func serve(ctx context.Context, r *facade.Reflector, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		start := time.Now()
		err := r.Run(gctx)
		slog.Debug("forwarding loop returned", "after", time.Since(start), "err", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	if addr != "" {
		g.Go(func() error { return r.ServeMetrics(gctx, addr) })
	}
	return g.Wait()
}
