// File: facade/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package facade

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/pool"
	"github.com/momentics/hioload-reflector/reflector"
)

// Tuning ranges for Config.
const (
	MinRingSize     = 64
	MaxRingSize     = 4096
	DefaultRingSize = 2048
	DefaultNumMbufs = 8192
	DefaultBurst    = 4
)

// Config holds parameters immutable per run.
type Config struct {
	Vdevs       []string      // devices to probe, in port id order
	InPort      int           // port polled for received frames
	OutPort     int           // port frames are sent out of; -1 = InPort
	RingSize    int           // RX and TX descriptors, power of two in [64,4096]
	NumMbufs    int           // pool slots per port
	CacheSize   int           // per-goroutine pool cache, 0..512 and <= NumMbufs/1.5
	BurstSize   int           // buffers per poll, 1..64
	NUMANode    int           // pool and device node; -1 = the port's socket
	LCore       int           // CPU to pin the loop to; -1 = none
	HugePages   bool          // back pools with 2 MiB pages when available
	CustomPool  bool          // build pools from a caller-allocated page-aligned region
	Retry       int           // extra TX submissions before dropping
	ReportEvery time.Duration // throttle for the totals report; 0 = every forwarding burst
	IdleBackoff bool          // back off on empty polls instead of spinning
}

// DefaultConfig returns the single-port loopback configuration.
func DefaultConfig() *Config {
	return &Config{
		OutPort:   -1,
		RingSize:  DefaultRingSize,
		NumMbufs:  DefaultNumMbufs,
		CacheSize: pool.DefaultCacheSize,
		BurstSize: DefaultBurst,
		NUMANode:  api.NoNUMA,
		LCore:     -1,
	}
}

// Validate checks ranges before anything is allocated.
func (c *Config) Validate() error {
	switch {
	case c.InPort < 0:
		return fmt.Errorf("port id %d: %w", c.InPort, api.ErrInvalidArgument)
	case c.OutPort < -1:
		return fmt.Errorf("output port id %d: %w", c.OutPort, api.ErrInvalidArgument)
	case c.RingSize < MinRingSize || c.RingSize > MaxRingSize || c.RingSize&(c.RingSize-1) != 0:
		return fmt.Errorf("ring size %d must be a power of two in [%d,%d]: %w", c.RingSize, MinRingSize, MaxRingSize, api.ErrInvalidArgument)
	case c.NumMbufs < 1:
		return fmt.Errorf("mbuf count %d: %w", c.NumMbufs, api.ErrInvalidArgument)
	case c.CacheSize < 0 || c.CacheSize > pool.MaxCacheSize || float64(c.CacheSize) > float64(c.NumMbufs)/1.5:
		return fmt.Errorf("cache size %d out of range for %d mbufs: %w", c.CacheSize, c.NumMbufs, api.ErrInvalidArgument)
	case c.BurstSize < 1 || c.BurstSize > reflector.MaxBurstSize:
		return fmt.Errorf("burst size %d outside [1,%d]: %w", c.BurstSize, reflector.MaxBurstSize, api.ErrInvalidArgument)
	case c.NUMANode < api.NoNUMA:
		return fmt.Errorf("NUMA node %d: %w", c.NUMANode, api.ErrInvalidArgument)
	case c.LCore < -1:
		return fmt.Errorf("lcore %d: %w", c.LCore, api.ErrInvalidArgument)
	case c.Retry < 0:
		return fmt.Errorf("retry %d: %w", c.Retry, api.ErrInvalidArgument)
	case c.ReportEvery < 0:
		return fmt.Errorf("report interval %v: %w", c.ReportEvery, api.ErrInvalidArgument)
	}
	return nil
}

// Out resolves the output port.
func (c *Config) Out() int {
	if c.OutPort < 0 {
		return c.InPort
	}
	return c.OutPort
}

// Map flattens the configuration for the debug config probe.
func (c *Config) Map() map[string]any {
	return map[string]any{
		"vdevs":        c.Vdevs,
		"in_port":      c.InPort,
		"out_port":     c.Out(),
		"ring_size":    c.RingSize,
		"num_mbufs":    c.NumMbufs,
		"cache_size":   c.CacheSize,
		"burst_size":   c.BurstSize,
		"numa_node":    c.NUMANode,
		"lcore":        c.LCore,
		"hugepages":    c.HugePages,
		"custom_pool":  c.CustomPool,
		"retry":        c.Retry,
		"report_every": c.ReportEvery.String(),
		"idle_backoff": c.IdleBackoff,
	}
}
