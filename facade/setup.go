// File: facade/setup.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Port bring-up: pool, configure, descriptor negotiation, queue setup,
// start, MAC and promiscuous mode. Each step that fails is reported with
// its stage and an errno-style status.

package facade

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/pool"
)

// SetupError says which bring-up stage failed on which port.
type SetupError struct {
	Port  int
	Stage api.Stage
	Code  int // negative errno-style status
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s failed on port %d: status %d (%v)", e.Stage, e.Port, e.Code, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

func setupError(port int, stage api.Stage, err error) *SetupError {
	return &SetupError{Port: port, Stage: stage, Code: api.StatusOf(err), Err: err}
}

// PoolName is the pool name used for a port.
func PoolName(port int) string { return fmt.Sprintf("MBUF_POOL_%d", port) }

// PortSetup is a started port and the pool that feeds its RX queue.
type PortSetup struct {
	ID    int
	Port  api.Port
	Pool  *pool.Pool
	MAC   net.HardwareAddr
	Desc  api.DescCounts
	Info  api.DevInfo
	Owned bool // pool was created here and is closed with the port
}

// NewPortPool builds the pool for a port. Stock mode derives the layout and
// allocates in one step; custom mode allocates a page-aligned region first
// and populates an empty pool from it.
func NewPortPool(port int, cfg *Config, node int) (*pool.Pool, error) {
	pc := pool.DefaultConfig()
	pc.Name = PoolName(port)
	pc.Count = cfg.NumMbufs
	pc.CacheSize = cfg.CacheSize
	pc.Node = node
	pc.HugePages = cfg.HugePages
	if !cfg.CustomPool {
		return pool.New(pc)
	}

	l, err := pool.ComputeLayout(pc)
	if err != nil {
		return nil, err
	}
	region, err := pool.AllocRegion(l, node, cfg.HugePages)
	if err != nil {
		return nil, err
	}
	p, err := pool.CreateEmpty(pc.Name, l, pool.WithNode(node), pool.WithCacheSize(pc.CacheSize))
	if err != nil {
		_ = region.Free()
		return nil, err
	}
	if err := p.PopulateRegion(region); err != nil {
		_ = region.Free()
		_ = p.Close()
		return nil, err
	}
	slog.Debug("custom pool populated", "pool", p.Name(), "region_offset", region.Offset(), "hugepages", region.HugePages())
	return p, nil
}

// PortInit brings port id up with one RX and one TX queue. On failure
// nothing created here is left behind.
func PortInit(t *device.Table, id int, cfg *Config) (_ *PortSetup, err error) {
	log := slog.Default().With("port", id)
	if !t.IsValidPort(id) {
		return nil, setupError(id, api.StageValidate,
			fmt.Errorf("port %d not attached, %d available: %w", id, t.Count(), api.ErrInvalidArgument))
	}
	port, err := t.Port(id)
	if err != nil {
		return nil, setupError(id, api.StageValidate, err)
	}
	node := cfg.NUMANode
	if node == api.NoNUMA {
		node = port.SocketID()
	}

	p, err := NewPortPool(id, cfg, node)
	if err != nil {
		return nil, setupError(id, api.StagePool, err)
	}
	s := &PortSetup{ID: id, Port: port, Pool: p, Owned: true}
	started := false
	defer func() {
		if err == nil {
			return
		}
		if started {
			_ = port.Stop()
		}
		_ = p.Close()
	}()
	log.Debug("pool ready", "pool", p.String(), "node", node, "hugepages", p.HugePages(), "ops", pool.FreeListOps)

	s.Info = port.Info()
	if s.Info.MaxRxQueues < 1 || s.Info.MaxTxQueues < 1 {
		return nil, setupError(id, api.StageDevInfo, fmt.Errorf("driver %s has no queues: %w", s.Info.Driver, api.ErrNotSupported))
	}

	conf := api.PortConf{}
	if err = port.Configure(1, 1, conf); err != nil {
		return nil, setupError(id, api.StageConfigure, err)
	}
	if s.Desc, err = port.AdjustDescriptors(cfg.RingSize, cfg.RingSize); err != nil {
		return nil, setupError(id, api.StageAdjustDesc, err)
	}
	log.Debug("descriptors negotiated", "rx", s.Desc.Rx, "tx", s.Desc.Tx, "requested", cfg.RingSize)

	if err = port.SetupRxQueue(0, s.Desc.Rx, port.SocketID(), p); err != nil {
		return nil, setupError(id, api.StageRxQueue, err)
	}
	txConf := s.Info.DefaultTxConf
	txConf.Offloads = conf.TxOffloads
	if err = port.SetupTxQueue(0, s.Desc.Tx, port.SocketID(), txConf); err != nil {
		return nil, setupError(id, api.StageTxQueue, err)
	}
	if err = port.Start(); err != nil {
		return nil, setupError(id, api.StageStart, err)
	}
	started = true

	if s.MAC, err = port.MACAddr(); err != nil {
		return nil, setupError(id, api.StageMAC, err)
	}
	if err = port.EnablePromiscuous(); err != nil {
		return nil, setupError(id, api.StagePromiscuous, err)
	}
	log.Info("port started", "driver", s.Info.Driver, "mac", s.MAC.String(), "rx_desc", s.Desc.Rx, "tx_desc", s.Desc.Tx)
	return s, nil
}
