// File: internal/device/device.go
// Package device holds the port table, vdev parsing and the state machine
// shared by the poll-mode port drivers in its subpackages.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-reflector/api"
)

// State is the lifecycle position of a port.
type State int

const (
	StateNew State = iota
	StateConfigured
	StateStarted
	StateStopped
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RxQueueConf is the recorded setup of one RX queue.
type RxQueueConf struct {
	Depth  int
	Socket int
	Pool   api.Pool
	Ready  bool
}

// TxQueueConf is the recorded setup of one TX queue.
type TxQueueConf struct {
	Depth  int
	Socket int
	Conf   api.TxConf
	Ready  bool
}

// Counters are the cumulative port statistics drivers update on the hot path.
type Counters struct {
	IPackets atomic.Uint64
	OPackets atomic.Uint64
	IBytes   atomic.Uint64
	OBytes   atomic.Uint64
	IMissed  atomic.Uint64
	RxNoMbuf atomic.Uint64
	OErrors  atomic.Uint64
}

// Snapshot reads every counter once.
func (c *Counters) Snapshot() api.PortStats {
	return api.PortStats{
		IPackets: c.IPackets.Load(),
		OPackets: c.OPackets.Load(),
		IBytes:   c.IBytes.Load(),
		OBytes:   c.OBytes.Load(),
		IMissed:  c.IMissed.Load(),
		RxNoMbuf: c.RxNoMbuf.Load(),
		OErrors:  c.OErrors.Load(),
	}
}

// Base implements the configuration half of api.Port: device info, queue
// bookkeeping and the new → configured → started → stopped transitions.
// Drivers embed it and supply the data path, Start, Stop and Close.
type Base struct {
	name   string
	info   api.DevInfo
	socket int

	mu      sync.Mutex
	state   State
	conf    api.PortConf
	rx      []RxQueueConf
	tx      []TxQueueConf
	promisc bool

	Counters Counters
}

// NewBase creates the shared state for a port named name.
func NewBase(name string, info api.DevInfo, socket int) *Base {
	return &Base{name: name, info: info, socket: socket}
}

// Name is the vdev name the port was created from.
func (b *Base) Name() string { return b.name }

func (b *Base) Info() api.DevInfo { return b.info }

func (b *Base) SocketID() int { return b.socket }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Configure sets queue counts and device-wide options. Reconfiguring a
// stopped port discards its queue setup.
func (b *Base) Configure(nbRx, nbTx int, conf api.PortConf) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateNew, StateConfigured, StateStopped:
	default:
		return fmt.Errorf("%s: configure while %s: %w", b.name, b.state, api.ErrPortState)
	}
	if nbRx < 1 || nbRx > b.info.MaxRxQueues {
		return fmt.Errorf("%s: %d RX queues, device supports %d: %w", b.name, nbRx, b.info.MaxRxQueues, api.ErrInvalidArgument)
	}
	if nbTx < 1 || nbTx > b.info.MaxTxQueues {
		return fmt.Errorf("%s: %d TX queues, device supports %d: %w", b.name, nbTx, b.info.MaxTxQueues, api.ErrInvalidArgument)
	}
	if conf.MTU < 0 || (b.info.MaxRxPktLen > 0 && conf.MTU > b.info.MaxRxPktLen) {
		return fmt.Errorf("%s: MTU %d above %d: %w", b.name, conf.MTU, b.info.MaxRxPktLen, api.ErrInvalidArgument)
	}
	b.conf = conf
	b.rx = make([]RxQueueConf, nbRx)
	b.tx = make([]TxQueueConf, nbTx)
	b.state = StateConfigured
	return nil
}

// PortConf returns the configuration passed to Configure.
func (b *Base) PortConf() api.PortConf {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conf
}

// AdjustDescriptors clamps requested ring depths to the device limits.
func (b *Base) AdjustDescriptors(nbRx, nbTx int) (api.DescCounts, error) {
	if nbRx < 1 || nbTx < 1 {
		return api.DescCounts{}, fmt.Errorf("%s: descriptor counts %d/%d: %w", b.name, nbRx, nbTx, api.ErrInvalidArgument)
	}
	return api.DescCounts{
		Rx: api.AdjustDescCount(nbRx, b.info.RxDescLimits),
		Tx: api.AdjustDescCount(nbTx, b.info.TxDescLimits),
	}, nil
}

func checkDepth(depth int, lim api.DescLimits) bool {
	if depth < lim.Min || (lim.Max > 0 && depth > lim.Max) {
		return false
	}
	return lim.Align <= 1 || depth%lim.Align == 0
}

// SetupRxQueue binds pool as the supply of RX queue q.
func (b *Base) SetupRxQueue(q uint16, depth int, socket int, pool api.Pool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConfigured && b.state != StateStopped {
		return fmt.Errorf("%s: RX queue setup while %s: %w", b.name, b.state, api.ErrPortState)
	}
	switch {
	case int(q) >= len(b.rx):
		return fmt.Errorf("%s: RX queue %d of %d: %w", b.name, q, len(b.rx), api.ErrInvalidArgument)
	case pool == nil:
		return fmt.Errorf("%s: RX queue %d needs a pool: %w", b.name, q, api.ErrInvalidArgument)
	case !checkDepth(depth, b.info.RxDescLimits):
		return fmt.Errorf("%s: RX depth %d outside %+v: %w", b.name, depth, b.info.RxDescLimits, api.ErrInvalidArgument)
	}
	b.rx[q] = RxQueueConf{Depth: depth, Socket: socket, Pool: pool, Ready: true}
	return nil
}

// SetupTxQueue records TX queue q.
func (b *Base) SetupTxQueue(q uint16, depth int, socket int, conf api.TxConf) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConfigured && b.state != StateStopped {
		return fmt.Errorf("%s: TX queue setup while %s: %w", b.name, b.state, api.ErrPortState)
	}
	switch {
	case int(q) >= len(b.tx):
		return fmt.Errorf("%s: TX queue %d of %d: %w", b.name, q, len(b.tx), api.ErrInvalidArgument)
	case !checkDepth(depth, b.info.TxDescLimits):
		return fmt.Errorf("%s: TX depth %d outside %+v: %w", b.name, depth, b.info.TxDescLimits, api.ErrInvalidArgument)
	case conf.FreeThresh < 0 || conf.FreeThresh > depth:
		return fmt.Errorf("%s: TX free threshold %d for depth %d: %w", b.name, conf.FreeThresh, depth, api.ErrInvalidArgument)
	}
	b.tx[q] = TxQueueConf{Depth: depth, Socket: socket, Conf: conf, Ready: true}
	return nil
}

// RxQueues returns a copy of the RX queue setup.
func (b *Base) RxQueues() []RxQueueConf {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RxQueueConf(nil), b.rx...)
}

// TxQueues returns a copy of the TX queue setup.
func (b *Base) TxQueues() []TxQueueConf {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]TxQueueConf(nil), b.tx...)
}

// BeginStart checks that every queue is set up. Drivers call it first in
// Start and MarkStarted once their data path is live.
func (b *Base) BeginStart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConfigured && b.state != StateStopped {
		return fmt.Errorf("%s: start while %s: %w", b.name, b.state, api.ErrPortState)
	}
	for i, q := range b.rx {
		if !q.Ready {
			return fmt.Errorf("%s: RX queue %d not set up: %w", b.name, i, api.ErrPortState)
		}
	}
	for i, q := range b.tx {
		if !q.Ready {
			return fmt.Errorf("%s: TX queue %d not set up: %w", b.name, i, api.ErrPortState)
		}
	}
	return nil
}

func (b *Base) MarkStarted() { b.setState(StateStarted) }

// MarkStopped moves a started port to stopped. It reports whether the port
// was running.
func (b *Base) MarkStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateStarted {
		return false
	}
	b.state = StateStopped
	return true
}

// MarkClosed reports false if the port was already closed.
func (b *Base) MarkClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		return false
	}
	b.state = StateClosed
	return true
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// SetPromiscuous records the promiscuous flag.
func (b *Base) SetPromiscuous(on bool) {
	b.mu.Lock()
	b.promisc = on
	b.mu.Unlock()
}

// Promiscuous reports the promiscuous flag.
func (b *Base) Promiscuous() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.promisc
}

func (b *Base) Stats() api.PortStats { return b.Counters.Snapshot() }
