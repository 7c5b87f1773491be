// File: internal/device/memdev/memdev.go
// Package memdev is an in-memory poll-mode port (driver "net_ring").
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frames enter through Inject, as if a NIC had received them, and are copied
// into pool buffers on RxBurst. Transmitted buffers sit on a TX ring until
// the free threshold is reached; completion either loops the frame back to
// the RX queue of the same index or records it for Transmitted.

package memdev

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/pool"
)

// DriverName is the vdev driver prefix served by this package.
const DriverName = "net_ring"

const (
	defaultCaptureLimit = 4096
	defaultFreeThresh   = 32
	maxQueues           = 16
	maxFrameLen         = 9618
)

func init() {
	device.RegisterDriver(DriverName, func(v device.Vdev, socket int) (api.Port, error) {
		return New(v, socket)
	})
}

// DevInfo is what every memdev port reports.
var DevInfo = api.DevInfo{
	Driver:        DriverName,
	MaxRxQueues:   maxQueues,
	MaxTxQueues:   maxQueues,
	RxDescLimits:  api.DescLimits{Min: 64, Max: 4096, Align: 8},
	TxDescLimits:  api.DescLimits{Min: 64, Max: 4096, Align: 8},
	DefaultTxConf: api.TxConf{FreeThresh: defaultFreeThresh},
	MaxRxPktLen:   maxFrameLen,
}

type rxQueue struct {
	mu    sync.Mutex
	wire  *queue.Queue // []byte frames not yet polled
	depth int
	pool  api.Pool
	bufs  *device.RxBuffers
}

type txQueue struct {
	mu         sync.Mutex
	ring       *queue.Queue // api.Mbuf owned by the port until completion
	depth      int
	freeThresh int
}

// Port is an in-memory port.
type Port struct {
	*device.Base
	mac      net.HardwareAddr
	loopback bool
	txLimit  int

	running atomic.Bool
	rxq     []*rxQueue
	txq     []*txQueue

	capMu    sync.Mutex
	captured *queue.Queue // [][]byte frames completed on the wire
	capLimit int
}

// Ensure compile-time interface compliance.
var _ api.Port = (*Port)(nil)

// New creates a port from vdev arguments:
//
//	loopback=1   completed TX frames re-enter RX
//	tx_limit=N   accept at most N buffers per TxBurst
//	capture=N    keep at most N transmitted frames for Transmitted
//	mac=02:...   override the derived MAC address
func New(v device.Vdev, socket int) (*Port, error) {
	if err := v.CheckKeys("loopback", "tx_limit", "capture", "mac"); err != nil {
		return nil, err
	}
	loop, err := v.Bool("loopback", false)
	if err != nil {
		return nil, err
	}
	limit, err := v.Int("tx_limit", 0)
	if err != nil {
		return nil, err
	}
	capLimit, err := v.Int("capture", defaultCaptureLimit)
	if err != nil {
		return nil, err
	}
	if limit < 0 || capLimit < 0 {
		return nil, fmt.Errorf("%s: negative limit: %w", v.Name, api.ErrInvalidArgument)
	}
	mac, err := deriveMAC(v)
	if err != nil {
		return nil, err
	}
	return &Port{
		Base:     device.NewBase(v.Name, DevInfo, socket),
		mac:      mac,
		loopback: loop,
		txLimit:  limit,
		captured: queue.New(),
		capLimit: capLimit,
	}, nil
}

// deriveMAC builds a locally administered address from the instance number.
func deriveMAC(v device.Vdev) (net.HardwareAddr, error) {
	if s, ok := v.Args["mac"]; ok {
		mac, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("%s: mac=%q: %w", v.Name, s, api.ErrInvalidArgument)
		}
		return mac, nil
	}
	n, _ := strconv.Atoi(strings.TrimPrefix(v.Name, v.Driver))
	return net.HardwareAddr{0x02, 0, 0, 0, byte(n >> 8), byte(n)}, nil
}

func (p *Port) Start() error {
	if err := p.BeginStart(); err != nil {
		return err
	}
	rxConf, txConf := p.RxQueues(), p.TxQueues()
	p.rxq = make([]*rxQueue, len(rxConf))
	for i, c := range rxConf {
		p.rxq[i] = &rxQueue{wire: queue.New(), depth: c.Depth, pool: c.Pool, bufs: device.NewRxBuffers(c.Pool)}
	}
	p.txq = make([]*txQueue, len(txConf))
	for i, c := range txConf {
		thresh := c.Conf.FreeThresh
		if thresh == 0 {
			thresh = min(defaultFreeThresh, c.Depth)
		}
		p.txq[i] = &txQueue{ring: queue.New(), depth: c.Depth, freeThresh: thresh}
	}
	p.MarkStarted()
	p.running.Store(true)
	return nil
}

// Stop completes every in-flight TX buffer and drops undelivered frames.
func (p *Port) Stop() error {
	if !p.MarkStopped() {
		return nil
	}
	p.running.Store(false)
	p.Flush()
	for _, rq := range p.rxq {
		rq.mu.Lock()
		for rq.wire.Length() > 0 {
			rq.wire.Remove()
		}
		rq.bufs.Flush()
		rq.mu.Unlock()
	}
	return nil
}

func (p *Port) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	p.MarkClosed()
	return nil
}

func (p *Port) MACAddr() (net.HardwareAddr, error) {
	return append(net.HardwareAddr(nil), p.mac...), nil
}

func (p *Port) EnablePromiscuous() error {
	p.SetPromiscuous(true)
	return nil
}

// Inject queues frames for RX queue q as if they arrived on the wire. Frames
// are copied. Frames beyond the queue depth are counted as missed. It returns
// how many frames were queued.
func (p *Port) Inject(q uint16, frames ...[]byte) int {
	if !p.running.Load() || int(q) >= len(p.rxq) {
		p.Counters.IMissed.Add(uint64(len(frames)))
		return 0
	}
	rq := p.rxq[q]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	n := 0
	for _, f := range frames {
		if rq.wire.Length() >= rq.depth {
			p.Counters.IMissed.Add(1)
			continue
		}
		rq.wire.Add(append([]byte(nil), f...))
		n++
	}
	return n
}

// Pending reports frames waiting on RX queue q.
func (p *Port) Pending(q uint16) int {
	if int(q) >= len(p.rxq) {
		return 0
	}
	rq := p.rxq[q]
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.wire.Length()
}

func (p *Port) RxBurst(q uint16, bufs []api.Mbuf) int {
	if !p.running.Load() || int(q) >= len(p.rxq) || len(bufs) == 0 {
		return 0
	}
	rq := p.rxq[q]
	rq.mu.Lock()
	defer rq.mu.Unlock()

	n := min(len(bufs), rq.wire.Length())
	if n == 0 {
		return 0
	}
	got := n
	if err := rq.bufs.AllocBulk(bufs[:n]); err != nil {
		got = 0
		for got < n && rq.bufs.AllocBulk(bufs[got:got+1]) == nil {
			got++
		}
		p.Counters.RxNoMbuf.Add(uint64(n - got))
	}

	out := 0
	for i := 0; i < got; i++ {
		frame := rq.wire.Remove().([]byte)
		m := bufs[i]
		dst, err := rq.pool.Frame(m)
		if err != nil || len(frame) > len(dst) {
			p.Counters.IMissed.Add(1)
			_ = rq.bufs.Free(m)
			continue
		}
		copy(dst, frame)
		_ = rq.pool.SetData(m, rq.pool.Headroom(), len(frame))
		bufs[out] = m
		out++
		p.Counters.IBytes.Add(uint64(len(frame)))
	}
	api.ZeroMbufs(bufs[out:got])
	p.Counters.IPackets.Add(uint64(out))
	return out
}

func (p *Port) TxBurst(q uint16, bufs []api.Mbuf) int {
	if !p.running.Load() || int(q) >= len(p.txq) || len(bufs) == 0 {
		return 0
	}
	tq := p.txq[q]
	tq.mu.Lock()
	if tq.ring.Length() >= tq.freeThresh {
		p.completeLocked(q, tq, tq.ring.Length())
	}
	n := min(len(bufs), tq.depth-tq.ring.Length())
	if p.txLimit > 0 {
		n = min(n, p.txLimit)
	}
	for _, m := range bufs[:n] {
		tq.ring.Add(m)
	}
	tq.mu.Unlock()
	return n
}

// Flush completes every buffer waiting on every TX ring.
func (p *Port) Flush() {
	for i, tq := range p.txq {
		tq.mu.Lock()
		p.completeLocked(uint16(i), tq, tq.ring.Length())
		tq.mu.Unlock()
	}
}

// completeLocked puts n ring entries on the wire and returns their buffers.
func (p *Port) completeLocked(q uint16, tq *txQueue, n int) {
	for i := 0; i < n; i++ {
		m := tq.ring.Remove().(api.Mbuf)
		src := pool.ByID(m.PoolID())
		if src == nil {
			p.Counters.OErrors.Add(1)
			continue
		}
		data, err := src.Data(m)
		if err != nil {
			p.Counters.OErrors.Add(1)
			continue
		}
		frame := append([]byte(nil), data...)
		if err := src.Free(m); err != nil {
			p.Counters.OErrors.Add(1)
		}
		p.Counters.OPackets.Add(1)
		p.Counters.OBytes.Add(uint64(len(frame)))
		p.deliver(q, frame)
	}
}

func (p *Port) deliver(q uint16, frame []byte) {
	if p.loopback && int(q) < len(p.rxq) {
		rq := p.rxq[q]
		rq.mu.Lock()
		if rq.wire.Length() < rq.depth {
			rq.wire.Add(frame)
		} else {
			p.Counters.IMissed.Add(1)
		}
		rq.mu.Unlock()
		return
	}
	p.capMu.Lock()
	defer p.capMu.Unlock()
	if p.capLimit == 0 {
		return
	}
	if p.captured.Length() >= p.capLimit {
		p.captured.Remove()
	}
	p.captured.Add(frame)
}

// Transmitted drains the frames completed on the wire, oldest first.
func (p *Port) Transmitted() [][]byte {
	p.capMu.Lock()
	defer p.capMu.Unlock()
	out := make([][]byte, 0, p.captured.Length())
	for p.captured.Length() > 0 {
		out = append(out, p.captured.Remove().([]byte))
	}
	return out
}

// InFlight reports buffers held on TX queue q awaiting completion.
func (p *Port) InFlight(q uint16) int {
	if int(q) >= len(p.txq) {
		return 0
	}
	tq := p.txq[q]
	tq.mu.Lock()
	defer tq.mu.Unlock()
	return tq.ring.Length()
}
