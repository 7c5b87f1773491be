// Package api
// Author: momentics <momentics@gmail.com>
//
// Poll-mode port contract: the narrow set of device operations the reflector
// core needs. Implementations live under internal/device.

package api

import "net"

// Pool is the RX supply a queue is bound to. It is satisfied by *pool.Pool;
// the interface keeps api free of an import cycle.
type Pool interface {
	MbufSource
	MbufSink
	// Name identifies the pool in diagnostics.
	Name() string
	// Stride is the byte distance between slot bases.
	Stride() int
	// DataRoom is the usable payload size of one slot.
	DataRoom() int
	// Headroom is the default data offset inside a slot, past the header.
	Headroom() int
	// Frame returns the writable bytes of a checked-out buffer starting
	// at its data offset and spanning the whole data room.
	Frame(m Mbuf) ([]byte, error)
	// Data returns the current payload of a checked-out buffer.
	Data(m Mbuf) ([]byte, error)
	// SetData sets offset and length of the payload. The offset counts from
	// the end of the slot header, so Headroom() is the default.
	SetData(m Mbuf, off, length int) error
}

// PortConf is the device-wide configuration passed to Configure.
type PortConf struct {
	MTU        int
	TxOffloads uint64
	RxOffloads uint64
}

// TxConf carries per-queue transmit tuning.
type TxConf struct {
	FreeThresh int // reclaim completions once this many are pending (0 = driver default)
	Offloads   uint64
}

// DescLimits bounds the descriptor ring depth a driver accepts.
type DescLimits struct {
	Min   int
	Max   int
	Align int
}

// DescCounts is the result of descriptor negotiation.
type DescCounts struct {
	Rx int
	Tx int
}

// DevInfo describes a port's driver and limits.
type DevInfo struct {
	Driver        string
	MaxRxQueues   int
	MaxTxQueues   int
	RxDescLimits  DescLimits
	TxDescLimits  DescLimits
	DefaultTxConf TxConf
	MaxRxPktLen   int
}

// PortStats are cumulative device counters.
type PortStats struct {
	IPackets uint64 // frames delivered through RxBurst
	OPackets uint64 // frames completed on the wire
	IBytes   uint64
	OBytes   uint64
	IMissed  uint64 // frames lost because no RX descriptor was posted
	RxNoMbuf uint64 // RX refill failures
	OErrors  uint64
}

// Port is one poll-mode network port with RX/TX queues.
//
// RxBurst and TxBurst are non-blocking and must not allocate on the hot path.
// TxBurst accepts a prefix of bufs; ownership of the accepted prefix moves to
// the port, which returns each buffer to its pool on transmit completion.
// Buffers past the returned count still belong to the caller.
type Port interface {
	Info() DevInfo
	SocketID() int
	Configure(nbRx, nbTx int, conf PortConf) error
	AdjustDescriptors(nbRx, nbTx int) (DescCounts, error)
	SetupRxQueue(queue uint16, depth int, socket int, pool Pool) error
	SetupTxQueue(queue uint16, depth int, socket int, conf TxConf) error
	Start() error
	Stop() error
	MACAddr() (net.HardwareAddr, error)
	EnablePromiscuous() error
	RxBurst(queue uint16, bufs []Mbuf) int
	TxBurst(queue uint16, bufs []Mbuf) int
	Stats() PortStats
	Close() error
}

// AdjustDescCount clamps a requested ring depth to driver limits, aligning
// upward. It is the pure counterpart of descriptor negotiation.
func AdjustDescCount(n int, lim DescLimits) int {
	if lim.Align > 1 {
		n = (n + lim.Align - 1) / lim.Align * lim.Align
	}
	if lim.Max > 0 && n > lim.Max {
		n = lim.Max
		if lim.Align > 1 {
			n = n / lim.Align * lim.Align
		}
	}
	if n < lim.Min {
		n = lim.Min
	}
	return n
}
