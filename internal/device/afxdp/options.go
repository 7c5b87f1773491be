// File: internal/device/afxdp/options.go
// Package afxdp is a poll-mode port over a Linux AF_XDP socket
// (driver "net_af_xdp"). The UMEM is the region of the RX queue's pool, so
// received frames are pool buffers and transmit needs no copy.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package afxdp

import (
	"fmt"
	"os"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
)

// DriverName is the vdev driver prefix served by this package.
const DriverName = "net_af_xdp"

const (
	minChunk      = 2048
	descMin       = 64
	descMax       = 4096
	defaultThresh = 32
)

// Mode selects how the redirect program is attached.
type Mode int

const (
	ModeDriver  Mode = iota // native XDP in the NIC driver
	ModeGeneric             // skb mode, works on any interface
)

func (m Mode) String() string {
	if m == ModeGeneric {
		return "skb"
	}
	return "drv"
}

// Options are the vdev arguments of an AF_XDP port.
type Options struct {
	Iface    string
	Queue    uint32
	ZeroCopy bool
	Mode     Mode
}

// ParseOptions reads
//
//	iface=eth0   interface to bind (required)
//	queue=N      hardware queue id, default 0
//	zerocopy=0   disable the XDP_ZEROCOPY bind attempt
//	mode=skb|drv program attach mode, default drv
func ParseOptions(v device.Vdev) (Options, error) {
	if err := v.CheckKeys("iface", "queue", "zerocopy", "mode"); err != nil {
		return Options{}, err
	}
	o := Options{Iface: v.Str("iface", "")}
	if o.Iface == "" {
		return Options{}, fmt.Errorf("%s: iface is required: %w", v.Name, api.ErrInvalidArgument)
	}
	q, err := v.Int("queue", 0)
	if err != nil {
		return Options{}, err
	}
	if q < 0 {
		return Options{}, fmt.Errorf("%s: queue=%d: %w", v.Name, q, api.ErrInvalidArgument)
	}
	o.Queue = uint32(q)
	if o.ZeroCopy, err = v.Bool("zerocopy", true); err != nil {
		return Options{}, err
	}
	switch m := v.Str("mode", "drv"); m {
	case "drv", "native":
		o.Mode = ModeDriver
	case "skb", "generic":
		o.Mode = ModeGeneric
	default:
		return Options{}, fmt.Errorf("%s: mode=%q: %w", v.Name, m, api.ErrInvalidArgument)
	}
	return o, nil
}

// DevInfo is what every AF_XDP port reports. One socket serves one queue.
var DevInfo = api.DevInfo{
	Driver:        DriverName,
	MaxRxQueues:   1,
	MaxTxQueues:   1,
	RxDescLimits:  api.DescLimits{Min: descMin, Max: descMax, Align: descMin},
	TxDescLimits:  api.DescLimits{Min: descMin, Max: descMax, Align: descMin},
	DefaultTxConf: api.TxConf{FreeThresh: defaultThresh},
	MaxRxPktLen:   minChunk,
}

// checkChunk reports whether a pool stride can serve as UMEM chunk size.
// Aligned-mode UMEM wants a power of two between 2048 and the page size.
func checkChunk(stride int) error {
	page := os.Getpagesize()
	if stride < minChunk || stride > page || stride&(stride-1) != 0 {
		return fmt.Errorf("pool stride %d is not a power of two in [%d,%d]: %w",
			stride, minChunk, page, api.ErrNotSupported)
	}
	return nil
}
