// File: internal/device/pcapdev/pcapdev.go
// Package pcapdev is a capture-file backed poll-mode port (driver "net_pcap").
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RX replays frames from rx_pcap into pool buffers. TX writes every accepted
// frame to tx_pcap and returns the buffer to its pool at once. Either side
// may be absent: no rx_pcap means RX never delivers, no tx_pcap means TX
// discards.

package pcapdev

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/pool"
)

// DriverName is the vdev driver prefix served by this package.
const DriverName = "net_pcap"

func init() {
	device.RegisterDriver(DriverName, func(v device.Vdev, socket int) (api.Port, error) {
		return New(v, socket)
	})
}

// DevInfo is what every pcap port reports.
var DevInfo = api.DevInfo{
	Driver:        DriverName,
	MaxRxQueues:   1,
	MaxTxQueues:   1,
	RxDescLimits:  api.DescLimits{Min: 1, Max: 8192, Align: 1},
	TxDescLimits:  api.DescLimits{Min: 1, Max: 8192, Align: 1},
	DefaultTxConf: api.TxConf{},
	MaxRxPktLen:   defaultSnapLen,
}

// Port replays and records capture files.
type Port struct {
	*device.Base
	rxPath   string
	txPath   string
	infinite bool
	mac      net.HardwareAddr

	running atomic.Bool

	rxMu    sync.Mutex
	rxPool  api.Pool
	rxBufs  *device.RxBuffers
	reader  *captureReader
	replay  [][]byte
	next    int
	pending [][]byte
	eof     bool

	txMu   sync.Mutex
	writer *captureWriter
}

// Ensure compile-time interface compliance.
var _ api.Port = (*Port)(nil)

// New creates a port from vdev arguments rx_pcap, tx_pcap, infinite_rx and mac.
func New(v device.Vdev, socket int) (*Port, error) {
	if err := v.CheckKeys("rx_pcap", "tx_pcap", "infinite_rx", "mac"); err != nil {
		return nil, err
	}
	inf, err := v.Bool("infinite_rx", false)
	if err != nil {
		return nil, err
	}
	p := &Port{
		Base:     device.NewBase(v.Name, DevInfo, socket),
		rxPath:   v.Str("rx_pcap", ""),
		txPath:   v.Str("tx_pcap", ""),
		infinite: inf,
	}
	if inf && p.rxPath == "" {
		return nil, fmt.Errorf("%s: infinite_rx needs rx_pcap: %w", v.Name, api.ErrInvalidArgument)
	}
	if s, ok := v.Args["mac"]; ok {
		if p.mac, err = net.ParseMAC(s); err != nil {
			return nil, fmt.Errorf("%s: mac=%q: %w", v.Name, s, api.ErrInvalidArgument)
		}
	} else {
		n, _ := strconv.Atoi(strings.TrimPrefix(v.Name, v.Driver))
		p.mac = net.HardwareAddr{0x02, 0x70, 0x63, 0x61, byte(n >> 8), byte(n)}
	}
	return p, nil
}

// Start opens the capture files. With infinite_rx the whole RX capture is
// loaded into memory and replayed in a loop.
func (p *Port) Start() error {
	if err := p.BeginStart(); err != nil {
		return err
	}
	p.rxMu.Lock()
	p.rxPool = p.RxQueues()[0].Pool
	p.rxBufs = device.NewRxBuffers(p.rxPool)
	p.pending, p.eof, p.next = p.pending[:0], false, 0
	if p.rxPath != "" {
		if p.infinite {
			frames, err := readAll(p.rxPath)
			if err != nil {
				p.rxMu.Unlock()
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			if len(frames) == 0 {
				p.rxMu.Unlock()
				return fmt.Errorf("%s: %s holds no frames to replay: %w", p.Name(), p.rxPath, api.ErrInvalidArgument)
			}
			p.replay = frames
		} else {
			r, err := openCapture(p.rxPath)
			if err != nil {
				p.rxMu.Unlock()
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			p.reader = r
		}
	}
	p.rxMu.Unlock()

	if p.txPath != "" {
		w, err := createCapture(p.txPath)
		if err != nil {
			p.closeRx()
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
		p.txMu.Lock()
		p.writer = w
		p.txMu.Unlock()
	}
	p.MarkStarted()
	p.running.Store(true)
	slog.Debug("pcap port started", "port", p.Name(), "rx", p.rxPath, "tx", p.txPath, "infinite", p.infinite)
	return nil
}

// Stop flushes and closes the capture files.
func (p *Port) Stop() error {
	if !p.MarkStopped() {
		return nil
	}
	p.running.Store(false)
	rxErr := p.closeRx()
	p.txMu.Lock()
	var txErr error
	if p.writer != nil {
		txErr = p.writer.Close()
		p.writer = nil
	}
	p.txMu.Unlock()
	return errors.Join(rxErr, txErr)
}

func (p *Port) closeRx() error {
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	p.replay, p.pending = nil, nil
	if p.rxBufs != nil {
		p.rxBufs.Flush()
	}
	if p.reader == nil {
		return nil
	}
	err := p.reader.Close()
	p.reader = nil
	return err
}

func (p *Port) Close() error {
	err := p.Stop()
	p.MarkClosed()
	return err
}

func (p *Port) MACAddr() (net.HardwareAddr, error) {
	return append(net.HardwareAddr(nil), p.mac...), nil
}

func (p *Port) EnablePromiscuous() error {
	p.SetPromiscuous(true)
	return nil
}

// Exhausted reports whether a finite RX capture has been fully delivered.
func (p *Port) Exhausted() bool {
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	return p.eof && len(p.pending) == 0
}

// fillLocked tops pending up to n frames from the capture.
func (p *Port) fillLocked(n int) {
	for len(p.pending) < n {
		switch {
		case p.replay != nil:
			p.pending = append(p.pending, p.replay[p.next])
			p.next = (p.next + 1) % len(p.replay)
		case p.reader != nil && !p.eof:
			data, err := p.reader.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					slog.Warn("pcap read failed, treating as end of capture", "port", p.Name(), "err", err)
				}
				p.eof = true
				return
			}
			p.pending = append(p.pending, data)
		default:
			p.eof = true
			return
		}
	}
}

func (p *Port) RxBurst(q uint16, bufs []api.Mbuf) int {
	if !p.running.Load() || q != 0 || len(bufs) == 0 {
		return 0
	}
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	p.fillLocked(len(bufs))
	n := min(len(bufs), len(p.pending))
	if n == 0 {
		return 0
	}
	got := n
	if err := p.rxBufs.AllocBulk(bufs[:n]); err != nil {
		got = 0
		for got < n && p.rxBufs.AllocBulk(bufs[got:got+1]) == nil {
			got++
		}
		p.Counters.RxNoMbuf.Add(uint64(n - got))
	}
	out := 0
	for i := 0; i < got; i++ {
		frame, m := p.pending[i], bufs[i]
		dst, err := p.rxPool.Frame(m)
		if err != nil || len(frame) > len(dst) {
			p.Counters.IMissed.Add(1)
			_ = p.rxBufs.Free(m)
			continue
		}
		copy(dst, frame)
		_ = p.rxPool.SetData(m, p.rxPool.Headroom(), len(frame))
		bufs[out] = m
		out++
		p.Counters.IBytes.Add(uint64(len(frame)))
	}
	rest := copy(p.pending, p.pending[got:])
	clear(p.pending[rest:])
	p.pending = p.pending[:rest]
	api.ZeroMbufs(bufs[out:got])
	p.Counters.IPackets.Add(uint64(out))
	return out
}

// TxBurst records every frame and returns its buffer to the pool. It never
// refuses buffers.
func (p *Port) TxBurst(q uint16, bufs []api.Mbuf) int {
	if !p.running.Load() || q != 0 {
		return 0
	}
	p.txMu.Lock()
	defer p.txMu.Unlock()
	now := time.Now()
	for _, m := range bufs {
		src := pool.ByID(m.PoolID())
		if src == nil {
			p.Counters.OErrors.Add(1)
			continue
		}
		data, err := src.Data(m)
		if err == nil && p.writer != nil {
			err = p.writer.w.WritePacket(gopacket.CaptureInfo{
				Timestamp:     now,
				CaptureLength: len(data),
				Length:        len(data),
			}, data)
		}
		if err != nil {
			p.Counters.OErrors.Add(1)
		} else {
			p.Counters.OPackets.Add(1)
			p.Counters.OBytes.Add(uint64(len(data)))
		}
		_ = src.Free(m)
	}
	return len(bufs)
}
