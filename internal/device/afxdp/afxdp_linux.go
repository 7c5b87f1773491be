// File: internal/device/afxdp/afxdp_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/internal/device"
	"github.com/momentics/hioload-reflector/pool"
)

func init() {
	device.RegisterDriver(DriverName, func(v device.Vdev, socket int) (api.Port, error) {
		return New(v, socket)
	})
}

// Port is one AF_XDP socket bound to one interface queue.
type Port struct {
	*device.Base
	opts Options
	link netlink.Link
	mac  net.HardwareAddr
	log  *slog.Logger

	running  atomic.Bool
	rxMu     sync.Mutex
	txMu     sync.Mutex
	pool     *pool.Pool
	rxBufs   *device.RxBuffers
	fd       int
	zerocopy bool
	regions  [][]byte
	fill     *ring[uint64]
	comp     *ring[uint64]
	rx       *ring[desc]
	tx       *ring[desc]
	thresh   uint32
	refill   []api.Mbuf

	xsks *ebpf.Map
	prog *ebpf.Program
	xdp  link.Link

	last api.PortStats // kernel counters at the last Stop
}

var _ api.Port = (*Port)(nil)

// New resolves the interface and prepares an unstarted port.
func New(v device.Vdev, socket int) (*Port, error) {
	opts, err := ParseOptions(v)
	if err != nil {
		return nil, err
	}
	l, err := netlink.LinkByName(opts.Iface)
	if err != nil {
		return nil, fmt.Errorf("%s: interface %q: %v: %w", v.Name, opts.Iface, err, api.ErrNotFound)
	}
	if n := l.Attrs().NumRxQueues; n > 0 && int(opts.Queue) >= n {
		return nil, fmt.Errorf("%s: queue %d of %d: %w", v.Name, opts.Queue, n, api.ErrInvalidArgument)
	}
	return &Port{
		Base: device.NewBase(v.Name, DevInfo, socket),
		opts: opts,
		link: l,
		mac:  l.Attrs().HardwareAddr,
		log:  slog.Default().With("port", v.Name, "iface", opts.Iface, "queue", opts.Queue),
		fd:   -1,
	}, nil
}

// ZeroCopy reports whether the socket was bound in zero-copy mode.
func (p *Port) ZeroCopy() bool { return p.zerocopy }

func (p *Port) Start() error {
	if err := p.BeginStart(); err != nil {
		return err
	}
	rxc, txc := p.RxQueues()[0], p.TxQueues()[0]
	pl, ok := rxc.Pool.(*pool.Pool)
	if !ok {
		return fmt.Errorf("%s: UMEM needs a *pool.Pool: %w", p.Name(), api.ErrNotSupported)
	}
	if err := checkChunk(pl.Stride()); err != nil {
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	if !pl.Populated() {
		return fmt.Errorf("%s: pool %s not populated: %w", p.Name(), pl.Name(), api.ErrInvalidArgument)
	}
	for _, d := range []int{rxc.Depth, txc.Depth} {
		if d&(d-1) != 0 {
			return fmt.Errorf("%s: ring depth %d is not a power of two: %w", p.Name(), d, api.ErrInvalidArgument)
		}
	}
	p.pool = pl
	p.rxBufs = device.NewRxBuffers(pl)
	p.thresh = uint32(txc.Conf.FreeThresh)
	if p.thresh == 0 {
		p.thresh = defaultThresh
	}
	if err := p.open(uint32(rxc.Depth), uint32(txc.Depth)); err != nil {
		p.teardown()
		return fmt.Errorf("%s: %w", p.Name(), err)
	}
	p.MarkStarted()
	p.running.Store(true)
	p.log.Info("AF_XDP socket bound", "zerocopy", p.zerocopy, "mode", p.opts.Mode, "umem", len(pl.Region()))
	return nil
}

func (p *Port) open(rxSize, txSize uint32) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		p.log.Debug("memlock limit not lifted", "err", err)
	}
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("AF_XDP socket: %w", err)
	}
	p.fd = fd

	umem := p.pool.Region()
	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:      uint64(len(umem)),
		Size:     uint32(p.pool.Stride()),
		Headroom: pool.HeaderSize,
	}
	if err := setsockopt(fd, unix.XDP_UMEM_REG, unsafe.Pointer(&reg), unsafe.Sizeof(reg)); err != nil {
		return fmt.Errorf("XDP_UMEM_REG: %w", err)
	}
	for _, o := range []struct {
		name int
		size uint32
	}{
		{unix.XDP_UMEM_FILL_RING, rxSize},
		{unix.XDP_UMEM_COMPLETION_RING, txSize},
		{unix.XDP_RX_RING, rxSize},
		{unix.XDP_TX_RING, txSize},
	} {
		if err := setsockopt(fd, o.name, unsafe.Pointer(&o.size), unsafe.Sizeof(o.size)); err != nil {
			return fmt.Errorf("ring size option %d: %w", o.name, err)
		}
	}
	var offs unix.XDPMmapOffsets
	if err := getsockopt(fd, unix.XDP_MMAP_OFFSETS, unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fmt.Errorf("XDP_MMAP_OFFSETS: %w", err)
	}

	if p.fill, err = mapAddrRing(p, offs.Fr, rxSize, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return fmt.Errorf("fill ring: %w", err)
	}
	if p.comp, err = mapAddrRing(p, offs.Cr, txSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING); err != nil {
		return fmt.Errorf("completion ring: %w", err)
	}
	if p.rx, err = mapDescRing(p, offs.Rx, rxSize, unix.XDP_PGOFF_RX_RING); err != nil {
		return fmt.Errorf("rx ring: %w", err)
	}
	if p.tx, err = mapDescRing(p, offs.Tx, txSize, unix.XDP_PGOFF_TX_RING); err != nil {
		return fmt.Errorf("tx ring: %w", err)
	}

	p.refill = make([]api.Mbuf, rxSize)
	if n := p.post(rxSize); n == 0 {
		return fmt.Errorf("no buffers for the fill ring: %w", api.ErrResourceExhausted)
	}

	if err := p.bind(); err != nil {
		return err
	}
	if err := p.attach(); err != nil {
		return err
	}
	return nil
}

func (p *Port) bind() error {
	sa := &unix.RawSockaddrXDP{
		Family:   unix.AF_XDP,
		Ifindex:  uint32(p.link.Attrs().Index),
		Queue_id: p.opts.Queue,
		Flags:    unix.XDP_COPY,
	}
	if p.opts.ZeroCopy {
		sa.Flags = unix.XDP_ZEROCOPY
	}
	err := rawBind(p.fd, sa)
	var errno unix.Errno
	if err != nil && p.opts.ZeroCopy && errors.As(err, &errno) &&
		(errno == unix.EPROTONOSUPPORT || errno == unix.EOPNOTSUPP) {
		p.log.Debug("zero-copy bind refused, using copy mode", "err", err)
		sa.Flags = unix.XDP_COPY
		err = rawBind(p.fd, sa)
	}
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	p.zerocopy = sa.Flags == unix.XDP_ZEROCOPY
	return nil
}

// attach loads a program that redirects every frame of a bound queue to
// its socket and passes the rest to the stack.
func (p *Port) attach() error {
	entries := uint32(p.opts.Queue) + 1
	if n := p.link.Attrs().NumRxQueues; n > int(entries) {
		entries = uint32(n)
	}
	var err error
	p.xsks, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: entries,
	})
	if err != nil {
		return fmt.Errorf("xsks map: %w", err)
	}
	p.prog, err = ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:    "xsk_redirect",
		Type:    ebpf.XDP,
		License: "GPL",
		Instructions: asm.Instructions{
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word), // ctx->rx_queue_index
			asm.LoadMapPtr(asm.R1, p.xsks.FD()),
			asm.Mov.Imm(asm.R3, 2), // XDP_PASS when the slot is empty
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
	})
	if err != nil {
		return fmt.Errorf("redirect program: %w", err)
	}
	flags := link.XDPDriverMode
	if p.opts.Mode == ModeGeneric {
		flags = link.XDPGenericMode
	}
	p.xdp, err = link.AttachXDP(link.XDPOptions{
		Program:   p.prog,
		Interface: p.link.Attrs().Index,
		Flags:     flags,
	})
	if err != nil {
		return fmt.Errorf("attach XDP (%s): %w", p.opts.Mode, err)
	}
	if err := p.xsks.Put(p.opts.Queue, uint32(p.fd)); err != nil {
		return fmt.Errorf("register socket in xsks map: %w", err)
	}
	return nil
}

// post allocates up to n buffers and hands their slots to the kernel.
func (p *Port) post(n uint32) uint32 {
	n = p.fill.free(n)
	if n == 0 {
		return 0
	}
	bufs := p.refill[:n]
	got := n
	if err := p.rxBufs.AllocBulk(bufs); err != nil {
		got = 0
		for got < n && p.rxBufs.AllocBulk(bufs[got:got+1]) == nil {
			got++
		}
		p.Counters.RxNoMbuf.Add(uint64(n - got))
	}
	for _, m := range bufs[:got] {
		off, err := p.pool.Offset(m)
		if err != nil {
			_ = p.rxBufs.Free(m)
			continue
		}
		p.fill.push(uint64(off))
	}
	p.fill.submit()
	api.ZeroMbufs(bufs)
	return got
}

func (p *Port) RxBurst(q uint16, bufs []api.Mbuf) int {
	if q != 0 || len(bufs) == 0 || !p.running.Load() {
		return 0
	}
	p.rxMu.Lock()
	defer p.rxMu.Unlock()

	n := p.rx.avail(uint32(len(bufs)))
	out := 0
	var bytes uint64
	for i := uint32(0); i < n; i++ {
		d := p.rx.pop()
		m, err := p.pool.Lookup(int(d.Addr))
		if err != nil {
			p.Counters.IMissed.Add(1)
			continue
		}
		if err := p.pool.SetDataAddr(m, int(d.Addr), int(d.Len)); err != nil {
			p.Counters.IMissed.Add(1)
			_ = p.rxBufs.Free(m)
			continue
		}
		bufs[out] = m
		out++
		bytes += uint64(d.Len)
	}
	if n > 0 {
		p.rx.release()
		p.post(n)
	}
	p.Counters.IPackets.Add(uint64(out))
	p.Counters.IBytes.Add(bytes)
	return out
}

func (p *Port) TxBurst(q uint16, bufs []api.Mbuf) int {
	if q != 0 || len(bufs) == 0 || !p.running.Load() {
		return 0
	}
	p.txMu.Lock()
	defer p.txMu.Unlock()

	if p.tx.size-p.tx.free(p.tx.size) >= p.thresh {
		p.complete()
	}
	n := int(p.tx.free(uint32(len(bufs))))
	if n == 0 {
		p.complete()
		n = int(p.tx.free(uint32(len(bufs))))
	}
	id := p.pool.ID()
	sent := 0
	for _, m := range bufs[:n] {
		// Only buffers living in this socket's UMEM can be posted.
		if m.PoolID() != id {
			break
		}
		addr, length, err := p.pool.DataAddr(m)
		if err != nil {
			break
		}
		p.tx.push(desc{Addr: uint64(addr), Len: uint32(length)})
		sent++
	}
	if sent > 0 {
		p.tx.submit()
		if err := wakeup(p.fd); err != nil {
			p.Counters.OErrors.Add(1)
		}
	}
	return sent
}

// complete returns transmitted buffers to the pool.
func (p *Port) complete() {
	n := p.comp.avail(p.comp.size)
	for i := uint32(0); i < n; i++ {
		p.freeAddr(p.comp.pop(), true)
	}
	if n > 0 {
		p.comp.release()
	}
}

func (p *Port) freeAddr(addr uint64, sent bool) {
	m, err := p.pool.Lookup(int(addr))
	if err != nil {
		p.Counters.OErrors.Add(1)
		return
	}
	if sent {
		if data, err := p.pool.Data(m); err == nil {
			p.Counters.OPackets.Add(1)
			p.Counters.OBytes.Add(uint64(len(data)))
		}
	}
	if err := p.pool.Free(m); err != nil {
		p.Counters.OErrors.Add(1)
	}
}

// Stop detaches the program, closes the socket and returns every buffer
// still visible on the rings.
func (p *Port) Stop() error {
	if !p.MarkStopped() {
		return nil
	}
	p.running.Store(false)
	p.rxMu.Lock()
	p.txMu.Lock()
	defer p.txMu.Unlock()
	defer p.rxMu.Unlock()
	p.last = p.kernelStats()
	return p.teardown()
}

func (p *Port) teardown() error {
	var errs []error
	if p.xdp != nil {
		errs = append(errs, p.xdp.Close())
		p.xdp = nil
	}
	if p.prog != nil {
		errs = append(errs, p.prog.Close())
		p.prog = nil
	}
	if p.xsks != nil {
		errs = append(errs, p.xsks.Close())
		p.xsks = nil
	}
	if p.fd >= 0 {
		errs = append(errs, unix.Close(p.fd))
		p.fd = -1
	}
	if p.pool != nil {
		if p.rx != nil {
			p.rx.pending(func(d desc) { p.freeAddr(d.Addr, false) })
		}
		if p.comp != nil {
			p.comp.pending(func(a uint64) { p.freeAddr(a, true) })
		}
		if p.fill != nil {
			p.fill.outstanding(func(a uint64) { p.freeAddr(a, false) })
		}
		if p.tx != nil {
			p.tx.outstanding(func(d desc) { p.freeAddr(d.Addr, false) })
		}
	}
	if p.rxBufs != nil {
		p.rxBufs.Flush()
	}
	p.fill, p.comp, p.rx, p.tx = nil, nil, nil, nil
	for _, r := range p.regions {
		errs = append(errs, unix.Munmap(r))
	}
	p.regions = nil
	return errors.Join(errs...)
}

func (p *Port) Close() error {
	err := p.Stop()
	p.MarkClosed()
	return err
}

func (p *Port) MACAddr() (net.HardwareAddr, error) {
	if len(p.mac) == 0 {
		return nil, fmt.Errorf("%s: interface has no hardware address: %w", p.Name(), api.ErrNotSupported)
	}
	return append(net.HardwareAddr(nil), p.mac...), nil
}

func (p *Port) EnablePromiscuous() error {
	if err := netlink.SetPromiscOn(p.link); err != nil {
		return fmt.Errorf("%s: promiscuous on %s: %w", p.Name(), p.opts.Iface, err)
	}
	p.SetPromiscuous(true)
	return nil
}

// Stats merges the socket's kernel drop counters into the port counters.
func (p *Port) Stats() api.PortStats {
	s := p.Counters.Snapshot()
	k := p.last
	if p.running.Load() {
		k = p.kernelStats()
	}
	s.IMissed += k.IMissed
	s.RxNoMbuf += k.RxNoMbuf
	s.OErrors += k.OErrors
	return s
}

func (p *Port) kernelStats() api.PortStats {
	var st unix.XDPStatistics
	if p.fd < 0 || getsockopt(p.fd, unix.XDP_STATISTICS, unsafe.Pointer(&st), unsafe.Sizeof(st)) != nil {
		return p.last
	}
	return api.PortStats{
		IMissed:  st.Rx_dropped + st.Rx_ring_full,
		RxNoMbuf: st.Rx_fill_ring_empty_descs,
		OErrors:  st.Rx_invalid_descs + st.Tx_invalid_descs,
	}
}

func mapAddrRing(p *Port, off unix.XDPRingOffset, size uint32, pgoff int64) (*ring[uint64], error) {
	region, err := mmapRegion(p.fd, uintptr(off.Desc)+uintptr(size)*8, pgoff)
	if err != nil {
		return nil, err
	}
	p.regions = append(p.regions, region)
	base := unsafe.Pointer(&region[0])
	return newRing(
		(*uint32)(unsafe.Add(base, off.Producer)),
		(*uint32)(unsafe.Add(base, off.Consumer)),
		unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	), nil
}

func mapDescRing(p *Port, off unix.XDPRingOffset, size uint32, pgoff int64) (*ring[desc], error) {
	region, err := mmapRegion(p.fd, uintptr(off.Desc)+uintptr(size)*unsafe.Sizeof(desc{}), pgoff)
	if err != nil {
		return nil, err
	}
	p.regions = append(p.regions, region)
	base := unsafe.Pointer(&region[0])
	return newRing(
		(*uint32)(unsafe.Add(base, off.Producer)),
		(*uint32)(unsafe.Add(base, off.Consumer)),
		unsafe.Slice((*desc)(unsafe.Add(base, off.Desc)), size),
	), nil
}

func rawBind(fd int, sa *unix.RawSockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(sa)), unsafe.Sizeof(*sa))
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), unix.SOL_XDP, uintptr(name), uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen)
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), unix.SOL_XDP, uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func mmapRegion(fd int, length uintptr, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// wakeup kicks the TX path. EAGAIN and EBUSY mean the kernel is already busy.
func wakeup(fd int) error {
	err := unix.Sendto(fd, nil, unix.MSG_DONTWAIT, nil)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ENOBUFS) {
		return nil
	}
	return err
}
