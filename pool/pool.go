// File: pool/pool.go
// Package pool implements the fixed-stride packet buffer arena.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Pool owns one page-aligned region carved into equal slots. Free slots are
// tracked as indices in a lock-free MPMC queue; checked-out slots are named by
// generation-stamped api.Mbuf handles. Returning a handle bumps the slot
// generation, so copies of a released handle are rejected from then on.

package pool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-reflector/api"
	"github.com/momentics/hioload-reflector/core/concurrency"
)

// Ensure compile-time interface compliance.
var _ api.Pool = (*Pool)(nil)

// FreeListOps names the free-list discipline: multi-producer, multi-consumer.
const FreeListOps = "ring_mp_mc"

// slot word: bit 0 = checked out, bits 1..24 = generation.
const ownedBit = 1

type slotMeta struct {
	word    atomic.Uint32
	dataOff uint32
	dataLen uint32
}

func nextGen(g uint32) uint32 {
	g = (g + 1) & api.MbufGenMask
	if g == 0 {
		g = 1
	}
	return g
}

// Pool is a fixed-stride packet buffer arena.
type Pool struct {
	id        uint8
	name      string
	layout    Layout
	node      int
	hugePages bool
	cacheSize int

	mu        sync.Mutex
	region    *Region
	mem       []byte
	meta      []slotMeta
	free      *concurrency.LockFreeQueue[uint32]
	populated atomic.Bool
	closed    atomic.Bool

	cached     atomic.Int64
	totalAlloc atomic.Uint64
	totalFree  atomic.Uint64
	allocFail  atomic.Uint64
}

// Option adjusts an empty pool before population.
type Option func(*Pool)

// WithNode sets the NUMA node hint used by Populate.
func WithNode(node int) Option { return func(p *Pool) { p.node = node } }

// WithHugePages asks Populate for hugepage backing.
func WithHugePages(on bool) Option { return func(p *Pool) { p.hugePages = on } }

// WithCacheSize sets the depth of caches created by NewCache.
func WithCacheSize(n int) Option { return func(p *Pool) { p.cacheSize = n } }

// CreateEmpty registers a named pool with no memory behind it yet.
// The pool hands out nothing until PopulateRegion or Populate succeeds.
func CreateEmpty(name string, l Layout, opts ...Option) (*Pool, error) {
	if name == "" {
		return nil, api.PoolPopulationError(fmt.Errorf("empty pool name: %w", api.ErrInvalidArgument))
	}
	if l.Count < 1 || uint64(l.Count) > math.MaxUint32 || l.Stride < HeaderSize+l.Headroom || l.Align < 1 {
		return nil, api.PoolPopulationError(fmt.Errorf("invalid layout %+v: %w", l, api.ErrInvalidArgument))
	}
	p := &Pool{
		name:   name,
		layout: l,
		node:   api.NoNUMA,
	}
	for _, o := range opts {
		o(p)
	}
	if err := validateCacheSize(p.cacheSize, l.Count); err != nil {
		return nil, api.PoolPopulationError(err)
	}
	if err := register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Populate allocates the region for the pool's layout on its NUMA node and
// carves it. On failure the pool stays empty and registered.
func (p *Pool) Populate() error {
	r, err := AllocRegion(p.layout, p.node, p.hugePages)
	if err != nil {
		return err
	}
	if err := p.PopulateRegion(r); err != nil {
		_ = r.Free()
		return err
	}
	return nil
}

// PopulateRegion carves a caller-supplied region into slots, stamps every
// slot header and publishes all indices on the free-list. The pool takes
// ownership of r only on success. Population is all-or-nothing.
func (p *Pool) PopulateRegion(r *Region) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed.Load():
		return api.PoolPopulationError(api.ErrPoolClosed)
	case p.populated.Load():
		return api.PoolPopulationError(fmt.Errorf("pool %q already populated: %w", p.name, api.ErrAlreadyExists))
	case r == nil || len(r.Bytes()) < p.layout.SlotBytes():
		return api.PoolPopulationError(fmt.Errorf("region smaller than %d bytes: %w", p.layout.SlotBytes(), api.ErrInvalidArgument))
	case !isAligned(r.Bytes(), p.layout.Align):
		return api.PoolPopulationError(fmt.Errorf("region base not aligned to %d: %w", p.layout.Align, api.ErrInvalidArgument))
	}

	n := p.layout.Count
	free := concurrency.NewLockFreeQueue[uint32](n)
	meta := make([]slotMeta, n)
	mem := r.Bytes()[:p.layout.SlotBytes()]
	idx := make([]uint32, n)
	for i := 0; i < n; i++ {
		off := i * p.layout.Stride
		stampHeader(mem[off:off+p.layout.Stride], SlotHeader{
			PoolID:   p.id,
			Index:    uint32(i),
			Headroom: uint16(p.layout.Headroom),
			DataRoom: uint32(p.layout.DataRoom),
			Stride:   uint32(p.layout.Stride),
		})
		meta[i].word.Store(1 << 1)
		meta[i].dataOff = uint32(p.layout.Headroom)
		idx[i] = uint32(i)
	}
	if got := free.EnqueueBulk(idx); got != n {
		return api.PoolPopulationError(fmt.Errorf("free-list took %d of %d slots", got, n))
	}

	p.region = r
	p.mem = mem
	p.meta = meta
	p.free = free
	p.populated.Store(true)
	return nil
}

// New computes the layout, allocates the region, registers and populates a
// pool in one step. Nothing is left registered or allocated on failure.
func New(cfg Config) (*Pool, error) {
	l, err := ComputeLayout(cfg)
	if err != nil {
		return nil, err
	}
	p, err := CreateEmpty(cfg.Name, l,
		WithNode(cfg.Node), WithHugePages(cfg.HugePages), WithCacheSize(cfg.CacheSize))
	if err != nil {
		return nil, err
	}
	if err := p.Populate(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Alloc checks out one buffer with its data offset reset to the headroom.
func (p *Pool) Alloc() (api.Mbuf, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	i, ok := p.free.Dequeue()
	if !ok {
		p.allocFail.Add(1)
		return 0, fmt.Errorf("pool %q: %w", p.name, api.ErrResourceExhausted)
	}
	return p.checkout(i), nil
}

// AllocBulk checks out len(bufs) buffers or none at all.
func (p *Pool) AllocBulk(bufs []api.Mbuf) error {
	if len(bufs) == 0 {
		return nil
	}
	if err := p.ready(); err != nil {
		return err
	}
	var small [64]uint32
	idx := small[:0]
	if len(bufs) <= len(small) {
		idx = small[:len(bufs)]
	} else {
		idx = make([]uint32, len(bufs))
	}
	got := p.free.DequeueBulk(idx)
	if got < len(bufs) {
		p.free.EnqueueBulk(idx[:got])
		p.allocFail.Add(1)
		return fmt.Errorf("pool %q: %d of %d buffers available: %w", p.name, got, len(bufs), api.ErrResourceExhausted)
	}
	for k, i := range idx {
		bufs[k] = p.checkout(i)
	}
	return nil
}

// Free returns a buffer. Stale or already returned handles are rejected
// without touching the free-list.
func (p *Pool) Free(m api.Mbuf) error {
	i, err := p.release(m)
	if err != nil {
		return err
	}
	p.free.Enqueue(i)
	return nil
}

// FreeBulk returns every handle in bufs and zeroes the array. The first
// error is reported; valid handles are still returned.
func (p *Pool) FreeBulk(bufs []api.Mbuf) error {
	var first error
	for k, m := range bufs {
		if err := p.Free(m); err != nil && first == nil {
			first = err
		}
		bufs[k] = 0
	}
	return first
}

// checkout marks a dequeued index as owned and builds its handle.
func (p *Pool) checkout(i uint32) api.Mbuf {
	s := &p.meta[i]
	w := s.word.Load()
	s.word.Store(w | ownedBit)
	s.dataOff = uint32(p.layout.Headroom)
	s.dataLen = 0
	p.totalAlloc.Add(1)
	return api.MakeMbuf(p.id, w>>1, i)
}

// release validates m and moves its slot back to the free state with a new
// generation. The caller puts the index on a free-list.
func (p *Pool) release(m api.Mbuf) (uint32, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	s, err := p.slot(m)
	if err != nil {
		return 0, err
	}
	want := m.Gen()<<1 | ownedBit
	if !s.word.CompareAndSwap(want, nextGen(m.Gen())<<1) {
		if s.word.Load() == nextGen(m.Gen())<<1 {
			return 0, fmt.Errorf("mbuf %#x: %w", uint64(m), api.ErrDoubleFree)
		}
		return 0, fmt.Errorf("mbuf %#x: %w", uint64(m), api.ErrStaleMbuf)
	}
	p.totalFree.Add(1)
	return m.Index(), nil
}

// slot resolves m to its metadata without checking ownership.
func (p *Pool) slot(m api.Mbuf) (*slotMeta, error) {
	if m.IsZero() || m.PoolID() != p.id || int(m.Index()) >= len(p.meta) || m.Gen() == 0 {
		return nil, fmt.Errorf("mbuf %#x not from pool %q: %w", uint64(m), p.name, api.ErrStaleMbuf)
	}
	return &p.meta[m.Index()], nil
}

// owned resolves m and checks that it is the current checkout.
func (p *Pool) owned(m api.Mbuf) (*slotMeta, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	s, err := p.slot(m)
	if err != nil {
		return nil, err
	}
	if s.word.Load() != m.Gen()<<1|ownedBit {
		return nil, fmt.Errorf("mbuf %#x: %w", uint64(m), api.ErrStaleMbuf)
	}
	return s, nil
}

func (p *Pool) ready() error {
	if p.closed.Load() {
		return fmt.Errorf("pool %q: %w", p.name, api.ErrPoolClosed)
	}
	if !p.populated.Load() {
		return fmt.Errorf("pool %q not populated: %w", p.name, api.ErrResourceExhausted)
	}
	return nil
}

// buf is the slot area past the header: headroom plus data room.
func (p *Pool) buf(i uint32) []byte {
	base := int(i) * p.layout.Stride
	return p.mem[base+HeaderSize : base+p.layout.Stride : base+p.layout.Stride]
}

// Frame returns the writable bytes from the data offset to the slot end.
func (p *Pool) Frame(m api.Mbuf) ([]byte, error) {
	s, err := p.owned(m)
	if err != nil {
		return nil, err
	}
	return p.buf(m.Index())[s.dataOff:], nil
}

// Data returns the current payload of m.
func (p *Pool) Data(m api.Mbuf) ([]byte, error) {
	s, err := p.owned(m)
	if err != nil {
		return nil, err
	}
	return p.buf(m.Index())[s.dataOff : s.dataOff+s.dataLen], nil
}

// SetData moves the payload window. off counts from the end of the header.
func (p *Pool) SetData(m api.Mbuf, off, length int) error {
	s, err := p.owned(m)
	if err != nil {
		return err
	}
	if off < 0 || length < 0 || off+length > p.layout.Stride-HeaderSize {
		return fmt.Errorf("data window [%d,+%d) outside %d-byte buffer: %w",
			off, length, p.layout.Stride-HeaderSize, api.ErrInvalidArgument)
	}
	s.dataOff, s.dataLen = uint32(off), uint32(length)
	return nil
}

// Reset restores the default data offset and empties the payload.
func (p *Pool) Reset(m api.Mbuf) error {
	return p.SetData(m, p.layout.Headroom, 0)
}

// Offset returns the region offset of m's slot base.
func (p *Pool) Offset(m api.Mbuf) (int, error) {
	if _, err := p.owned(m); err != nil {
		return 0, err
	}
	return int(m.Index()) * p.layout.Stride, nil
}

// DataAddr returns the region offset and length of m's payload.
func (p *Pool) DataAddr(m api.Mbuf) (addr, length int, err error) {
	s, err := p.owned(m)
	if err != nil {
		return 0, 0, err
	}
	return int(m.Index())*p.layout.Stride + HeaderSize + int(s.dataOff), int(s.dataLen), nil
}

// SetDataAddr sets m's payload from a region offset inside its slot.
func (p *Pool) SetDataAddr(m api.Mbuf, addr, length int) error {
	return p.SetData(m, addr-int(m.Index())*p.layout.Stride-HeaderSize, length)
}

// Lookup maps any region offset inside a checked-out slot back to its
// current handle. Devices use it for completion addresses.
func (p *Pool) Lookup(offset int) (api.Mbuf, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	if offset < 0 || offset >= len(p.mem) {
		return 0, fmt.Errorf("offset %d outside region: %w", offset, api.ErrNotFound)
	}
	i := uint32(offset / p.layout.Stride)
	w := p.meta[i].word.Load()
	if w&ownedBit == 0 {
		return 0, fmt.Errorf("slot %d is free: %w", i, api.ErrStaleMbuf)
	}
	return api.MakeMbuf(p.id, w>>1, i), nil
}

// Slot returns the whole slot, header included. For diagnostics and devices
// that need the raw layout.
func (p *Pool) Slot(index int) ([]byte, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}
	if index < 0 || index >= p.layout.Count {
		return nil, fmt.Errorf("slot %d of %d: %w", index, p.layout.Count, api.ErrInvalidArgument)
	}
	base := index * p.layout.Stride
	return p.mem[base : base+p.layout.Stride : base+p.layout.Stride], nil
}

// Region returns the aligned slot area. Devices register it as DMA/UMEM memory.
func (p *Pool) Region() []byte { return p.mem }

// ObjIter calls fn for every slot in index order until fn returns false.
// It returns the number of slots visited.
func (p *Pool) ObjIter(fn func(index int, slot []byte) bool) int {
	if p.ready() != nil {
		return 0
	}
	for i := 0; i < p.layout.Count; i++ {
		s, _ := p.Slot(i)
		if !fn(i, s) {
			return i + 1
		}
	}
	return p.layout.Count
}

// Stats returns a snapshot of slot accounting.
func (p *Pool) Stats() api.PoolStats {
	st := api.PoolStats{
		Name:       p.name,
		Count:      p.layout.Count,
		Cached:     int(p.cached.Load()),
		TotalAlloc: p.totalAlloc.Load(),
		TotalFree:  p.totalFree.Load(),
		AllocFail:  p.allocFail.Load(),
		NUMANode:   p.node,
	}
	if p.populated.Load() {
		st.Free = p.free.Len()
		st.InUse = st.Count - st.Free - st.Cached
	}
	return st
}

// Close unregisters the pool and releases its region. Outstanding handles
// become invalid; callers stop devices first.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unregister(p)
	var err error
	if p.region != nil {
		err = p.region.Free()
		p.region = nil
	}
	p.mem, p.meta = nil, nil
	return err
}

func (p *Pool) ID() uint8       { return p.id }
func (p *Pool) Name() string    { return p.name }
func (p *Pool) Layout() Layout  { return p.layout }
func (p *Pool) Stride() int     { return p.layout.Stride }
func (p *Pool) DataRoom() int   { return p.layout.DataRoom }
func (p *Pool) Headroom() int   { return p.layout.Headroom }
func (p *Pool) Node() int       { return p.node }
func (p *Pool) CacheSize() int  { return p.cacheSize }
func (p *Pool) Populated() bool { return p.populated.Load() }
func (p *Pool) HugePages() bool { return p.region != nil && p.region.HugePages() }
func (p *Pool) String() string {
	return fmt.Sprintf("%s[%d x %d]", p.name, p.layout.Count, p.layout.Stride)
}
