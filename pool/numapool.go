// File: pool/numapool.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral NUMA-aware region allocation. Concrete allocators are
// selected at build time through platform-specific factories in separate files.

package pool

import (
	"fmt"
	"unsafe"

	"github.com/momentics/hioload-reflector/api"
)

// NUMAAllocator hands out page-backed memory, preferably on a NUMA node.
type NUMAAllocator interface {
	// Alloc returns size bytes placed on node (api.NoNUMA = anywhere).
	// huge requests hugepage backing; implementations may fall back.
	Alloc(size int, node int, huge bool) (mem []byte, hugepages bool, err error)
	Free(mem []byte) error
	Nodes() (int, error)
}

// Region is one contiguous allocation aligned for slot carving.
type Region struct {
	raw       []byte
	bytes     []byte
	offset    int
	hugepages bool
	alloc     NUMAAllocator
}

// Bytes is the aligned slot area, exactly Layout.SlotBytes() long.
func (r *Region) Bytes() []byte { return r.bytes }

// Offset is the distance from the raw allocation start to the aligned base.
func (r *Region) Offset() int { return r.offset }

// RawSize is the size requested from the allocator.
func (r *Region) RawSize() int { return len(r.raw) }

// HugePages reports whether the region is hugepage-backed.
func (r *Region) HugePages() bool { return r.hugepages }

// Free releases the allocation; the region must not be used afterwards.
func (r *Region) Free() error {
	if r == nil || r.raw == nil {
		return nil
	}
	err := r.alloc.Free(r.raw)
	r.raw, r.bytes = nil, nil
	return err
}

// AllocRegion requests Layout.RegionSize bytes and aligns the slot area to
// Layout.Align inside it. The extra alignment unit absorbs base rounding.
func AllocRegion(l Layout, node int, huge bool) (*Region, error) {
	return allocRegionWith(createNUMAAllocator(), l, node, huge)
}

func allocRegionWith(na NUMAAllocator, l Layout, node int, huge bool) (*Region, error) {
	if l.RegionSize <= 0 || l.RegionSize < l.SlotBytes()+l.Align {
		return nil, api.AllocationError(fmt.Errorf("region size %d: %w", l.RegionSize, api.ErrInvalidArgument))
	}
	raw, hp, err := na.Alloc(l.RegionSize, node, huge)
	if err != nil {
		return nil, api.AllocationError(err).
			WithContext("size", l.RegionSize).
			WithContext("align", l.Align).
			WithContext("node", node)
	}
	off := alignOffset(raw, l.Align)
	if off+l.SlotBytes() > len(raw) {
		_ = na.Free(raw)
		return nil, api.AllocationError(fmt.Errorf("aligned base leaves %d bytes, need %d", len(raw)-off, l.SlotBytes()))
	}
	return &Region{
		raw:       raw,
		bytes:     raw[off : off+l.SlotBytes() : off+l.SlotBytes()],
		offset:    off,
		hugepages: hp,
		alloc:     na,
	}, nil
}

// alignOffset returns how far into mem the first align-aligned byte lies.
func alignOffset(mem []byte, align int) int {
	if len(mem) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return int((uintptr(align) - addr%uintptr(align)) % uintptr(align))
}

// isAligned reports whether b starts on an align boundary.
func isAligned(b []byte, align int) bool {
	return len(b) > 0 && uintptr(unsafe.Pointer(&b[0]))%uintptr(align) == 0
}

// NUMANodes returns the number of NUMA nodes the platform reports.
func NUMANodes() int {
	n, err := createNUMAAllocator().Nodes()
	if err != nil || n < 1 {
		return 1
	}
	return n
}
