// File: pool/layout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Slot geometry for fixed-stride packet pools.

package pool

import (
	"fmt"
	"math"
	"math/bits"
	"os"

	"github.com/momentics/hioload-reflector/api"
)

const (
	// HeaderSize is the per-slot metadata area in front of the headroom.
	HeaderSize = 128
	// DefaultHeadroom leaves space for prepending headers.
	DefaultHeadroom = 128
	// DefaultDataRoom fits a standard 1500-byte MTU frame and yields a
	// 2048-byte stride: two slots per 4 KiB page.
	DefaultDataRoom = 2048 - HeaderSize - DefaultHeadroom
	// DefaultCount matches the reflector's mbuf count.
	DefaultCount = 8192
	// DefaultCacheSize is the per-goroutine cache depth.
	DefaultCacheSize = 250
	// MaxCacheSize bounds Config.CacheSize.
	MaxCacheSize = 512
	// MinDataRoom is the smallest payload an Ethernet frame needs.
	MinDataRoom = 64
)

// Config sizes a pool. Zero fields take defaults from DefaultConfig.
type Config struct {
	Name      string
	Count     int // number of slots, >= 1
	DataRoom  int // usable payload bytes per slot
	Headroom  int // bytes between header and payload
	Stride    int // 0 = derive from DataRoom
	Align     int // base alignment, power of two; 0 = page size
	CacheSize int // per-goroutine cache, 0..MaxCacheSize and <= Count/1.5
	Node      int // NUMA node hint, api.NoNUMA for none
	HugePages bool
}

// DefaultConfig returns the reflector's pool shape: 8192 slots of 2 KiB.
func DefaultConfig() Config {
	return Config{
		Count:     DefaultCount,
		DataRoom:  DefaultDataRoom,
		Headroom:  DefaultHeadroom,
		Align:     os.Getpagesize(),
		CacheSize: DefaultCacheSize,
		Node:      api.NoNUMA,
	}
}

// Layout is the computed geometry of a pool region.
type Layout struct {
	Count        int
	Stride       int
	Align        int
	Headroom     int
	DataRoom     int // usable bytes from Headroom to the end of the slot
	SlotsPerPage int
	RegionSize   int // Count*Stride + Align
}

// SlotBytes is the byte span the slots occupy, without the alignment pad.
func (l Layout) SlotBytes() int { return l.Count * l.Stride }

// ComputeLayout derives slot stride and region size from cfg. It performs no
// allocation and has no side effects.
func ComputeLayout(cfg Config) (Layout, error) {
	if cfg.Count < 1 || uint64(cfg.Count) > math.MaxUint32 {
		return Layout{}, api.PoolPopulationError(fmt.Errorf("count %d outside [1,%d]: %w", cfg.Count, uint64(math.MaxUint32), api.ErrInvalidArgument))
	}
	align := cfg.Align
	if align == 0 {
		align = os.Getpagesize()
	}
	if !isPowerOfTwo(align) {
		return Layout{}, api.PoolPopulationError(fmt.Errorf("alignment %d is not a power of two: %w", align, api.ErrInvalidArgument))
	}
	if cfg.DataRoom < MinDataRoom {
		return Layout{}, api.PoolPopulationError(fmt.Errorf("data room %d below %d: %w", cfg.DataRoom, MinDataRoom, api.ErrInvalidArgument))
	}
	if cfg.Headroom < 0 {
		return Layout{}, api.PoolPopulationError(fmt.Errorf("negative headroom: %w", api.ErrInvalidArgument))
	}
	need := HeaderSize + cfg.Headroom + cfg.DataRoom

	stride := cfg.Stride
	switch {
	case stride == 0 && need <= align:
		stride = nextPowerOfTwo(need)
	case stride == 0:
		stride = roundUp(need, align)
	case stride < need:
		return Layout{}, api.PoolPopulationError(fmt.Errorf("stride %d cannot hold header %d + headroom %d + data room %d: %w",
			stride, HeaderSize, cfg.Headroom, cfg.DataRoom, api.ErrInvalidArgument))
	case stride <= align && align%stride != 0, stride > align && stride%align != 0:
		return Layout{}, api.PoolPopulationError(fmt.Errorf("stride %d does not pack into alignment %d: %w", stride, align, api.ErrInvalidArgument))
	}

	size, err := regionSize(cfg.Count, stride, align)
	if err != nil {
		return Layout{}, err
	}

	perPage := 0
	if stride <= align {
		perPage = align / stride
	}
	return Layout{
		Count:        cfg.Count,
		Stride:       stride,
		Align:        align,
		Headroom:     cfg.Headroom,
		DataRoom:     stride - HeaderSize - cfg.Headroom,
		SlotsPerPage: perPage,
		RegionSize:   size,
	}, nil
}

// regionSize returns count*stride + align, or an allocation error when the
// result does not fit in an int.
func regionSize(count, stride, align int) (int, error) {
	hi, lo := bits.Mul64(uint64(count), uint64(stride))
	lo, carry := bits.Add64(lo, uint64(align), 0)
	if hi != 0 || carry != 0 || lo > math.MaxInt {
		return 0, api.AllocationError(fmt.Errorf("%d slots of %d bytes overflow the address space: %w", count, stride, api.ErrInvalidArgument))
	}
	return int(lo), nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func roundUp(n, align int) int { return (n + align - 1) / align * align }

func validateCacheSize(size, count int) error {
	if size < 0 || size > MaxCacheSize || float64(size) > float64(count)/1.5 {
		return fmt.Errorf("cache size %d out of range for %d slots: %w", size, count, api.ErrInvalidArgument)
	}
	return nil
}
