// Package api
// Author: momentics <momentics@gmail.com>
//
// Zero-copy packet buffer handles for pool-backed frames.
//
// A frame lives in a fixed-stride slot of a page-aligned pool region. Callers
// never see a pointer into that region: they hold an Mbuf, a value handle that
// names the slot and the checkout generation. Ownership moves by copying the
// handle and forgetting the old copy; the pool rejects handles whose
// generation is no longer current.

package api

// Mbuf is a checked-out packet buffer handle.
//
// Layout: pool id (bits 56..63) | generation (bits 32..55) | slot index (bits 0..31).
// The zero value never names a live buffer.
type Mbuf uint64

const (
	mbufIndexBits = 32
	mbufGenBits   = 24

	// MaxPools is the size of the process-wide pool table.
	MaxPools = 1<<8 - 1

	// MbufGenMask bounds the generation counter; it wraps skipping zero.
	MbufGenMask = 1<<mbufGenBits - 1
)

// MakeMbuf packs a handle. Used by pool implementations only.
func MakeMbuf(poolID uint8, gen uint32, index uint32) Mbuf {
	return Mbuf(uint64(poolID)<<(mbufIndexBits+mbufGenBits) |
		uint64(gen&MbufGenMask)<<mbufIndexBits |
		uint64(index))
}

// PoolID returns the id of the originating pool.
func (m Mbuf) PoolID() uint8 { return uint8(m >> (mbufIndexBits + mbufGenBits)) }

// Gen returns the checkout generation.
func (m Mbuf) Gen() uint32 { return uint32(m>>mbufIndexBits) & MbufGenMask }

// Index returns the slot index inside the originating pool.
func (m Mbuf) Index() uint32 { return uint32(m) }

// IsZero reports whether m is the empty handle.
func (m Mbuf) IsZero() bool { return m == 0 }

// ZeroMbufs clears a handle array in place so released or transferred
// handles cannot be reused by accident.
func ZeroMbufs(bufs []Mbuf) {
	for i := range bufs {
		bufs[i] = 0
	}
}
