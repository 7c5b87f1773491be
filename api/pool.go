// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Pool accounting contracts shared by the allocator, devices and metrics.

package api

// PoolStats aggregates slot accounting for one pool.
type PoolStats struct {
	Name       string
	Count      int    // total slots
	Free       int    // slots in the shared free-list
	Cached     int    // slots parked in per-goroutine caches
	InUse      int    // slots checked out to callers or devices
	TotalAlloc uint64 // successful checkouts
	TotalFree  uint64 // successful returns
	AllocFail  uint64 // checkouts refused because the pool was empty
	NUMANode   int
}

// MbufSource is the supply side of a pool as seen by RX queues.
type MbufSource interface {
	// AllocBulk checks out len(bufs) buffers or none at all.
	AllocBulk(bufs []Mbuf) error
}

// MbufSink takes buffers back; the handle must not be used afterwards.
type MbufSink interface {
	Free(m Mbuf) error
}
