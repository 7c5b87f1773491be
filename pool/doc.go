// Package pool
// Author: momentics <momentics@gmail.com>
//
// Packet buffer pools over page-aligned, NUMA-local regions.
// A pool carves its region into fixed-stride slots, keeps free slot indices
// on a lock-free MPMC ring and hands out generation-checked api.Mbuf handles.
// See layout.go for slot geometry, numapool.go for region allocation and
// pool.go for checkout and return.
package pool
