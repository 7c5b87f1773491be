//go:build !linux
// +build !linux

// File: pool/numa_stub.go
// Author: momentics <momentics@gmail.com>
//
// Heap-backed allocator for platforms without mmap/mbind support.
// Alignment comes from over-allocating and offsetting, never from the heap.

package pool

type stubNUMAAllocator struct{}

// createNUMAAllocator returns the heap allocator for unsupported platforms.
func createNUMAAllocator() NUMAAllocator {
	return &stubNUMAAllocator{}
}

func (s *stubNUMAAllocator) Alloc(size int, _ int, _ bool) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func (s *stubNUMAAllocator) Free([]byte) error { return nil }

func (s *stubNUMAAllocator) Nodes() (int, error) { return 1, nil }
