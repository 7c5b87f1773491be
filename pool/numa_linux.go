//go:build linux
// +build linux

// File: pool/numa_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux region allocator: anonymous mmap, optional hugepages, and an
// MPOL_PREFERRED memory policy for the requested NUMA node.

package pool

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mpolPreferred = 1
	hugePageSize  = 2 << 20
	maxNodeBits   = 64
)

// linuxNUMAAllocator is a NUMA allocator implementation for Linux.
type linuxNUMAAllocator struct {
	pageSize int
}

func newLinuxNUMAAllocator() NUMAAllocator {
	return &linuxNUMAAllocator{pageSize: os.Getpagesize()}
}

// createNUMAAllocator returns the NUMA allocator for Linux.
func createNUMAAllocator() NUMAAllocator {
	return newLinuxNUMAAllocator()
}

func (l *linuxNUMAAllocator) Alloc(size int, node int, huge bool) ([]byte, bool, error) {
	if size <= 0 {
		return nil, false, fmt.Errorf("linux region alloc: size %d", size)
	}
	if huge {
		mem, err := unix.Mmap(-1, 0, roundUp(size, hugePageSize),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
		if err == nil {
			l.place(mem, node)
			return mem[:size], true, nil
		}
		slog.Debug("hugepage region unavailable, using normal pages", "size", size, "err", err)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if node < 0 {
		flags |= unix.MAP_POPULATE
	}
	mem, err := unix.Mmap(-1, 0, roundUp(size, l.pageSize), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, false, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	l.place(mem, node)
	return mem[:size], false, nil
}

// place applies the node policy and faults the pages in so they land there.
// A failed policy is not fatal: memory stays usable, only locality suffers.
func (l *linuxNUMAAllocator) place(mem []byte, node int) {
	if node < 0 {
		return
	}
	if err := mbind(mem, node); err != nil {
		slog.Warn("NUMA placement failed, region left on default node", "node", node, "err", err)
	}
	for i := 0; i < len(mem); i += l.pageSize {
		mem[i] = 0
	}
}

func (l *linuxNUMAAllocator) Free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem[:cap(mem)])
}

// Nodes parses /sys/devices/system/node/possible ("0" or "0-3").
func (l *linuxNUMAAllocator) Nodes() (int, error) {
	raw, err := os.ReadFile("/sys/devices/system/node/possible")
	if err != nil {
		return 1, err
	}
	s := strings.TrimSpace(string(raw))
	if i := strings.LastIndexAny(s, "-,"); i >= 0 {
		s = s[i+1:]
	}
	last, err := strconv.Atoi(s)
	if err != nil {
		return 1, fmt.Errorf("parse node list %q: %w", raw, err)
	}
	return last + 1, nil
}

func mbind(mem []byte, node int) error {
	if node >= maxNodeBits {
		return fmt.Errorf("node %d beyond supported mask", node)
	}
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(unsafe.Pointer(&mem[0])),
		uintptr(len(mem)),
		mpolPreferred,
		uintptr(unsafe.Pointer(&mask)),
		maxNodeBits+1,
		0,
	)
	if errno != 0 {
		return errno
	}
	return nil
}
