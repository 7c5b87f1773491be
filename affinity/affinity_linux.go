//go:build linux

// File: affinity/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation for setting thread CPU affinity.

package affinity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type cpuMask = unix.CPUSet

// setAffinityPlatform binds the calling thread to cpuID and returns the
// mask it had before.
func setAffinityPlatform(cpuID int) (cpuMask, error) {
	var saved unix.CPUSet
	if err := unix.SchedGetaffinity(0, &saved); err != nil {
		return saved, fmt.Errorf("affinity: sched_getaffinity: %w", err)
	}
	var set unix.CPUSet
	set.Set(cpuID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return saved, fmt.Errorf("affinity: sched_setaffinity cpu %d: %w", cpuID, err)
	}
	return saved, nil
}

func restoreAffinityPlatform(m cpuMask) error {
	if err := unix.SchedSetaffinity(0, &m); err != nil {
		return fmt.Errorf("affinity: restore mask: %w", err)
	}
	return nil
}
