//go:build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.
// Returns error to indicate unavailability.

package affinity

import (
	"errors"

	"github.com/momentics/hioload-reflector/api"
)

type cpuMask struct{}

// setAffinityPlatform is a stub for platforms where CPU affinity is not supported.
func setAffinityPlatform(int) (cpuMask, error) {
	return cpuMask{}, errors.Join(errors.New("affinity: not supported on this platform"), api.ErrNotSupported)
}

func restoreAffinityPlatform(cpuMask) error { return nil }
