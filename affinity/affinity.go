// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.

package affinity

import (
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/momentics/hioload-reflector/api"
)

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error. The caller must hold the thread
// with runtime.LockOSThread.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: cpu %d: %w", cpuID, api.ErrInvalidArgument)
	}
	_, err := setAffinityPlatform(cpuID)
	return err
}

// Thread pins one goroutine at a time to a CPU and restores the previous
// mask on Unpin.
type Thread struct {
	saved  cpuMask
	pinned bool
}

var _ api.Affinity = (*Thread)(nil)

// New returns an unpinned Thread.
func New() *Thread { return &Thread{} }

// Pin locks the calling goroutine to its OS thread and binds the thread to cpuID.
func (t *Thread) Pin(cpuID int) error {
	if t.pinned {
		return fmt.Errorf("affinity: already pinned: %w", api.ErrPortState)
	}
	if cpuID < 0 {
		return fmt.Errorf("affinity: cpu %d: %w", cpuID, api.ErrInvalidArgument)
	}
	runtime.LockOSThread()
	saved, err := setAffinityPlatform(cpuID)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	t.saved, t.pinned = saved, true
	return nil
}

// Unpin restores the mask saved by Pin and releases the OS thread.
func (t *Thread) Unpin() error {
	if !t.pinned {
		return nil
	}
	err := restoreAffinityPlatform(t.saved)
	t.pinned = false
	runtime.UnlockOSThread()
	return err
}

// ParseList parses a core list such as "0-3,8,10-11" into ascending,
// de-duplicated CPU ids.
func ParseList(s string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil || a < 0 {
			return nil, fmt.Errorf("affinity: core list %q: bad cpu %q: %w", s, lo, api.ErrInvalidArgument)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil || b < a {
				return nil, fmt.Errorf("affinity: core list %q: bad range %q: %w", s, part, api.ErrInvalidArgument)
			}
		}
		for c := a; c <= b; c++ {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("affinity: empty core list: %w", api.ErrInvalidArgument)
	}
	slices.Sort(out)
	return out, nil
}
